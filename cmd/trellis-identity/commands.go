package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/jacentio/trellis-identity/identity"
)

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ContinueOnError)
}

func required(fs *flag.FlagSet, names ...string) error {
	for _, n := range names {
		if f := fs.Lookup(n); f == nil || f.Value.String() == "" {
			return fmt.Errorf("%s: -%s is required", fs.Name(), n)
		}
	}
	return nil
}

// splitPair splits "a<sep>b" and rejects empty halves.
func splitPair(s, sep, what string) (string, string, error) {
	a, b, ok := strings.Cut(s, sep)
	if !ok || a == "" || b == "" {
		return "", "", fmt.Errorf("%s %q must look like a%sb", what, s, sep)
	}
	return a, b, nil
}

func (c *cli) createUser(ctx context.Context, args []string) error {
	fs := newFlagSet("create-user")
	username := fs.String("username", "", "Username")
	email := fs.String("email", "", "Email address")
	phone := fs.String("phone", "", "Phone number")
	var deps identity.Dependents
	fs.Func("claim", "Claim as type=value (repeatable)", func(s string) error {
		t, v, err := splitPair(s, "=", "claim")
		if err != nil {
			return err
		}
		deps.Claims = append(deps.Claims, identity.Claim{Type: t, Value: v})
		return nil
	})
	fs.Func("login", "External login as provider:key (repeatable)", func(s string) error {
		p, k, err := splitPair(s, ":", "login")
		if err != nil {
			return err
		}
		deps.Logins = append(deps.Logins, identity.Login{Provider: p, Key: k})
		return nil
	})
	fs.Func("role", "Role name (repeatable)", func(s string) error {
		deps.Roles = append(deps.Roles, s)
		return nil
	})
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(fs, "username"); err != nil {
		return err
	}

	u := &identity.User{UserName: *username, Email: *email, PhoneNumber: *phone}
	if err := c.repo.Create(ctx, u, deps); err != nil {
		return err
	}
	return c.printUsers(u)
}

func (c *cli) createRole(ctx context.Context, args []string) error {
	fs := newFlagSet("create-role")
	name := fs.String("name", "", "Role name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(fs, "name"); err != nil {
		return err
	}
	role := &identity.Role{Name: *name}
	if err := c.repo.CreateRole(ctx, role); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s\t%s\n", role.ID, role.Name)
	return nil
}

func (c *cli) rename(ctx context.Context, args []string) error {
	fs := newFlagSet("rename")
	from := fs.String("username", "", "Current username")
	to := fs.String("to", "", "New username")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(fs, "username", "to"); err != nil {
		return err
	}
	u, err := c.repo.FindByUsername(ctx, *from)
	if err != nil {
		return err
	}
	u.UserName = *to
	if err := c.repo.Update(ctx, u); err != nil {
		return err
	}
	return c.printUsers(u)
}

func (c *cli) lookup(ctx context.Context, args []string) error {
	fs := newFlagSet("lookup")
	id := fs.String("id", "", "User id")
	username := fs.String("username", "", "Username")
	email := fs.String("email", "", "Email address")
	provider := fs.String("provider", "", "External login provider (with -key)")
	key := fs.String("key", "", "External login key (with -provider)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		users []*identity.User
		u     *identity.User
		err   error
	)
	switch {
	case *id != "":
		u, err = c.repo.FindByID(ctx, *id)
	case *username != "":
		u, err = c.repo.FindByUsername(ctx, *username)
	case *email != "":
		users, err = c.repo.FindByEmail(ctx, *email)
	case *provider != "" || *key != "":
		u, err = c.repo.FindByLogin(ctx, *provider, *key)
	default:
		return errors.New("lookup: one of -id, -username, -email or -provider/-key is required")
	}
	if err != nil {
		return err
	}
	if u != nil {
		users = append(users, u)
	}
	return c.printUsers(users...)
}

func (c *cli) addLogin(ctx context.Context, args []string) error {
	fs := newFlagSet("add-login")
	username := fs.String("username", "", "Username")
	provider := fs.String("provider", "", "External login provider")
	key := fs.String("key", "", "External login key")
	display := fs.String("display-name", "", "Display name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(fs, "username", "provider", "key"); err != nil {
		return err
	}
	u, err := c.repo.FindByUsername(ctx, *username)
	if err != nil {
		return err
	}
	return c.repo.AddLogin(ctx, u.ID, identity.Login{Provider: *provider, Key: *key, DisplayName: *display})
}

func (c *cli) deleteUser(ctx context.Context, args []string) error {
	fs := newFlagSet("delete-user")
	username := fs.String("username", "", "Username")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := required(fs, "username"); err != nil {
		return err
	}
	u, err := c.repo.FindByUsername(ctx, *username)
	if err != nil {
		return err
	}
	return c.repo.Delete(ctx, u.ID)
}

func (c *cli) printUsers(users ...*identity.User) error {
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSERNAME\tEMAIL\tKEY VERSION\tVERSION")
	for _, u := range users {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", u.ID, u.UserName, u.Email, u.KeyVersion, u.Version)
	}
	return w.Flush()
}
