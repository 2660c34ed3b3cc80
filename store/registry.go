package store

import "strings"

// KindSpec describes how one entity kind is laid out.
type KindSpec struct {
	// Kind is the entity tag (e.g., "claim").
	Kind Kind

	// Table is the logical table holding the kind (e.g., "users").
	Table string

	// RowKeyPrefix starts every row key of this kind (e.g., "C_").
	RowKeyPrefix string

	// Owner is the kind whose partition this kind lives in.
	// Empty for kinds that own their partition.
	Owner Kind
}

// Registry holds all known entity kinds.
type Registry struct {
	specs   []KindSpec
	byKind  map[Kind]KindSpec
	byOwner map[Kind][]KindSpec
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		specs:   []KindSpec{},
		byKind:  make(map[Kind]KindSpec),
		byOwner: make(map[Kind][]KindSpec),
	}
}

// DefaultRegistry returns the registry for the identity schema.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(KindSpec{Kind: KindUser, Table: "users", RowKeyPrefix: "U_"})
	r.Register(KindSpec{Kind: KindClaim, Table: "users", RowKeyPrefix: "C_", Owner: KindUser})
	r.Register(KindSpec{Kind: KindLogin, Table: "users", RowKeyPrefix: "L_", Owner: KindUser})
	r.Register(KindSpec{Kind: KindRoleMembership, Table: "users", RowKeyPrefix: "UR_", Owner: KindUser})
	r.Register(KindSpec{Kind: KindRole, Table: "roles", RowKeyPrefix: "R_"})
	r.Register(KindSpec{Kind: KindIndex, Table: "index"})
	return r
}

// Register adds a kind to the registry.
func (r *Registry) Register(spec KindSpec) {
	r.specs = append(r.specs, spec)
	r.byKind[spec.Kind] = spec
	if spec.Owner != "" {
		r.byOwner[spec.Owner] = append(r.byOwner[spec.Owner], spec)
	}
}

// Spec returns the spec registered for kind.
func (r *Registry) Spec(kind Kind) (KindSpec, bool) {
	spec, ok := r.byKind[kind]
	return spec, ok
}

// DependentsOf returns the kinds stored in an owner's partition.
func (r *Registry) DependentsOf(owner Kind) []KindSpec {
	return r.byOwner[owner]
}

// IsDependentOf reports whether kind lives in owner's partition.
func (r *Registry) IsDependentOf(kind, owner Kind) bool {
	spec, ok := r.byKind[kind]
	return ok && spec.Owner == owner
}

// All returns every registered kind.
func (r *Registry) All() []KindSpec {
	return r.specs
}

// KindOfRowKey infers the kind of a row in an owner's partition from its
// row key prefix. The longest matching prefix wins.
func (r *Registry) KindOfRowKey(owner Kind, rowKey string) (Kind, bool) {
	var best KindSpec
	candidates := append([]KindSpec{r.byKind[owner]}, r.byOwner[owner]...)
	for _, spec := range candidates {
		if spec.RowKeyPrefix == "" || !strings.HasPrefix(rowKey, spec.RowKeyPrefix) {
			continue
		}
		if len(spec.RowKeyPrefix) > len(best.RowKeyPrefix) {
			best = spec
		}
	}
	return best.Kind, best.Kind != ""
}
