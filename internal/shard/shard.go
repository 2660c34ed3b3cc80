// Package shard provides hash helpers for deriving partition keys.
package shard

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/fnv"
)

// MaxBuckets is the upper bound accepted by Bucket.
const MaxBuckets = 256

// Bucket maps a key onto one of numBuckets hex-named buckets ("00".."ff").
// With numBuckets<=1, every key lands in bucket "00".
func Bucket(key string, numBuckets int) string {
	if numBuckets <= 1 {
		return "00"
	}
	if numBuckets > MaxBuckets {
		numBuckets = MaxBuckets
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return fmt.Sprintf("%02x", h.Sum32()%uint32(numBuckets))
}

// Digest returns a 128-bit SHA-256 prefix of the joined parts as hex.
// Parts are length-prefixed so ("ab","c") and ("a","bc") never collide.
func Digest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		fmt.Fprintf(h, "%d:%s;", len(p), p)
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}
