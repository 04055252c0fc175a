// Package cachekey implements the deterministic hashing of §4.C: a
// canonical dictionary, sorted and serialized reproducibly, hashed with
// SHA-256 to produce the hex key used to name refs in the CAS.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/buildstream-go/bst/internal/bsterrors"
)

// Input is the canonical dictionary of §3 from which one cache key
// variant is computed. Dependencies carries either dependency names
// (weak) or dependency strict keys (strict/strong), chosen by the
// caller — this package hashes whatever it is given.
type Input struct {
	ArtifactVersion  int
	ContextKey       string
	ProjectKey       string
	ElementUniqueKey interface{}
	OS               string
	Arch             string
	Environment      map[string]string
	SourceKeys       []interface{}
	Public           interface{}
	CacheKind        string
	Dependencies     []string
}

// Compute hashes in's canonical dictionary. The dictionary is built as a
// plain Go map, and encoding/json always serializes map[string]any keys
// in sorted order — that sortedness, not any property of the dependency
// slices or source list (which keep the caller's order, since ordering
// there is itself part of the input), is what makes the result
// independent of incidental map build order.
func (in Input) Compute() (string, error) {
	dict := map[string]interface{}{
		"artifact-version": in.ArtifactVersion,
		"context-key":      in.ContextKey,
		"project-key":      in.ProjectKey,
		"element-unique-key": in.ElementUniqueKey,
		"execution-environment": map[string]interface{}{
			"os":   in.OS,
			"arch": in.Arch,
		},
		"environment":  in.Environment,
		"sources":      in.SourceKeys,
		"public":       in.Public,
		"cache-kind":   in.CacheKind,
		"dependencies": in.Dependencies,
	}

	b, err := json.Marshal(dict)
	if err != nil {
		return "", bsterrors.Wrap(err, bsterrors.DomainElement, bsterrors.ReasonIO, "canonicalizing cache key input")
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Strength distinguishes the three key variants of §3.
type Strength int

const (
	Weak Strength = iota
	Strict
	Strong
)

func (s Strength) String() string {
	switch s {
	case Weak:
		return "weak"
	case Strict:
		return "strict"
	case Strong:
		return "strong"
	default:
		return "unknown"
	}
}
