// Package digest implements the core engine's content-addressing
// primitive: a Digest is the pair (hash, size) of the SHA-256 of a
// byte string, per the data model's Digest definition.
package digest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	godigest "github.com/opencontainers/go-digest"
)

// Digest addresses an immutable byte blob by the hex-encoded SHA-256 of
// its content and the content's length. Two digests are equal iff the
// byte strings they reference are equal.
type Digest struct {
	Hash string
	Size int64
}

// Zero reports whether d is the unset digest.
func (d Digest) Zero() bool {
	return d.Hash == ""
}

// String renders the digest as "sha256:<hex>/<size>". The on-disk
// object path is given by RelPath, not by String.
func (d Digest) String() string {
	return fmt.Sprintf("sha256:%s/%d", d.Hash, d.Size)
}

// RelPath returns the object store's relative path for d:
// "<hash[:2]>/<hash[2:]>".
func (d Digest) RelPath() string {
	if len(d.Hash) < 2 {
		return d.Hash
	}
	return d.Hash[:2] + "/" + d.Hash[2:]
}

// Equal reports whether d and o reference the same content.
func (d Digest) Equal(o Digest) bool {
	return d.Hash == o.Hash && d.Size == o.Size
}

// FromBytes computes the Digest of b.
func FromBytes(b []byte) Digest {
	sum := sha256.Sum256(b)
	return Digest{Hash: hex.EncodeToString(sum[:]), Size: int64(len(b))}
}

// FromReader streams r through SHA-256, returning its Digest without
// buffering the whole content in memory.
func FromReader(r io.Reader) (Digest, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Digest{}, err
	}
	return Digest{Hash: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}

// Verifier wraps a hash.Hash and the byte count seen so far, letting a
// caller verify a stream against an expected Digest as it is consumed
// rather than after the fact.
type Verifier struct {
	h hash.Hash
	n int64
}

// NewVerifier returns a Verifier which also implements io.Writer.
func NewVerifier() *Verifier {
	return &Verifier{h: sha256.New()}
}

func (v *Verifier) Write(p []byte) (int, error) {
	n, err := v.h.Write(p)
	v.n += int64(n)
	return n, err
}

// Digest returns the Digest of everything written so far.
func (v *Verifier) Digest() Digest {
	return Digest{Hash: hex.EncodeToString(v.h.Sum(nil)), Size: v.n}
}

// Matches reports whether the accumulated digest equals want.
func (v *Verifier) Matches(want Digest) bool {
	return v.Digest().Equal(want)
}

// ToOCI converts a Digest to the opencontainers/go-digest representation
// used at the boundary with the CAS-remote interface (§6), which other
// tooling in the ecosystem (registries, OCI image stores) expects.
func ToOCI(d Digest) godigest.Digest {
	return godigest.NewDigestFromHex("sha256", d.Hash)
}

// FromOCI converts an opencontainers/go-digest Digest, pairing it with
// an explicit size since the OCI digest type alone does not carry one.
func FromOCI(d godigest.Digest, size int64) (Digest, error) {
	if err := d.Validate(); err != nil {
		return Digest{}, err
	}
	return Digest{Hash: d.Encoded(), Size: size}, nil
}

// Compare orders digests by hash alone; size is not compared.
func Compare(a, b Digest) int {
	return bytes.Compare([]byte(a.Hash), []byte(b.Hash))
}
