// Package discrim implements account and instruction discriminators.
//
// A discriminator is the 8-byte type tag written at the start of every
// serialized account. It is derived from a namespaced name at
// schema-definition time, never computed from runtime data, and it is the
// first thing checked when a raw account is bound to a typed role: a buffer
// tagged for one type can never deserialize as another.
//
// The all-zero prefix is reserved for uninitialized accounts and the
// all-0xff prefix is the closed-account sentinel, so neither value can ever
// be assigned to a live type.
package discrim

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
)

// Size is the discriminator length in bytes.
const Size = 8

var (
	// ErrMismatch is returned when a buffer's type tag does not match the
	// expected discriminator.
	ErrMismatch = errors.New("account discriminator mismatch")

	// ErrTruncated is returned when a buffer is too short to carry a
	// discriminator.
	ErrTruncated = errors.New("account data truncated")

	// ErrClosedAccount is returned when a buffer carries the closed-account
	// sentinel. Closed accounts stay rejected until the host reclaims them.
	ErrClosedAccount = errors.New("account was closed")

	// ErrReserved is returned when registering a name whose derived
	// discriminator collides with a reserved value.
	ErrReserved = errors.New("discriminator value is reserved")

	// ErrDuplicate is returned when a discriminator is registered twice
	// within one program.
	ErrDuplicate = errors.New("duplicate discriminator")
)

// Discriminator is an 8-byte type tag.
type Discriminator [Size]byte

// Closed is the sentinel written over a closed account's discriminator.
// Any later binding attempt against a buffer carrying it fails with
// ErrClosedAccount, which is the defense against resurrection attacks.
var Closed = Discriminator{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ForAccount derives the discriminator for an account type name.
// The namespace matches the original derivation: sha256("account:<Name>")[..8].
func ForAccount(name string) Discriminator {
	return derive("account:" + name)
}

// ForInstruction derives the discriminator for an instruction method name:
// sha256("global:<name>")[..8].
func ForInstruction(name string) Discriminator {
	return derive("global:" + name)
}

func derive(namespaced string) Discriminator {
	h := sha256.Sum256([]byte(namespaced))
	var d Discriminator
	copy(d[:], h[:Size])
	return d
}

// Bytes returns the discriminator as a byte slice.
func (d Discriminator) Bytes() []byte {
	return d[:]
}

// String returns the discriminator as hex.
func (d Discriminator) String() string {
	return fmt.Sprintf("%x", d[:])
}

// IsReserved reports whether d is the uninitialized or closed value.
func (d Discriminator) IsReserved() bool {
	return d == Discriminator{} || d == Closed
}

// Check compares data's leading bytes against d.
//
// A buffer shorter than the discriminator fails with ErrTruncated. A buffer
// carrying the closed sentinel fails with ErrClosedAccount. Any other
// mismatch fails with ErrMismatch. Pure comparison, no side effects.
func (d Discriminator) Check(data []byte) error {
	if len(data) < Size {
		return fmt.Errorf("%w: %d bytes, need %d", ErrTruncated, len(data), Size)
	}
	if bytes.Equal(data[:Size], Closed[:]) {
		return ErrClosedAccount
	}
	if !bytes.Equal(data[:Size], d[:]) {
		return fmt.Errorf("%w: got %x, want %x", ErrMismatch, data[:Size], d[:])
	}
	return nil
}

// IsUninitialized reports whether data is valid for the initialization path:
// an empty buffer, or one whose leading 8 bytes are all zero. This is the
// only path that may skip the discriminator comparison, and it is used
// exactly once per account, at creation.
func IsUninitialized(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	n := Size
	if len(data) < n {
		n = len(data)
	}
	for _, b := range data[:n] {
		if b != 0 {
			return false
		}
	}
	return true
}

// Registry tracks the discriminators assigned within one program and
// enforces that each value is globally unique in that program.
type Registry struct {
	byName map[string]Discriminator
	byTag  map[Discriminator]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Discriminator),
		byTag:  make(map[Discriminator]string),
	}
}

// RegisterAccount derives and records the discriminator for an account type.
// Registering the same name twice, or two names that collide on the derived
// value, is an error.
func (r *Registry) RegisterAccount(name string) (Discriminator, error) {
	return r.register(name, ForAccount(name))
}

// Register records an explicit discriminator under a name. Reserved values
// (all-zero, closed sentinel) are rejected.
func (r *Registry) Register(name string, d Discriminator) (Discriminator, error) {
	return r.register(name, d)
}

func (r *Registry) register(name string, d Discriminator) (Discriminator, error) {
	if d.IsReserved() {
		return Discriminator{}, fmt.Errorf("%w: %q -> %s", ErrReserved, name, d)
	}
	if _, ok := r.byName[name]; ok {
		return Discriminator{}, fmt.Errorf("%w: name %q already registered", ErrDuplicate, name)
	}
	if prev, ok := r.byTag[d]; ok {
		return Discriminator{}, fmt.Errorf("%w: %q collides with %q on %s", ErrDuplicate, name, prev, d)
	}
	r.byName[name] = d
	r.byTag[d] = name
	return d, nil
}

// Lookup returns the discriminator registered under name.
func (r *Registry) Lookup(name string) (Discriminator, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// NameOf returns the name a discriminator was registered under. Useful for
// diagnostics when a mismatching buffer carries a known tag.
func (r *Registry) NameOf(d Discriminator) (string, bool) {
	name, ok := r.byTag[d]
	return name, ok
}
