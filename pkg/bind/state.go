package bind

import "github.com/fortiblox/x1-keel/pkg/discrim"

// AccountState is implemented by typed account payloads. The serialized
// form stored in an account is the discriminator followed by MarshalState's
// output; the binder strips the discriminator before calling UnmarshalState.
//
// Implementations decode into an owned value rather than aliasing the raw
// buffer. Together with the binder's consume-once rule this guarantees that
// at most one mutable typed view of an account exists at any instant: the
// buffer itself is only touched again at Exit or Close.
type AccountState interface {
	// AccountDiscriminator returns the type's tag. Fixed at definition
	// time; usually discrim.ForAccount of the type name.
	AccountDiscriminator() discrim.Discriminator

	// MarshalState encodes the payload, discriminator excluded.
	MarshalState() ([]byte, error)

	// UnmarshalState decodes the payload, discriminator excluded.
	UnmarshalState(data []byte) error
}

// Bumps is the per-binding cache of derivation nonces, keyed by field name.
// It is populated once per binding pass; later constraints on the same name
// verify against the cached bump instead of re-searching, which also pins a
// single canonical nonce choice for the pass.
type Bumps map[string]uint8
