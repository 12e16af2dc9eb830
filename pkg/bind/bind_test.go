package bind

import (
	"github.com/fortiblox/x1-keel/internal/types"
	"github.com/fortiblox/x1-keel/pkg/binenc"
	"github.com/fortiblox/x1-keel/pkg/discrim"
)

// counterState is the typed payload used across the package tests.
type counterState struct {
	Authority types.Pubkey
	Count     uint64
}

func (s *counterState) AccountDiscriminator() discrim.Discriminator {
	return discrim.ForAccount("Counter")
}

func (s *counterState) MarshalState() ([]byte, error) {
	w := binenc.NewWriter()
	w.Pubkey(s.Authority)
	w.Uint64(s.Count)
	return w.Bytes(), nil
}

func (s *counterState) UnmarshalState(data []byte) error {
	r := binenc.NewReader(data)
	var err error
	if s.Authority, err = r.Pubkey(); err != nil {
		return err
	}
	if s.Count, err = r.Uint64(); err != nil {
		return err
	}
	return nil
}

// vaultState is a second type, for type-confusion tests.
type vaultState struct {
	Balance uint64
}

func (s *vaultState) AccountDiscriminator() discrim.Discriminator {
	return discrim.ForAccount("Vault")
}

func (s *vaultState) MarshalState() ([]byte, error) {
	w := binenc.NewWriter()
	w.Uint64(s.Balance)
	return w.Bytes(), nil
}

func (s *vaultState) UnmarshalState(data []byte) error {
	r := binenc.NewReader(data)
	var err error
	s.Balance, err = r.Uint64()
	return err
}

func testKey(b byte) types.Pubkey {
	var p types.Pubkey
	p[0] = b
	return p
}

var testProgram = testKey(0xAA)

// serializeState builds a raw account buffer: discriminator plus payload.
func serializeState(st AccountState) []byte {
	payload, err := st.MarshalState()
	if err != nil {
		panic(err)
	}
	d := st.AccountDiscriminator()
	return append(d.Bytes(), payload...)
}

func counterHandle(key byte, owner types.Pubkey, st *counterState) *Handle {
	return &Handle{
		Key:        testKey(key),
		Owner:      owner,
		Lamports:   1_000_000,
		Data:       serializeState(st),
		IsWritable: true,
	}
}
