// Package pda implements program-derived address derivation and checking.
//
// A derived address is sha256(seeds || program id || marker) and is only
// valid when the result is not a point on the ed25519 curve, so no private
// key can ever exist for it. The canonical bump is the highest nonce in
// 255..0 whose derivation lands off-curve; the search order must match the
// host's derivation bit-for-bit, since two valid nonces would make the
// address ambiguous.
package pda

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"

	"github.com/fortiblox/x1-keel/internal/types"
)

// Derivation limits.
const (
	MaxSeeds   = 16
	MaxSeedLen = 32
)

// Marker appended to the derivation hash input.
var marker = []byte("ProgramDerivedAddress")

var (
	// ErrMaxSeedsExceeded is returned when more than MaxSeeds seeds are given.
	ErrMaxSeedsExceeded = errors.New("max seeds exceeded")

	// ErrMaxSeedLengthExceeded is returned when a seed is longer than MaxSeedLen.
	ErrMaxSeedLengthExceeded = errors.New("max seed length exceeded")

	// ErrInvalidSeeds is returned when the derivation lands on the curve.
	ErrInvalidSeeds = errors.New("invalid seeds: derived address is on curve")

	// ErrSeedMismatch is returned when a recomputed address disagrees with
	// the expected one.
	ErrSeedMismatch = errors.New("seed mismatch: derived address does not match")

	// ErrNoViableBump is returned when no nonce in 255..0 lands off-curve.
	ErrNoViableBump = errors.New("unable to find a viable bump seed")
)

// CreateProgramAddress derives an address from seeds and a program id.
// Fails with ErrInvalidSeeds if the derived point is on the ed25519 curve.
func CreateProgramAddress(seeds [][]byte, programID types.Pubkey) (types.Pubkey, error) {
	if len(seeds) > MaxSeeds {
		return types.Pubkey{}, ErrMaxSeedsExceeded
	}
	for _, seed := range seeds {
		if len(seed) > MaxSeedLen {
			return types.Pubkey{}, ErrMaxSeedLengthExceeded
		}
	}

	h := sha256.New()
	for _, seed := range seeds {
		h.Write(seed)
	}
	h.Write(programID[:])
	h.Write(marker)

	var addr types.Pubkey
	copy(addr[:], h.Sum(nil))

	if IsOnCurve(addr[:]) {
		return types.Pubkey{}, ErrInvalidSeeds
	}
	return addr, nil
}

// FindProgramAddress searches bumps from 255 downward and returns the first
// derivation that lands off-curve, together with the bump used. The result
// is deterministic for identical seed input.
func FindProgramAddress(seeds [][]byte, programID types.Pubkey) (types.Pubkey, uint8, error) {
	if len(seeds) > MaxSeeds-1 {
		return types.Pubkey{}, 0, ErrMaxSeedsExceeded
	}

	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)

	for bump := uint8(255); ; bump-- {
		withBump[len(seeds)] = []byte{bump}
		addr, err := CreateProgramAddress(withBump, programID)
		if err == nil {
			return addr, bump, nil
		}
		if !errors.Is(err, ErrInvalidSeeds) {
			return types.Pubkey{}, 0, err
		}
		if bump == 0 {
			break
		}
	}
	return types.Pubkey{}, 0, ErrNoViableBump
}

// Verify recomputes the derivation for (seeds, bump) and fails with
// ErrSeedMismatch unless it equals expected.
func Verify(expected types.Pubkey, programID types.Pubkey, seeds [][]byte, bump uint8) error {
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	withBump[len(seeds)] = []byte{bump}

	addr, err := CreateProgramAddress(withBump, programID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSeedMismatch, err)
	}
	if addr != expected {
		return fmt.Errorf("%w: derived %s, expected %s", ErrSeedMismatch, addr, expected)
	}
	return nil
}

// IsOnCurve reports whether a 32-byte value decompresses to a valid ed25519
// point. This is the host's canonical validity check, not a heuristic: a
// candidate is on the curve iff point decompression succeeds.
func IsOnCurve(b []byte) bool {
	if len(b) != types.PubkeySize {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(b)
	return err == nil
}
