// Package authority implements owner and program-identity checks.
//
// These are the engine's defense against confused-deputy attacks: a caller
// who substitutes an account from an unrelated program must be rejected
// before any program logic sees the account. Both checks are pure
// predicates over expected identity sets.
package authority

import (
	"errors"
	"fmt"

	"github.com/fortiblox/x1-keel/internal/types"
)

var (
	// ErrOwnerMismatch is returned when an account's owner is not in the
	// expected set.
	ErrOwnerMismatch = errors.New("account owned by wrong program")

	// ErrInvalidProgramID is returned when a program's identity is not in
	// the expected set.
	ErrInvalidProgramID = errors.New("invalid program id")
)

// CheckOwner verifies that owner is one of the allowed authorities.
// The error names the offending authority for diagnostics.
func CheckOwner(owner types.Pubkey, allowed ...types.Pubkey) error {
	if contains(allowed, owner) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrOwnerMismatch, owner)
}

// CheckID verifies that id is one of the allowed program identities.
// Multiple identities support program migration, where an account set is
// valid under both the old and new program id.
func CheckID(id types.Pubkey, allowed ...types.Pubkey) error {
	if contains(allowed, id) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidProgramID, id)
}

func contains(set []types.Pubkey, p types.Pubkey) bool {
	for _, s := range set {
		if s == p {
			return true
		}
	}
	return false
}
