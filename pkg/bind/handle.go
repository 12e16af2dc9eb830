package bind

import (
	"fmt"

	"github.com/fortiblox/x1-keel/internal/types"
)

// MaxDataSize is the host's limit on account data.
const MaxDataSize = 10 * 1024 * 1024

// Handle is the host-owned view of one raw account for the duration of one
// instruction. The engine borrows it and must never retain it past the
// instruction; every instruction starts from freshly bound handles.
type Handle struct {
	// Key is the account's address.
	Key types.Pubkey

	// Owner is the program permitted to mutate the account's data.
	Owner types.Pubkey

	// Lamports is the balance locked inside the account.
	Lamports uint64

	// Data is the account's mutable byte buffer. May be resized up to
	// MaxDataSize.
	Data []byte

	// IsSigner is true if the account signed the transaction.
	IsSigner bool

	// IsWritable is true if the transaction marked the account mutable.
	IsWritable bool

	// IsExecutable is true for program accounts.
	IsExecutable bool

	// RentEpoch is carried through for host settlement.
	RentEpoch uint64
}

// AddLamports credits the account. Fails with ErrOverflow instead of
// wrapping. The caller must hold the only live mutable view of the balance;
// single-threaded instruction execution makes that a static discipline.
func (h *Handle) AddLamports(amount uint64) error {
	if h.Lamports > ^uint64(0)-amount {
		return fmt.Errorf("%w: %d + %d", ErrOverflow, h.Lamports, amount)
	}
	h.Lamports += amount
	return nil
}

// SubLamports debits the account. Fails with ErrUnderflow instead of
// wrapping.
func (h *Handle) SubLamports(amount uint64) error {
	if h.Lamports < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrUnderflow, h.Lamports, amount)
	}
	h.Lamports -= amount
	return nil
}

// Transfer moves amount lamports from one account to another. Both balances
// are validated before either is touched, so a failed transfer leaves both
// unchanged. The total across the pair is conserved by construction.
func Transfer(from, to *Handle, amount uint64) error {
	if from.Lamports < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrUnderflow, from.Lamports, amount)
	}
	if to.Lamports > ^uint64(0)-amount {
		return fmt.Errorf("%w: %d + %d", ErrOverflow, to.Lamports, amount)
	}
	from.Lamports -= amount
	to.Lamports += amount
	return nil
}

// Resize grows or shrinks the data buffer to n bytes. Grown space is
// zero-filled. The caller records the account in the reallocation set.
func (h *Handle) Resize(n int) error {
	if n > MaxDataSize {
		return fmt.Errorf("%w: %d bytes", ErrDataTooLarge, n)
	}
	switch {
	case n == len(h.Data):
		return nil
	case n < len(h.Data):
		h.Data = h.Data[:n]
	default:
		grown := make([]byte, n)
		copy(grown, h.Data)
		h.Data = grown
	}
	return nil
}
