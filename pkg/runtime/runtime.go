// Package runtime hosts program execution against the persistent account
// store.
//
// One Execute call settles one instruction: the referenced accounts load
// from the store into handles, the target program's schema binds them, the
// handler runs, and the mutated handles settle back atomically. A failing
// instruction leaves the store untouched.
package runtime

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fortiblox/x1-keel/internal/types"
	"github.com/fortiblox/x1-keel/pkg/accounts"
	"github.com/fortiblox/x1-keel/pkg/bind"
	"github.com/fortiblox/x1-keel/pkg/journal"
)

var (
	// ErrUnknownProgram is returned when no program matches the
	// instruction's target.
	ErrUnknownProgram = errors.New("unknown program")

	// ErrConservation is returned when an instruction creates or destroys
	// balance.
	ErrConservation = errors.New("lamport conservation violated")

	// ErrRentExemption is returned when a resized account cannot cover
	// its rent-exempt minimum.
	ErrRentExemption = errors.New("account below rent-exempt minimum")

	// ErrDuplicateAccount is returned when an instruction references the
	// same account more than once. A duplicate writable reference would let
	// a stale handle overwrite the settled one at persist time.
	ErrDuplicateAccount = errors.New("duplicate account reference")

	// ErrReadOnlyMutation is returned when a handler altered an account
	// the caller passed as read-only.
	ErrReadOnlyMutation = errors.New("read-only account modified")
)

// AccountRef names one account an instruction touches, with the privileges
// the caller grants it.
type AccountRef struct {
	Key      types.Pubkey
	Signer   bool
	Writable bool
}

// Instruction is one unit of execution.
type Instruction struct {
	// Program is the target program's identity.
	Program types.Pubkey

	// Accounts are the referenced accounts in schema order.
	Accounts []AccountRef

	// Payload is the discriminator-prefixed instruction data.
	Payload []byte
}

// Host executes instructions against an account store.
type Host struct {
	db       accounts.DB
	journal  *journal.Journal
	programs map[types.Pubkey]*Program
	slot     uint64
}

// NewHost creates a host over the store. The journal is optional; pass nil
// to skip execution journaling.
func NewHost(db accounts.DB, jnl *journal.Journal) *Host {
	return &Host{
		db:       db,
		journal:  jnl,
		programs: make(map[types.Pubkey]*Program),
	}
}

// Register makes a program executable on this host.
func (h *Host) Register(p *Program) {
	h.programs[p.ID()] = p
}

// SetSlot advances the host's slot.
func (h *Host) SetSlot(slot uint64) {
	h.slot = slot
}

// Slot returns the host's current slot.
func (h *Host) Slot() uint64 {
	return h.slot
}

// Execute settles one instruction. On failure nothing is persisted and the
// failure is journaled.
func (h *Host) Execute(instr *Instruction) error {
	err := h.execute(instr)
	if err != nil && h.journal != nil {
		// Failures are journaled best-effort; the execution error is the
		// one the caller needs.
		_ = h.journal.Append(&journal.Entry{
			Slot:    h.slot,
			Program: instr.Program,
			Err:     err.Error(),
		})
	}
	return err
}

func (h *Host) execute(instr *Instruction) error {
	program, ok := h.programs[instr.Program]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProgram, instr.Program)
	}

	in, args, err := program.dispatch(instr.Payload)
	if err != nil {
		return err
	}

	handles, before, err := h.loadHandles(program.ID(), instr.Accounts)
	if err != nil {
		return err
	}
	readOnly := snapshotReadOnly(instr.Accounts, handles)

	bundle, err := in.schema.Bind(program.ID(), handles, args)
	if err != nil {
		return fmt.Errorf("bind %s: %w", in.name, err)
	}

	if err := in.fn(bundle); err != nil {
		return fmt.Errorf("execute %s: %w", in.name, err)
	}

	if err := bundle.Exit(); err != nil {
		return fmt.Errorf("exit %s: %w", in.name, err)
	}

	if err := checkReadOnly(handles, readOnly); err != nil {
		return err
	}

	var after uint64
	for _, hd := range handles {
		after += hd.Lamports
	}
	if after != before {
		return fmt.Errorf("%w: %d before, %d after", ErrConservation, before, after)
	}

	reallocated := bundle.Reallocated()
	if err := h.checkRent(handles, reallocated); err != nil {
		return err
	}

	modified, err := h.persist(instr.Accounts, handles)
	if err != nil {
		return err
	}

	if h.journal != nil {
		var tag [8]byte
		copy(tag[:], instr.Payload)
		if err := h.journal.Append(&journal.Entry{
			Slot:        h.slot,
			Program:     program.ID(),
			Instruction: tag,
			Modified:    modified,
			Reallocated: reallocated,
		}); err != nil {
			return fmt.Errorf("journal: %w", err)
		}
	}
	return nil
}

// loadHandles materializes the referenced accounts. Accounts absent from
// the store load as empty handles owned by the executing program, which is
// what an initializing field expects to find. Duplicate references are
// rejected outright: the binder's consume-once check only sees handles the
// schema binds, and a stray duplicate would settle twice.
func (h *Host) loadHandles(programID types.Pubkey, refs []AccountRef) ([]*bind.Handle, uint64, error) {
	handles := make([]*bind.Handle, len(refs))
	seen := make(map[types.Pubkey]bool, len(refs))
	var total uint64

	for i, ref := range refs {
		if seen[ref.Key] {
			return nil, 0, fmt.Errorf("%w: %s", ErrDuplicateAccount, ref.Key)
		}
		seen[ref.Key] = true

		hd := &bind.Handle{
			Key:        ref.Key,
			IsSigner:   ref.Signer,
			IsWritable: ref.Writable,
		}

		acc, err := h.db.GetAccount(ref.Key)
		switch {
		case err == nil:
			hd.Owner = acc.Owner
			hd.Lamports = acc.Lamports
			hd.Data = acc.Data
			hd.IsExecutable = acc.Executable
			hd.RentEpoch = acc.RentEpoch
		case errors.Is(err, accounts.ErrAccountNotFound):
			hd.Owner = programID
		default:
			return nil, 0, fmt.Errorf("load %s: %w", ref.Key, err)
		}

		total += hd.Lamports
		handles[i] = hd
	}
	return handles, total, nil
}

// readOnlySnapshot records a non-writable handle's loaded state so that
// settlement can verify the handler left it alone.
type readOnlySnapshot struct {
	idx      int
	lamports uint64
	owner    types.Pubkey
	data     []byte
}

func snapshotReadOnly(refs []AccountRef, handles []*bind.Handle) []readOnlySnapshot {
	var snaps []readOnlySnapshot
	for i, ref := range refs {
		if ref.Writable {
			continue
		}
		hd := handles[i]
		snaps = append(snaps, readOnlySnapshot{
			idx:      i,
			lamports: hd.Lamports,
			owner:    hd.Owner,
			data:     append([]byte(nil), hd.Data...),
		})
	}
	return snaps
}

// checkReadOnly rejects the instruction when a read-only handle diverged
// from its loaded state. Persist skips non-writable handles, so an
// unchecked mutation here would silently mint or destroy balance in the
// store relative to what the handler observed.
func checkReadOnly(handles []*bind.Handle, snaps []readOnlySnapshot) error {
	for _, snap := range snaps {
		hd := handles[snap.idx]
		if hd.Lamports != snap.lamports || hd.Owner != snap.owner || !bytes.Equal(hd.Data, snap.data) {
			return fmt.Errorf("%w: %s", ErrReadOnlyMutation, hd.Key)
		}
	}
	return nil
}

// checkRent enforces the rent-exempt minimum on every account whose buffer
// changed size. Emptied accounts are exempt; they are deleted at persist.
func (h *Host) checkRent(handles []*bind.Handle, reallocated []types.Pubkey) error {
	byKey := make(map[types.Pubkey]*bind.Handle, len(handles))
	for _, hd := range handles {
		byKey[hd.Key] = hd
	}
	for _, key := range reallocated {
		hd, ok := byKey[key]
		if !ok {
			continue
		}
		if hd.Lamports == 0 && len(hd.Data) == 0 {
			continue
		}
		if !IsRentExempt(hd.Lamports, len(hd.Data)) {
			return fmt.Errorf("%w: %s holds %d, needs %d",
				ErrRentExemption, key, hd.Lamports, MinimumBalance(len(hd.Data)))
		}
	}
	return nil
}

// persist writes writable handles back to the store and returns the keys
// written. Zero accounts are removed.
func (h *Host) persist(refs []AccountRef, handles []*bind.Handle) ([]types.Pubkey, error) {
	var modified []types.Pubkey
	for i, hd := range handles {
		if !refs[i].Writable {
			continue
		}
		if hd.Lamports == 0 {
			// Defunded accounts are reclaimed whole, closed-account
			// sentinel included. Their address can then be reused from
			// scratch.
			if err := h.db.DeleteAccount(hd.Key); err != nil {
				return nil, fmt.Errorf("reclaim %s: %w", hd.Key, err)
			}
			modified = append(modified, hd.Key)
			continue
		}
		acc := &accounts.Account{
			Lamports:   hd.Lamports,
			Data:       hd.Data,
			Owner:      hd.Owner,
			Executable: hd.IsExecutable,
			RentEpoch:  hd.RentEpoch,
		}
		if err := h.db.SetAccount(hd.Key, acc); err != nil {
			return nil, fmt.Errorf("persist %s: %w", hd.Key, err)
		}
		modified = append(modified, hd.Key)
	}
	accounts.SortPubkeys(modified)
	return modified, nil
}
