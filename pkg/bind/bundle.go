package bind

import (
	"fmt"
	"sort"

	"github.com/fortiblox/x1-keel/internal/types"
	"github.com/fortiblox/x1-keel/pkg/discrim"
)

// Bound is one validated account: the raw handle, its typed state (when the
// field declares one), and the derivation bump when one was checked.
type Bound struct {
	Field   Field
	Handle  *Handle
	State   AccountState
	Bump    uint8
	HasBump bool

	// fresh marks an initializing field: the discriminator is written at
	// Exit rather than having been checked at bind time.
	fresh bool

	// closed excludes the account from Exit after Close.
	closed bool
}

// Key returns the bound account's address, or the zero key for an absent
// optional field.
func (bd *Bound) Key() types.Pubkey {
	if bd.Handle == nil {
		return types.Pubkey{}
	}
	return bd.Handle.Key
}

// IsAbsent reports whether an optional field was left unbound.
func (bd *Bound) IsAbsent() bool {
	return bd.Handle == nil
}

// Bundle is the typed account bundle produced by a successful binding pass.
// It lives for one instruction and never persists across instructions.
type Bundle struct {
	programID types.Pubkey
	bounds    []*Bound
	byName    map[string]*Bound
	args      []byte

	// Bumps is the derivation nonce cache for this pass.
	Bumps Bumps

	reallocs map[types.Pubkey]struct{}
}

// ProgramID returns the executing program's identity.
func (b *Bundle) ProgramID() types.Pubkey {
	return b.programID
}

// Args returns the instruction payload after its leading discriminator.
func (b *Bundle) Args() []byte {
	return b.args
}

// Account returns the bound field by name, or nil if the schema does not
// declare it.
func (b *Bundle) Account(name string) *Bound {
	return b.byName[name]
}

// Bump returns the cached derivation nonce for a field name.
func (b *Bundle) Bump(name string) (uint8, bool) {
	bump, ok := b.Bumps[name]
	return bump, ok
}

// Reallocated returns the identities whose buffers changed size during this
// instruction, in sorted order. The host reconciles balance-for-space
// accounting from this set at settlement.
func (b *Bundle) Reallocated() []types.Pubkey {
	keys := make([]types.Pubkey, 0, len(b.reallocs))
	for k := range b.reallocs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return string(keys[i][:]) < string(keys[j][:])
	})
	return keys
}

// StateOf returns the typed state of a bound field.
func StateOf[T AccountState](b *Bundle, name string) (T, error) {
	var zero T
	bd := b.byName[name]
	if bd == nil {
		return zero, fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	if bd.Handle == nil {
		return zero, fmt.Errorf("%w: %q", ErrAbsentAccount, name)
	}
	st, ok := bd.State.(T)
	if !ok {
		return zero, fmt.Errorf("field %q: state is %T", name, bd.State)
	}
	return st, nil
}

// Exit persists every mutable typed account back into its raw buffer.
// Initializing fields get their discriminator written first; a bound field
// keeps the discriminator checked at bind time. Fields without state, and
// fields not declared mutable, take the default no-op path. Closed accounts
// are skipped.
func (b *Bundle) Exit() error {
	for _, bd := range b.bounds {
		if bd.closed || bd.Handle == nil || bd.State == nil {
			continue
		}
		if !bd.Field.Mut {
			continue
		}
		payload, err := bd.State.MarshalState()
		if err != nil {
			return bindErr(bd.Field.Name, bd.Handle.Key, err)
		}
		need := discrim.Size + len(payload)
		if len(bd.Handle.Data) < need {
			if err := bd.Handle.Resize(need); err != nil {
				return bindErr(bd.Field.Name, bd.Handle.Key, err)
			}
			b.recordRealloc(bd.Handle.Key)
		}
		if bd.fresh {
			d := bd.State.AccountDiscriminator()
			copy(bd.Handle.Data[:discrim.Size], d[:])
		}
		copy(bd.Handle.Data[discrim.Size:need], payload)
	}
	return nil
}

// Close destroys a bound account: its entire balance moves to dest, its
// buffer is zero-filled, and the closed sentinel is written over the
// discriminator. Any later binding attempt against the account fails with
// ErrClosedAccount until the host reclaims it; rebinding through an Init
// field is only possible after the host has zeroed the buffer, which is
// outside this engine's control.
func (b *Bundle) Close(name string, dest *Handle) error {
	bd := b.byName[name]
	if bd == nil {
		return fmt.Errorf("%w: %q", ErrUnknownField, name)
	}
	if bd.Handle == nil {
		return fmt.Errorf("%w: %q", ErrAbsentAccount, name)
	}
	if !bd.Field.Mut {
		return bindErr(name, bd.Handle.Key, ErrNotWritable)
	}

	if err := Transfer(bd.Handle, dest, bd.Handle.Lamports); err != nil {
		return bindErr(name, bd.Handle.Key, err)
	}

	if len(bd.Handle.Data) < discrim.Size {
		if err := bd.Handle.Resize(discrim.Size); err != nil {
			return bindErr(name, bd.Handle.Key, err)
		}
		b.recordRealloc(bd.Handle.Key)
	}
	for i := range bd.Handle.Data {
		bd.Handle.Data[i] = 0
	}
	copy(bd.Handle.Data[:discrim.Size], discrim.Closed[:])

	bd.closed = true
	return nil
}

func (b *Bundle) add(bd *Bound) {
	b.bounds = append(b.bounds, bd)
	b.byName[bd.Field.Name] = bd
}

func (b *Bundle) recordRealloc(key types.Pubkey) {
	b.reallocs[key] = struct{}{}
}
