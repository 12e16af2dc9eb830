// Package bind implements the typed account binder.
//
// Bind consumes a host-supplied handle list strictly left-to-right against
// a schema's field table, applying discriminator, ownership, derivation and
// permission constraints per field. The cursor is never rewound: a handle
// consumed by one field is unavailable to every later field, and fields must
// be declared in the order the caller supplies handles, which makes
// reordering attacks structurally impossible. Binding is all-or-nothing:
// the first failing field rejects the whole instruction.
package bind

import (
	"bytes"

	"github.com/fortiblox/x1-keel/internal/types"
	"github.com/fortiblox/x1-keel/pkg/authority"
	"github.com/fortiblox/x1-keel/pkg/discrim"
	"github.com/fortiblox/x1-keel/pkg/pda"
)

// Bind validates the handle list against the schema and returns the typed
// bundle. args is the instruction payload after its leading discriminator.
func (s *Schema) Bind(programID types.Pubkey, handles []*Handle, args []byte) (*Bundle, error) {
	return s.BindWithBumps(programID, handles, args, nil)
}

// BindWithBumps is Bind with a pre-populated bump cache. Fields whose name
// has a cached bump verify against it instead of re-searching, which both
// avoids recomputation and pins one canonical nonce per name for the pass.
func (s *Schema) BindWithBumps(programID types.Pubkey, handles []*Handle, args []byte, bumps Bumps) (*Bundle, error) {
	b := &Bundle{
		programID: programID,
		byName:    make(map[string]*Bound, len(s.fields)),
		Bumps:     make(Bumps, len(bumps)),
		reallocs:  make(map[types.Pubkey]struct{}),
		args:      args,
	}
	for name, bump := range bumps {
		b.Bumps[name] = bump
	}

	cursor := handles
	consumed := make(map[types.Pubkey]bool, len(handles))

	for i := range s.fields {
		f := &s.fields[i]

		if len(cursor) == 0 {
			if f.Optional {
				b.add(&Bound{Field: *f})
				continue
			}
			return nil, bindErr(f.Name, types.Pubkey{}, ErrNotEnoughAccounts)
		}
		h := cursor[0]
		cursor = cursor[1:]

		if consumed[h.Key] {
			return nil, bindErr(f.Name, h.Key, ErrAlreadyConsumed)
		}
		consumed[h.Key] = true

		bd, err := bindField(b, f, h, programID)
		if err != nil {
			return nil, err
		}
		b.add(bd)
	}
	return b, nil
}

// bindField applies one field's constraints in the fixed order:
// discriminator, ownership, derivation, permission flags, reallocation.
func bindField(b *Bundle, f *Field, h *Handle, programID types.Pubkey) (*Bound, error) {
	bd := &Bound{Field: *f, Handle: h}

	switch {
	case f.Program:
		if !h.IsExecutable {
			return nil, bindErr(f.Name, h.Key, ErrNotExecutable)
		}
		if err := authority.CheckID(h.Key, f.IDs...); err != nil {
			return nil, bindErr(f.Name, h.Key, err)
		}

	case f.State != nil:
		st := f.State()
		if f.Init {
			if !discrim.IsUninitialized(h.Data) {
				if len(h.Data) >= discrim.Size && bytes.Equal(h.Data[:discrim.Size], discrim.Closed[:]) {
					return nil, bindErr(f.Name, h.Key, discrim.ErrClosedAccount)
				}
				return nil, bindErr(f.Name, h.Key, ErrAlreadyInitialized)
			}
			if f.Space > 0 && len(h.Data) < f.Space {
				if err := h.Resize(f.Space); err != nil {
					return nil, bindErr(f.Name, h.Key, err)
				}
				b.recordRealloc(h.Key)
			}
			bd.fresh = true
		} else {
			if err := st.AccountDiscriminator().Check(h.Data); err != nil {
				return nil, bindErr(f.Name, h.Key, err)
			}
			if err := st.UnmarshalState(h.Data[discrim.Size:]); err != nil {
				return nil, bindErr(f.Name, h.Key, err)
			}
		}
		bd.State = st

		owners := f.Owners
		if len(owners) == 0 {
			owners = []types.Pubkey{programID}
		}
		if err := authority.CheckOwner(h.Owner, owners...); err != nil {
			return nil, bindErr(f.Name, h.Key, err)
		}

	default:
		// Unchecked field: only an explicit owner set is enforced.
		if len(f.Owners) > 0 {
			if err := authority.CheckOwner(h.Owner, f.Owners...); err != nil {
				return nil, bindErr(f.Name, h.Key, err)
			}
		}
	}

	if f.hasSeeds() {
		seeds := f.Seeds
		if f.SeedsFn != nil {
			var err error
			seeds, err = f.SeedsFn(b)
			if err != nil {
				return nil, bindErr(f.Name, h.Key, err)
			}
		}

		var bump uint8
		switch {
		case f.Bump != nil:
			bump = *f.Bump
		default:
			cached, ok := b.Bumps[f.Name]
			if ok {
				bump = cached
			} else {
				addr, found, err := pda.FindProgramAddress(seeds, programID)
				if err != nil {
					return nil, bindErr(f.Name, h.Key, err)
				}
				if addr != h.Key {
					return nil, bindErr(f.Name, h.Key, pda.ErrSeedMismatch)
				}
				bump = found
			}
		}
		if err := pda.Verify(h.Key, programID, seeds, bump); err != nil {
			return nil, bindErr(f.Name, h.Key, err)
		}
		b.Bumps[f.Name] = bump
		bd.Bump, bd.HasBump = bump, true
	}

	if f.Signer && !h.IsSigner {
		return nil, bindErr(f.Name, h.Key, ErrMissingSignature)
	}
	if f.Mut && !h.IsWritable {
		return nil, bindErr(f.Name, h.Key, ErrNotWritable)
	}

	if !f.Init && f.Space > 0 && len(h.Data) < f.Space {
		if err := h.Resize(f.Space); err != nil {
			return nil, bindErr(f.Name, h.Key, err)
		}
		b.recordRealloc(h.Key)
	}

	return bd, nil
}
