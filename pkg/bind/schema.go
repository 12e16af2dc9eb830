package bind

import (
	"errors"
	"fmt"

	"github.com/fortiblox/x1-keel/internal/types"
)

// Field is one row of a schema: the declared constraints for one account
// position. Constraints are plain data interpreted by the binding loop, so
// schemas can be built and inspected at runtime.
type Field struct {
	// Name is the logical binding name, unique within the schema.
	Name string

	// State constructs an empty typed payload for this field. Nil for
	// unchecked (raw) fields and program fields.
	State func() AccountState

	// Init marks the field as initializing: the account must be
	// uninitialized, and the discriminator is written at Exit instead of
	// checked at bind time. Implies Mut.
	Init bool

	// Mut requires the account to be writable and persists the state at
	// Exit.
	Mut bool

	// Signer requires the account to have signed the transaction.
	Signer bool

	// Owners is the expected owner set. Empty means the executing program
	// for typed fields, and no owner check for unchecked fields.
	Owners []types.Pubkey

	// Space is the required data size in bytes. When the supplied buffer
	// is smaller it is grown and the account recorded in the reallocation
	// set. Requires Init or Mut.
	Space int

	// Seeds is the static seed material for a derived-address constraint.
	Seeds [][]byte

	// SeedsFn resolves seed material at bind time, with access to fields
	// bound earlier in the same pass. Overrides Seeds when set.
	SeedsFn func(b *Bundle) ([][]byte, error)

	// Bump, when non-nil, is the expected derivation nonce. When nil and a
	// seeds constraint is present, the canonical bump is searched for and
	// cached under Name.
	Bump *uint8

	// Program marks the field as an executable program account checked
	// against IDs.
	Program bool

	// IDs is the allowed identity set for a Program field.
	IDs []types.Pubkey

	// Optional fields bind as absent when the handle list is exhausted.
	// A supplied handle is always consumed.
	Optional bool
}

func (f *Field) hasSeeds() bool {
	return f.Seeds != nil || f.SeedsFn != nil
}

// Schema is a validated, immutable table of fields for one instruction's
// account list. Construct it once per instruction type and reuse it for
// every binding pass.
type Schema struct {
	name   string
	fields []Field
}

var errSchema = errors.New("invalid schema")

// NewSchema validates the field table and returns a schema.
func NewSchema(name string, fields ...Field) (*Schema, error) {
	seen := make(map[string]bool, len(fields))
	for i := range fields {
		f := &fields[i]
		if f.Name == "" {
			return nil, fmt.Errorf("%w %q: field %d has no name", errSchema, name, i)
		}
		if seen[f.Name] {
			return nil, fmt.Errorf("%w %q: duplicate field %q", errSchema, name, f.Name)
		}
		seen[f.Name] = true

		if f.Init {
			if f.State == nil {
				return nil, fmt.Errorf("%w %q: init field %q has no state", errSchema, name, f.Name)
			}
			f.Mut = true
		}
		if f.Program && (f.State != nil || f.Init || f.hasSeeds()) {
			return nil, fmt.Errorf("%w %q: program field %q cannot be typed or derived", errSchema, name, f.Name)
		}
		if f.Program && len(f.IDs) == 0 {
			return nil, fmt.Errorf("%w %q: program field %q has no ids", errSchema, name, f.Name)
		}
		if f.Bump != nil && !f.hasSeeds() {
			return nil, fmt.Errorf("%w %q: field %q has a bump but no seeds", errSchema, name, f.Name)
		}
		if f.Space < 0 || f.Space > MaxDataSize {
			return nil, fmt.Errorf("%w %q: field %q space out of range", errSchema, name, f.Name)
		}
		if f.Space > 0 && !f.Mut {
			return nil, fmt.Errorf("%w %q: field %q declares space without init or mut", errSchema, name, f.Name)
		}
	}
	return &Schema{name: name, fields: fields}, nil
}

// MustSchema is NewSchema or panic. For statically declared schemas.
func MustSchema(name string, fields ...Field) *Schema {
	s, err := NewSchema(name, fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// Name returns the schema name.
func (s *Schema) Name() string {
	return s.name
}

// Fields returns the schema's field table.
func (s *Schema) Fields() []Field {
	return s.fields
}
