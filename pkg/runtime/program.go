package runtime

import (
	"errors"
	"fmt"

	"github.com/fortiblox/x1-keel/internal/types"
	"github.com/fortiblox/x1-keel/pkg/bind"
	"github.com/fortiblox/x1-keel/pkg/discrim"
)

var (
	// ErrUnknownInstruction is returned when no handler matches the
	// payload's leading discriminator.
	ErrUnknownInstruction = errors.New("unknown instruction")

	// ErrShortPayload is returned for payloads shorter than a
	// discriminator.
	ErrShortPayload = errors.New("instruction payload too short")

	// ErrDuplicateInstruction is returned when two handlers collide on a
	// discriminator.
	ErrDuplicateInstruction = errors.New("duplicate instruction")
)

// Handler executes one instruction against a validated account bundle.
type Handler func(b *bind.Bundle) error

type instruction struct {
	name   string
	schema *bind.Schema
	fn     Handler
}

// Program is a dispatchable set of instruction handlers sharing one
// program identity and one account type registry.
type Program struct {
	id           types.Pubkey
	name         string
	instructions map[discrim.Discriminator]*instruction
	registry     *discrim.Registry
}

// NewProgram creates an empty program.
func NewProgram(id types.Pubkey, name string) *Program {
	return &Program{
		id:           id,
		name:         name,
		instructions: make(map[discrim.Discriminator]*instruction),
		registry:     discrim.NewRegistry(),
	}
}

// ID returns the program's identity.
func (p *Program) ID() types.Pubkey {
	return p.id
}

// Name returns the program's name.
func (p *Program) Name() string {
	return p.name
}

// Registry returns the program's account type registry.
func (p *Program) Registry() *discrim.Registry {
	return p.registry
}

// Handle registers an instruction handler. The dispatch tag is derived from
// the instruction name.
func (p *Program) Handle(name string, schema *bind.Schema, fn Handler) error {
	tag := discrim.ForInstruction(name)
	if _, exists := p.instructions[tag]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateInstruction, name)
	}
	p.instructions[tag] = &instruction{name: name, schema: schema, fn: fn}
	return nil
}

// MustHandle is Handle that panics on error, for program construction.
func (p *Program) MustHandle(name string, schema *bind.Schema, fn Handler) {
	if err := p.Handle(name, schema, fn); err != nil {
		panic(err)
	}
}

// dispatch resolves the payload's leading discriminator to a handler and
// returns the remaining bytes as arguments.
func (p *Program) dispatch(payload []byte) (*instruction, []byte, error) {
	if len(payload) < discrim.Size {
		return nil, nil, ErrShortPayload
	}
	var tag discrim.Discriminator
	copy(tag[:], payload[:discrim.Size])

	in, ok := p.instructions[tag]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownInstruction, tag)
	}
	return in, payload[discrim.Size:], nil
}

// InstructionNames returns the registered instruction names, unordered.
func (p *Program) InstructionNames() []string {
	names := make([]string, 0, len(p.instructions))
	for _, in := range p.instructions {
		names = append(names, in.name)
	}
	return names
}
