package ir

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/virtx/common"
	"github.com/colorfulnotion/virtx/vmerrors"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

type BlockKind uint8

const (
	// KindVM blocks are lifted from a native basic block.
	KindVM BlockKind = iota
	// KindShared blocks are outlined bodies reached through Call.
	KindShared
)

func (k BlockKind) String() string {
	if k == KindShared {
		return "shared"
	}
	return "vm"
}

type Block struct {
	ID       BlockID
	RVA      uint64
	Kind     BlockKind
	Commands []Command
}

// Append adds commands to the end of the block.
func (b *Block) Append(cmds ...Command) {
	b.Commands = append(b.Commands, cmds...)
}

// Splice replaces Commands[start:end] with repl.
func (b *Block) Splice(start, end int, repl ...Command) {
	b.Commands = slices.Replace(b.Commands, start, end, repl...)
}

func (b *Block) String() string {
	var sb strings.Builder
	if b.Kind == KindVM {
		sb.WriteString(fmt.Sprintf("%s %s 0x%x:\n", b.ID, b.Kind, b.RVA))
	} else {
		sb.WriteString(fmt.Sprintf("%s %s:\n", b.ID, b.Kind))
	}
	for _, c := range b.Commands {
		sb.WriteString("  " + c.String() + "\n")
	}
	return sb.String()
}

// Program is an arena of blocks addressed by BlockID.
type Program struct {
	blocks []*Block
	byRVA  map[uint64]BlockID
	entry  BlockID
}

func NewProgram() *Program {
	return &Program{byRVA: make(map[uint64]BlockID), entry: InvalidBlock}
}

// NewBlock allocates a block. VM blocks are indexed by rva.
func (p *Program) NewBlock(kind BlockKind, rva uint64) *Block {
	b := &Block{ID: BlockID(len(p.blocks)), RVA: rva, Kind: kind}
	p.blocks = append(p.blocks, b)
	if kind == KindVM {
		_, dup := p.byRVA[rva]
		vmerrors.Assert(!dup, "second vm block at 0x%x", rva)
		p.byRVA[rva] = b.ID
	}
	return b
}

// Block returns the block with the given handle, or nil.
func (p *Program) Block(id BlockID) *Block {
	if id < 0 || int(id) >= len(p.blocks) {
		return nil
	}
	return p.blocks[id]
}

// Blocks returns every block in handle order.
func (p *Program) Blocks() []*Block { return p.blocks }

// BlocksOf returns the blocks of one kind in handle order.
func (p *Program) BlocksOf(kind BlockKind) []*Block {
	var out []*Block
	for _, b := range p.blocks {
		if b.Kind == kind {
			out = append(out, b)
		}
	}
	return out
}

func (p *Program) BlockByRVA(rva uint64) (BlockID, bool) {
	id, ok := p.byRVA[rva]
	return id, ok
}

func (p *Program) SetEntry(id BlockID) { p.entry = id }
func (p *Program) Entry() BlockID      { return p.entry }

// ExternalEntries returns the RVAs at which native code enters the VM.
func (p *Program) ExternalEntries() []uint64 {
	var rvas []uint64
	for _, b := range p.blocks {
		if b.Kind == KindVM && len(b.Commands) > 0 && b.Commands[0].Type() == CmdVmEnter {
			rvas = append(rvas, b.RVA)
		}
	}
	slices.Sort(rvas)
	return rvas
}

// CommandCount returns the number of commands over blocks of the given kind.
func (p *Program) CommandCount(kind BlockKind) int {
	n := 0
	for _, b := range p.blocks {
		if b.Kind == kind {
			n += len(b.Commands)
		}
	}
	return n
}

// Expand returns the commands of block id with every Call replaced by the
// callee body, recursively. The callee's trailing Ret is dropped.
func (p *Program) Expand(id BlockID) ([]Command, error) {
	return p.expand(id, map[BlockID]bool{})
}

func (p *Program) expand(id BlockID, active map[BlockID]bool) ([]Command, error) {
	b := p.Block(id)
	if b == nil {
		return nil, errors.Wrapf(vmerrors.ErrUnknownBlock, "block %s", id)
	}
	vmerrors.Assert(!active[id], "recursive call through %s", id)
	active[id] = true
	defer delete(active, id)

	var out []Command
	for i, c := range b.Commands {
		if b.Kind == KindShared && i == len(b.Commands)-1 && c.Type() == CmdRet {
			break
		}
		call, ok := c.(*Call)
		if !ok {
			out = append(out, c)
			continue
		}
		body, err := p.expand(call.Target, active)
		if err != nil {
			return nil, err
		}
		out = append(out, body...)
	}
	return out, nil
}

// Clone returns a deep copy of the program.
func (p *Program) Clone() *Program {
	q := &Program{
		blocks: make([]*Block, len(p.blocks)),
		byRVA:  make(map[uint64]BlockID, len(p.byRVA)),
		entry:  p.entry,
	}
	for i, b := range p.blocks {
		q.blocks[i] = &Block{ID: b.ID, RVA: b.RVA, Kind: b.Kind, Commands: CloneAll(b.Commands)}
	}
	for rva, id := range p.byRVA {
		q.byRVA[rva] = id
	}
	return q
}

// Listing renders every block in handle order.
func (p *Program) Listing() string {
	var sb strings.Builder
	for _, b := range p.blocks {
		sb.WriteString(b.String())
	}
	return sb.String()
}

// Digest hashes the listing; equal programs have equal digests.
func (p *Program) Digest() common.Hash {
	parts := make([][]byte, len(p.blocks))
	for i, b := range p.blocks {
		parts[i] = []byte(b.String())
	}
	return common.Blake2HashParts(parts...)
}
