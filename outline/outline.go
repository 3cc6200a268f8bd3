package outline

import (
	"fmt"

	"github.com/colorfulnotion/virtx/ir"
	"github.com/colorfulnotion/virtx/log"
	"github.com/colorfulnotion/virtx/vmerrors"
)

const (
	DefaultMinOccurrences = 3
	DefaultMinDepth       = 2
	DefaultMaxDepth       = 64
)

// Pass records one committed outlining step.
type Pass struct {
	Handler ir.BlockID
	Depth   int
	Count   int
	// Deferred counts occurrences skipped for overlapping an earlier splice.
	Deferred int
}

// Policy vetoes outlining candidates. keys are the similarity keys of the
// candidate path.
type Policy interface {
	Accept(keys []string, c Candidate) bool
}

// Outliner replaces command runs repeated across VM blocks with calls to
// shared blocks.
type Outliner struct {
	MinOccurrences int
	MinDepth       int
	MaxDepth       int
	// Policy, when set, must accept a candidate before it is committed.
	Policy Policy

	Passes []Pass
}

func NewOutliner() *Outliner {
	return &Outliner{
		MinOccurrences: DefaultMinOccurrences,
		MinDepth:       DefaultMinDepth,
		MaxDepth:       DefaultMaxDepth,
	}
}

// limits clamps the thresholds so every pass shrinks the VM blocks.
func (o *Outliner) limits() (minCount, minDepth, maxDepth int) {
	minCount, minDepth, maxDepth = o.MinOccurrences, o.MinDepth, o.MaxDepth
	if minCount < 2 {
		minCount = 2
	}
	if minDepth < 2 {
		minDepth = 2
	}
	if maxDepth < minDepth {
		maxDepth = minDepth
	}
	return
}

// Outline rewrites prog's VM blocks in place and returns the shared blocks it
// created, in creation order. The trie is rebuilt after every pass.
func (o *Outliner) Outline(prog *ir.Program) []ir.BlockID {
	minCount, minDepth, maxDepth := o.limits()
	trie := NewTrie(maxDepth)
	var accept func(Candidate) bool
	if o.Policy != nil {
		accept = func(c Candidate) bool { return o.Policy.Accept(trie.Keys(c.Ref), c) }
	}
	var created []ir.BlockID
	for {
		trie.Build(prog)
		best, ok := trie.BestAccepted(minCount, minDepth, accept)
		if !ok {
			break
		}
		pass := o.apply(prog, trie, best)
		o.Passes = append(o.Passes, pass)
		created = append(created, pass.Handler)
		log.Debug(log.OutlineMonitoring, "outlined", "handler", pass.Handler, "depth", pass.Depth, "count", pass.Count, "deferred", pass.Deferred, "nodes", trie.Len())
	}
	log.Debug(log.OutlineMonitoring, "outlining done", "passes", len(created), "vm_commands", prog.CommandCount(ir.KindVM))
	return created
}

type span struct{ start, end int }

func overlaps(a, b span) bool {
	return max(a.start, b.start) < min(a.end, b.end)
}

// apply materializes the best path as a shared block and splices a call over
// each occurrence. Ranges are in original block coordinates; shift maps them
// onto the already spliced block.
func (o *Outliner) apply(prog *ir.Program, trie *Trie, best Candidate) Pass {
	path := trie.Path(best.Ref)
	vmerrors.Assert(storesClosed(path), "shared run of depth %d reads a store it does not write", best.Depth)
	shared := prog.NewBlock(ir.KindShared, 0)
	for _, c := range path {
		shared.Append(ir.CloneInlined(c))
	}
	shared.Append(&ir.Ret{})

	pass := Pass{Handler: shared.ID, Depth: best.Depth}
	done := map[ir.BlockID][]span{}
	shift := map[ir.BlockID]int{}
	for _, occ := range trie.Occurrences(best.Ref) {
		r := span{occ.Start, occ.Start + best.Depth}
		if overlapsAny(done[occ.Block], r) {
			pass.Deferred++
			continue
		}
		blk := prog.Block(occ.Block)
		at := r.start - shift[occ.Block]
		vmerrors.Assert(at >= 0 && at+best.Depth <= len(blk.Commands),
			"splice [%d,%d) outside %s of %d commands", at, at+best.Depth, blk.ID, len(blk.Commands))
		for i, c := range path {
			vmerrors.Assert(ir.IsSimilar(blk.Commands[at+i], c),
				"splice of %s into %s at [%d,%d): %s differs from %s", shared.ID, blk.ID, r.start, r.end, blk.Commands[at+i], c)
		}
		blk.Splice(at, at+best.Depth, &ir.Call{Target: shared.ID})
		log.Trace(log.OutlineMonitoring, "splice", "block", blk.ID, "range", fmt.Sprintf("[%d,%d)", r.start, r.end), "handler", shared.ID)

		done[occ.Block] = append(done[occ.Block], r)
		shift[occ.Block] += best.Depth - 1
		pass.Count++
	}
	vmerrors.Assert(pass.Count == best.Count, "spliced %d occurrences of %s, selected %d", pass.Count, shared.ID, best.Count)
	return pass
}

func overlapsAny(done []span, r span) bool {
	for _, d := range done {
		if overlaps(d, r) {
			return true
		}
	}
	return false
}
