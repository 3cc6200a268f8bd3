package handlers

import "github.com/colorfulnotion/virtx/ir"

// expr emits commands that leave exactly one entry on the stack.
type expr func(g *gen)

type gen struct {
	b     *ir.Builder
	alloc ir.StoreAllocator
}

func newGen() *gen {
	return &gen{b: ir.NewBuilder()}
}

// pop binds the top entry to a fresh store.
func (g *gen) pop(size ir.Size) ir.Store {
	s := g.alloc.New(size)
	g.b.Pop(s)
	return s
}

// bind evaluates e once and keeps the value in a store.
func (g *gen) bind(size ir.Size, e expr) ir.Store {
	e(g)
	return g.pop(size)
}

func (g *gen) push(e expr) { e(g) }

func st(s ir.Store) expr {
	return func(g *gen) { g.b.PushStore(s) }
}

func k(size ir.Size, v uint64) expr {
	return func(g *gen) { g.b.PushImm(size, v) }
}

func arith(op ir.ArithOp, size ir.Size, a, b expr) expr {
	return func(g *gen) {
		a(g)
		b(g)
		g.b.Arith(op, size)
	}
}

func logic(op ir.LogicOp, size ir.Size, a, b expr) expr {
	return func(g *gen) {
		a(g)
		b(g)
		g.b.Logic(op, size)
	}
}

func add(s ir.Size, a, b expr) expr { return arith(ir.Add, s, a, b) }
func sub(s ir.Size, a, b expr) expr { return arith(ir.Sub, s, a, b) }
func and(s ir.Size, a, b expr) expr { return logic(ir.And, s, a, b) }
func or(s ir.Size, a, b expr) expr  { return logic(ir.Or, s, a, b) }
func xor(s ir.Size, a, b expr) expr { return logic(ir.Xor, s, a, b) }
func shl(s ir.Size, a, b expr) expr { return logic(ir.Shl, s, a, b) }
func shr(s ir.Size, a, b expr) expr { return logic(ir.Shr, s, a, b) }
func sar(s ir.Size, a, b expr) expr { return logic(ir.Sar, s, a, b) }

func not(s ir.Size, a expr) expr {
	return func(g *gen) {
		a(g)
		g.b.Logic(ir.Not, s)
	}
}

func zext(to, from ir.Size, a expr) expr {
	return func(g *gen) {
		a(g)
		g.b.Resize(to, from)
	}
}

func sext(to, from ir.Size, a expr) expr {
	return func(g *gen) {
		a(g)
		g.b.SignExtend(to, from)
	}
}

func flagsWord() expr {
	return func(g *gen) { g.b.FlagsLoad() }
}

// msb yields the sign bit of an s-wide value as 0 or 1.
func msb(s ir.Size, a expr) expr {
	return shr(s, a, k(s, uint64(s)-1))
}

func bit4(s ir.Size, a expr) expr {
	return and(s, shr(s, a, k(s, 4)), k(s, 1))
}

// nonZero yields 1 when a != 0, else 0, without branching.
func nonZero(s ir.Size, a ir.Store) expr {
	return msb(s, or(s, st(a), sub(s, k(s, 0), st(a))))
}
