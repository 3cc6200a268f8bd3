package pipeline

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/colorfulnotion/virtx/codec"
	"github.com/colorfulnotion/virtx/common"
	"github.com/colorfulnotion/virtx/dasm"
	"github.com/colorfulnotion/virtx/handlers"
	"github.com/colorfulnotion/virtx/interp"
	"github.com/colorfulnotion/virtx/ir"
	"github.com/colorfulnotion/virtx/vmerrors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func incDecCode() []byte {
	var code []byte
	for i := 0; i < 4; i++ {
		// inc eax; dec eax; jmp next
		code = append(code, 0xff, 0xc0, 0xff, 0xc8, 0xeb, 0x00)
	}
	return append(code, 0xc3)
}

func TestRunOutlines(t *testing.T) {
	cfg := DefaultConfig()
	res, err := Run(context.Background(), cfg, incDecCode())
	require.NoError(t, err)

	assert.Len(t, res.Blocks, 5)
	assert.Len(t, res.Shared, 1)
	assert.Equal(t, 4, res.Passes[0].Count)
	assert.Equal(t, 8, res.Passes[0].Depth)
	assert.Equal(t, 13, res.Stats.InstructionCount)
	assert.Contains(t, res.Handlers, handlers.Key{Op: ir.HInc, Size: ir.Size32})
	assert.Contains(t, res.Handlers, handlers.Key{Op: ir.HDec, Size: ir.Size32})
	assert.Len(t, res.Handlers, 2)

	again, err := Run(context.Background(), cfg, incDecCode())
	require.NoError(t, err)
	assert.Equal(t, res.Digest, again.Digest)

	cfg.Outline = false
	plain, err := Run(context.Background(), cfg, incDecCode())
	require.NoError(t, err)
	assert.Empty(t, plain.Shared)
	assert.NotEqual(t, res.Digest, plain.Digest)
}

func TestRunTraces(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	defer otel.SetTracerProvider(prev)

	cfg := DefaultConfig()
	cfg.ClobberDead = true
	_, err := Run(context.Background(), cfg, incDecCode())
	require.NoError(t, err)

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	assert.ElementsMatch(t, []string{"explore", "lift", "clobber", "outline", "pipeline.Run"}, names)
}

func TestRunRecoversInvariant(t *testing.T) {
	// mov eax, 0x90909090; jmp into the mov
	code := []byte{0xb8, 0x90, 0x90, 0x90, 0x90, 0xeb, 0xfb}
	res, err := Run(context.Background(), DefaultConfig(), code)
	require.Error(t, err)
	assert.Nil(t, res)
	var inv *vmerrors.InvariantError
	assert.True(t, errors.As(err, &inv))
}

func TestRunErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EntryRVA = 0x5000
	_, err := Run(context.Background(), cfg, incDecCode())
	assert.True(t, errors.Is(err, vmerrors.ErrEmptySegment))

	// cpuid; ret
	cfg = DefaultConfig()
	cfg.NativeFallback = false
	_, err = Run(context.Background(), cfg, []byte{0x0f, 0xa2, 0xc3})
	assert.True(t, errors.Is(err, vmerrors.ErrUnsupportedMnemonic))

	cfg = DefaultConfig()
	cfg.MinDepth = 1
	_, err = Run(context.Background(), cfg, incDecCode())
	assert.Error(t, err)
}

func TestClobberKeepsResults(t *testing.T) {
	code := []byte{
		0xb9, 0x03, 0x00, 0x00, 0x00, // mov ecx, 3
		0x31, 0xc0, // xor eax, eax
		0xff, 0xc0, // inc eax
		0xff, 0xc9, // dec ecx
		0x75, 0xfa, // jne inc
		0xbb, 0x07, 0x00, 0x00, 0x00, // mov ebx, 7
		0xc3,
	}
	cfg := DefaultConfig()
	cfg.Outline = false
	plain, err := Run(context.Background(), cfg, code)
	require.NoError(t, err)

	cfg.ClobberDead = true
	cfg.Seed = 7
	clobbered, err := Run(context.Background(), cfg, code)
	require.NoError(t, err)
	// entry: rax, rcx and rbx before the loop, rbx in the loop and before
	// mov ebx. exit: rbx leaving the prologue and leaving the loop.
	assert.Equal(t, 7, clobbered.Clobbered)
	loop, ok := clobbered.Program.BlockByRVA(0x1007)
	require.True(t, ok)
	cmds := clobbered.Program.Block(loop).Commands
	n := len(cmds)
	assert.Equal(t, "ctx.store rbx", cmds[n-3].String())
	assert.Equal(t, ir.CmdFlagsLoad, cmds[n-2].Type())
	assert.Equal(t, ir.CmdBranch, cmds[n-1].Type())
	assert.NotEqual(t, plain.Digest, clobbered.Digest)

	run := func(prog *ir.Program) *interp.Machine {
		m := interp.NewMachine()
		for i := range m.Regs {
			m.Regs[i] = uint64(i) * 0x1111
		}
		exit, err := m.Run(prog, prog.Entry(), 0)
		require.NoError(t, err)
		assert.Equal(t, interp.ExitNative, exit.Reason)
		return m
	}
	a, b := run(plain.Program), run(clobbered.Program)
	assert.Equal(t, a.Regs, b.Regs)
	assert.Equal(t, uint64(3), b.Regs[0])
	assert.Equal(t, uint64(7), b.Regs[3])
}

func runRegs(t *testing.T, prog *ir.Program) [codec.GPRCount]uint64 {
	t.Helper()
	m := interp.NewMachine()
	for i := range m.Regs {
		m.Regs[i] = uint64(i)*0x1111 + 1
	}
	_, err := m.Run(prog, prog.Entry(), 0)
	require.NoError(t, err)
	return m.Regs
}

func TestClobberDeadOnExit(t *testing.T) {
	code := []byte{
		0x83, 0xc0, 0x01, // add eax, 1
		0xeb, 0x00, // jmp next
		0x31, 0xc0, // xor eax, eax
		0xc3,
	}
	cfg := DefaultConfig()
	cfg.Outline = false
	plain, err := Run(context.Background(), cfg, code)
	require.NoError(t, err)

	var first *dasm.BasicBlock
	for _, bb := range plain.Blocks {
		if bb.StartRVA == 0x1000 {
			first = bb
		}
	}
	require.NotNil(t, first)
	require.True(t, plain.Liveness.In[first].Has(0))
	require.False(t, plain.Liveness.Out[first].Has(0))

	cfg.ClobberDead = true
	cfg.Seed = 3
	res, err := Run(context.Background(), cfg, code)
	require.NoError(t, err)
	// rax leaving the add block and rax entering the xor block
	assert.Equal(t, 2, res.Clobbered)

	cmds := res.Program.Block(res.Program.Entry()).Commands
	n := len(cmds)
	require.Equal(t, ir.CmdBranch, cmds[n-1].Type())
	assert.Equal(t, ir.CmdPush, cmds[n-3].Type())
	assert.Equal(t, &ir.ContextStore{Reg: 0, Size: ir.Size64}, cmds[n-2])

	assert.Equal(t, runRegs(t, plain.Program), runRegs(t, res.Program))
}

func TestExitPoint(t *testing.T) {
	ext := ir.ExternalTarget(0x9000)
	cases := []struct {
		name string
		cmds []ir.Command
		want int
	}{
		{"open", ir.NewBuilder().VmEnter().ContextLoad(0, ir.Size64).Commands(), 2},
		{"jump", ir.NewBuilder().ContextLoad(0, ir.Size64).ContextStore(1, ir.Size64).Jump(ext).Commands(), 2},
		{"branch", ir.NewBuilder().ContextLoad(0, ir.Size64).FlagsLoad().Branch(codec.CondE, ext, ext).Commands(), 1},
		{"native", ir.NewBuilder().VmEnter().VmExit().ExecX86(0x1000, []byte{0xc3}).Commands(), 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			blk := &ir.Block{Commands: c.cmds}
			assert.Equal(t, c.want, exitPoint(blk))
		})
	}
}

func TestRunConcurrent(t *testing.T) {
	inputs := [][]byte{
		incDecCode(),
		{0xb9, 0x03, 0x00, 0x00, 0x00, 0x31, 0xc0, 0xff, 0xc0, 0xff, 0xc9, 0x75, 0xfa, 0xc3},
		{0x83, 0xc0, 0x01, 0xeb, 0x00, 0x31, 0xc0, 0xc3},
		{0x0f, 0xa2, 0xc3},
	}
	cfg := DefaultConfig()
	cfg.ClobberDead = true
	cfg.Seed = 11

	want := make([]common.Hash, len(inputs))
	for i, code := range inputs {
		res, err := Run(context.Background(), cfg, code)
		require.NoError(t, err)
		want[i] = res.Digest
	}

	const workers = 16
	got := make([]common.Hash, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			res, err := Run(context.Background(), cfg, inputs[w%len(inputs)])
			if err != nil {
				errs[w] = err
				return
			}
			got[w] = res.Digest
		}(w)
	}
	wg.Wait()
	for w := 0; w < workers; w++ {
		require.NoError(t, errs[w])
		assert.Equal(t, want[w%len(inputs)], got[w], "worker %d", w)
	}
}

func TestRunPolicy(t *testing.T) {
	dir := t.TempDir()
	write := func(name, src string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
		return path
	}

	cfg := DefaultConfig()
	cfg.Policy = write("short.js", `function accept(c) { return c.depth < 8 && c.keys.length === c.depth; }`)
	res, err := Run(context.Background(), cfg, incDecCode())
	require.NoError(t, err)
	require.NotEmpty(t, res.Passes)
	for _, p := range res.Passes {
		assert.Less(t, p.Depth, 8)
	}
	assert.Positive(t, res.Vetoed)

	cfg.Policy = write("none.js", `function accept(c) { return false; }`)
	res, err = Run(context.Background(), cfg, incDecCode())
	require.NoError(t, err)
	assert.Empty(t, res.Shared)
	plain := DefaultConfig()
	plain.Outline = false
	ref, err := Run(context.Background(), plain, incDecCode())
	require.NoError(t, err)
	assert.Equal(t, ref.Digest, res.Digest)

	cfg.Policy = write("throw.js", `function accept(c) { throw new Error("no"); }`)
	_, err = Run(context.Background(), cfg, incDecCode())
	assert.ErrorContains(t, err, "throw.js")

	_, err = NewScriptPolicy("missing", `var accept = 1;`)
	assert.Error(t, err)
	_, err = NewScriptPolicy("syntax", `function accept(c) {`)
	assert.Error(t, err)
}

func TestRunExpectDigest(t *testing.T) {
	cfg := DefaultConfig()
	res, err := Run(context.Background(), cfg, incDecCode())
	require.NoError(t, err)

	cfg.ExpectDigest = res.Digest
	_, err = Run(context.Background(), cfg, incDecCode())
	require.NoError(t, err)

	cfg.ExpectDigest = common.Blake2Hash([]byte("other"))
	_, err = Run(context.Background(), cfg, incDecCode())
	assert.True(t, errors.Is(err, vmerrors.ErrDigestMismatch))
	assert.Equal(t, "P1", vmerrors.GetErrorCode(err))
}

func TestClobberSkipsRSP(t *testing.T) {
	// mov rsp, rbx; ret
	code := []byte{0x48, 0x89, 0xdc, 0xc3}
	cfg := DefaultConfig()
	res, err := Run(context.Background(), cfg, code)
	require.NoError(t, err)

	require.True(t, res.Liveness.In[res.Blocks[0]].Has(3))
	require.False(t, res.Liveness.In[res.Blocks[0]].Has(regRSP))
	n := ClobberDeadRegisters(res.Program, res.Blocks, res.Liveness, rand.New(rand.NewSource(1)))
	assert.Zero(t, n)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "virtx.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"outline": false, "max_depth": 16, "rva_base": 8192}`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.False(t, cfg.Outline)
	assert.Equal(t, 16, cfg.MaxDepth)
	assert.Equal(t, uint64(0x2000), cfg.Entry())
	assert.Equal(t, DefaultConfig().MinOccurrences, cfg.MinOccurrences)
	assert.True(t, cfg.NativeFallback)

	raw := `{"expect_digest": "` + common.Blake2Hash([]byte{0x90}).Hex() + `", "policy": "p.js"}`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))
	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, common.Blake2Hash([]byte{0x90}), cfg.ExpectDigest)
	assert.Equal(t, "p.js", cfg.Policy)

	require.NoError(t, os.WriteFile(path, []byte(`{"min_depth": 1}`), 0o644))
	_, err = LoadConfig(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{`), 0o644))
	_, err = LoadConfig(path)
	assert.Error(t, err)

	_, err = LoadConfig(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
