package pipeline

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/colorfulnotion/virtx/common"
	"github.com/colorfulnotion/virtx/dasm"
	"github.com/colorfulnotion/virtx/handlers"
	"github.com/colorfulnotion/virtx/ir"
	"github.com/colorfulnotion/virtx/lifter"
	"github.com/colorfulnotion/virtx/log"
	"github.com/colorfulnotion/virtx/outline"
	"github.com/colorfulnotion/virtx/vmerrors"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/colorfulnotion/virtx/pipeline"

// Result is everything one run produced.
type Result struct {
	Blocks   []*dasm.BasicBlock
	Depth    map[*dasm.BasicBlock]uint32
	Stats    *dasm.Stats
	Liveness *dasm.Liveness
	Program  *ir.Program
	// Shared lists the outlined blocks in creation order.
	Shared []ir.BlockID
	Passes []outline.Pass
	// Vetoed counts candidates the outlining policy rejected.
	Vetoed    int
	Clobbered int
	Handlers  map[handlers.Key][]ir.Command
	Digest    common.Hash
}

// Run explores code from the configured entry, lifts the reachable blocks,
// optionally clobbers dead registers and outlines duplicate runs. A broken
// internal invariant ends the run with a *vmerrors.InvariantError.
func Run(ctx context.Context, cfg Config, code []byte) (res *Result, err error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(
		attribute.Int("code.bytes", len(code)),
		attribute.String("entry", fmt.Sprintf("0x%x", cfg.Entry())),
	))
	defer span.End()
	defer func() {
		if err != nil {
			res = nil
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	defer vmerrors.Recover(&err)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	res = &Result{Depth: make(map[*dasm.BasicBlock]uint32)}

	_, s := tracer.Start(ctx, "explore")
	d := dasm.NewSegmentDasm(cfg.RVABase, code)
	res.Blocks, err = d.ExploreBlocks(cfg.Entry(), res.Depth)
	if err != nil {
		s.End()
		return nil, err
	}
	res.Stats = dasm.Analyze(res.Blocks)
	res.Liveness = dasm.ComputeLiveness(res.Blocks)
	s.SetAttributes(attribute.Int("blocks", res.Stats.BasicBlockCount), attribute.Int("instructions", res.Stats.InstructionCount))
	s.End()

	_, s = tracer.Start(ctx, "lift")
	res.Program, err = lifter.NewTranslator(cfg.NativeFallback).Translate(res.Blocks, cfg.Entry())
	if err != nil {
		s.End()
		return nil, err
	}
	s.SetAttributes(attribute.Int("commands", res.Program.CommandCount(ir.KindVM)))
	s.End()

	if cfg.ClobberDead {
		_, s = tracer.Start(ctx, "clobber")
		res.Clobbered = ClobberDeadRegisters(res.Program, res.Blocks, res.Liveness, rand.New(rand.NewSource(cfg.Seed)))
		s.SetAttributes(attribute.Int("registers", res.Clobbered))
		s.End()
	}

	if cfg.Outline {
		_, s = tracer.Start(ctx, "outline")
		o := cfg.outliner()
		var policy *ScriptPolicy
		if cfg.Policy != "" {
			if policy, err = LoadPolicy(cfg.Policy); err != nil {
				s.End()
				return nil, err
			}
			o.Policy = policy
		}
		res.Shared = o.Outline(res.Program)
		res.Passes = o.Passes
		if policy != nil {
			if err = policy.Err(); err != nil {
				s.End()
				return nil, err
			}
			asked, rejected := policy.Stats()
			res.Vetoed = rejected
			s.SetAttributes(attribute.Int("policy.asked", asked), attribute.Int("policy.vetoed", rejected))
		}
		s.SetAttributes(attribute.Int("shared", len(res.Shared)), attribute.Int("commands", res.Program.CommandCount(ir.KindVM)))
		s.End()
	}

	res.Handlers, err = handlers.Collect(res.Program)
	if err != nil {
		return nil, err
	}
	res.Digest = res.Program.Digest()
	span.SetAttributes(attribute.String("digest", res.Digest.Hex()))
	if !common.IsNilHash(cfg.ExpectDigest) && res.Digest != cfg.ExpectDigest {
		return nil, errors.Wrapf(vmerrors.ErrDigestMismatch, "got %s, want %s", res.Digest.Hex(), cfg.ExpectDigest.Hex())
	}

	log.Info(log.PipelineMonitoring, "pipeline done",
		"blocks", len(res.Blocks),
		"vm_commands", res.Program.CommandCount(ir.KindVM),
		"shared", len(res.Shared),
		"handlers", len(res.Handlers),
		"digest", res.Digest.String_short())
	return res, nil
}
