// virtx explores x86-64 code, lifts it to the VM's stack IR and outlines
// repeated command runs into shared blocks.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/colorfulnotion/virtx/codec"
	"github.com/colorfulnotion/virtx/common"
	"github.com/colorfulnotion/virtx/dasm"
	"github.com/colorfulnotion/virtx/handlers"
	"github.com/colorfulnotion/virtx/ir"
	log "github.com/colorfulnotion/virtx/log"
	"github.com/colorfulnotion/virtx/outline"
	"github.com/colorfulnotion/virtx/pipeline"
	"github.com/colorfulnotion/virtx/vmerrors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

type input struct {
	hexCode string
	file    string
	base    uint64
	entry   uint64
}

func (in *input) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&in.hexCode, "hex", "", "code bytes as hex, e.g. ffc0ffc8c3")
	cmd.Flags().StringVar(&in.file, "file", "", "raw code file")
	cmd.Flags().Uint64Var(&in.base, "base", 0x1000, "rva of the first byte")
	cmd.Flags().Uint64Var(&in.entry, "entry", 0, "entry rva (defaults to --base)")
}

func (in *input) code() ([]byte, error) {
	switch {
	case in.hexCode != "" && in.file != "":
		return nil, fmt.Errorf("--hex and --file are exclusive")
	case in.hexCode != "":
		code := common.FromHex(strings.Join(strings.Fields(in.hexCode), ""))
		if len(code) == 0 {
			return nil, fmt.Errorf("no code in --hex")
		}
		return code, nil
	case in.file != "":
		return os.ReadFile(in.file)
	}
	return nil, fmt.Errorf("one of --hex or --file is required")
}

// summary is the --json form of a lift result.
type summary struct {
	Digest    common.Hash    `json:"digest"`
	Blocks    int            `json:"blocks"`
	Commands  int            `json:"vm_commands"`
	Shared    int            `json:"shared"`
	Passes    []outline.Pass `json:"passes"`
	Clobbered int            `json:"clobbered"`
	Vetoed    int            `json:"vetoed"`
	Handlers  []string       `json:"handlers"`
	Entries   []uint64       `json:"entries"`
}

func summarize(res *pipeline.Result) summary {
	s := summary{
		Digest:    res.Digest,
		Blocks:    len(res.Blocks),
		Commands:  res.Program.CommandCount(ir.KindVM),
		Shared:    len(res.Shared),
		Passes:    res.Passes,
		Clobbered: res.Clobbered,
		Vetoed:    res.Vetoed,
		Entries:   res.Program.ExternalEntries(),
	}
	for _, key := range handlers.SortedKeys(res.Handlers) {
		s.Handlers = append(s.Handlers, key.String())
	}
	return s
}

func initTracing(ctx context.Context, endpoint string) (func(context.Context) error, error) {
	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func main() {
	var rootCmd = &cobra.Command{
		Use:     "virtx",
		Short:   "x86-64 code virtualization lifter",
		Version: fmt.Sprintf("%s (%s, %s)", Version, Commit, BuildTime),
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	var (
		logLevel string
		debug    string
	)
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level")
	rootCmd.PersistentFlags().StringVar(&debug, "debug", "", "comma separated modules with debug output, or all")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		log.InitLogger(logLevel)
		log.EnableModules(debug)
	}

	var disasmIn input
	var linear bool
	var disasmCmd = &cobra.Command{
		Use:   "disasm",
		Short: "Explore basic blocks and print the control flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := disasmIn.code()
			if err != nil {
				return err
			}
			if linear {
				fmt.Print(codec.Disassemble(code, disasmIn.base))
				return nil
			}
			entry := disasmIn.entry
			if entry == 0 {
				entry = disasmIn.base
			}
			d := dasm.NewSegmentDasm(disasmIn.base, code)
			if _, err := d.ExploreBlocks(entry, nil); err != nil {
				return err
			}
			for _, b := range d.SortedBlocks() {
				fmt.Print(b.String())
			}
			fmt.Println()
			d.Print(entry)

			stats := d.Stats()
			fmt.Printf("%d blocks, %d instructions, %d bytes, %d unresolved edges\n",
				stats.BasicBlockCount, stats.InstructionCount, stats.ByteCount, stats.UnresolvedEdges)
			for _, m := range stats.Mnemonics() {
				fmt.Printf("  %-8s %d\n", strings.ToLower(m), stats.MnemonicDistribution[m])
			}
			return nil
		},
	}
	disasmIn.register(disasmCmd)
	disasmCmd.Flags().BoolVar(&linear, "linear", false, "decode the input linearly instead of exploring")

	var (
		liftIn       input
		configPath   string
		noOutline    bool
		noFallback   bool
		clobber      bool
		seed         int64
		showTrie     bool
		showHandlers bool
		otlpEndpoint string
		policyPath   string
		expectDigest string
		asJSON       bool
	)
	var liftCmd = &cobra.Command{
		Use:   "lift",
		Short: "Lift to IR, outline duplicates and print the program",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := pipeline.DefaultConfig()
			if configPath != "" {
				var err error
				if cfg, err = pipeline.LoadConfig(configPath); err != nil {
					return err
				}
				if !cmd.Flags().Changed("log-level") && cfg.LogLevel != "" {
					log.InitLogger(cfg.LogLevel)
				}
				log.EnableModules(cfg.LogModules)
			}
			flags := cmd.Flags()
			if flags.Changed("base") || configPath == "" {
				cfg.RVABase = liftIn.base
			}
			if flags.Changed("entry") {
				cfg.EntryRVA = liftIn.entry
			}
			if noOutline {
				cfg.Outline = false
			}
			if noFallback {
				cfg.NativeFallback = false
			}
			if flags.Changed("clobber") {
				cfg.ClobberDead = clobber
			}
			if flags.Changed("seed") {
				cfg.Seed = seed
			}
			if policyPath != "" {
				cfg.Policy = policyPath
			}
			if expectDigest != "" {
				cfg.ExpectDigest = common.HexToHash(expectDigest)
			}

			code, err := liftIn.code()
			if err != nil {
				return err
			}

			ctx := context.Background()
			if otlpEndpoint != "" {
				shutdown, err := initTracing(ctx, otlpEndpoint)
				if err != nil {
					return err
				}
				defer shutdown(ctx)
			}

			if showTrie {
				pre := cfg
				pre.Outline = false
				res, err := pipeline.Run(ctx, pre, code)
				if err != nil {
					return err
				}
				trie := outline.NewTrie(cfg.MaxDepth)
				trie.Build(res.Program)
				fmt.Println(trie.Tree(cfg.MinOccurrences).String())
			}

			res, err := pipeline.Run(ctx, cfg, code)
			if err != nil {
				return err
			}
			if asJSON {
				out, err := json.MarshalIndent(summarize(res), "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}
			fmt.Print(res.Program.Listing())
			if showHandlers {
				for _, key := range handlers.SortedKeys(res.Handlers) {
					fmt.Printf("\nhandler %s:\n", key)
					for _, c := range res.Handlers[key] {
						fmt.Printf("  %s\n", c)
					}
				}
			}
			fmt.Printf("\nentries: %x\n", res.Program.ExternalEntries())
			fmt.Printf("shared blocks: %d, clobbered registers: %d\n", len(res.Shared), res.Clobbered)
			fmt.Printf("digest: %s\n", res.Digest.Hex())
			return nil
		},
	}
	liftIn.register(liftCmd)
	liftCmd.Flags().StringVar(&configPath, "config", "", "JSON pipeline config")
	liftCmd.Flags().BoolVar(&noOutline, "no-outline", false, "skip duplicate outlining")
	liftCmd.Flags().BoolVar(&noFallback, "no-fallback", false, "fail on instructions without a lifter")
	liftCmd.Flags().BoolVar(&clobber, "clobber", false, "overwrite dead registers on block entry and exit")
	liftCmd.Flags().Int64Var(&seed, "seed", 0, "seed for clobber values")
	liftCmd.Flags().BoolVar(&showTrie, "trie", false, "print the outlining trie of the lifted program")
	liftCmd.Flags().BoolVar(&showHandlers, "handlers", false, "print handler bodies")
	liftCmd.Flags().StringVar(&otlpEndpoint, "otlp", "", "OTLP/HTTP trace collector host:port")
	liftCmd.Flags().StringVar(&policyPath, "policy", "", "JavaScript file whose accept(candidate) vets outlining")
	liftCmd.Flags().StringVar(&expectDigest, "expect-digest", "", "fail unless the program digest matches")
	liftCmd.Flags().BoolVar(&asJSON, "json", false, "print a JSON summary instead of the listing")

	rootCmd.AddCommand(disasmCmd, liftCmd)
	if err := rootCmd.Execute(); err != nil {
		log.Error(log.PipelineMonitoring, "virtx failed", "code", vmerrors.GetErrorCode(err), "name", vmerrors.GetErrorName(err), "err", err)
		os.Exit(1)
	}
}
