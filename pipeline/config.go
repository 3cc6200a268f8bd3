package pipeline

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/colorfulnotion/virtx/common"
	"github.com/colorfulnotion/virtx/outline"
)

// Config controls one pipeline run.
type Config struct {
	RVABase uint64 `json:"rva_base"`
	// EntryRVA defaults to RVABase when zero.
	EntryRVA uint64 `json:"entry_rva"`

	Outline        bool `json:"outline"`
	MinOccurrences int  `json:"min_occurrences"`
	MinDepth       int  `json:"min_depth"`
	MaxDepth       int  `json:"max_depth"`
	// Policy names a JavaScript file whose accept function vets candidates.
	Policy string `json:"policy"`

	NativeFallback bool  `json:"native_fallback"`
	ClobberDead    bool  `json:"clobber_dead"`
	Seed           int64 `json:"seed"`

	// ExpectDigest fails the run when set and the program digest differs.
	ExpectDigest common.Hash `json:"expect_digest"`

	LogLevel   string `json:"log_level"`
	LogModules string `json:"log_modules"`
}

func DefaultConfig() Config {
	return Config{
		RVABase:        0x1000,
		Outline:        true,
		MinOccurrences: outline.DefaultMinOccurrences,
		MinDepth:       outline.DefaultMinDepth,
		MaxDepth:       outline.DefaultMaxDepth,
		NativeFallback: true,
		LogLevel:       "info",
	}
}

// LoadConfig reads a JSON config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Entry() uint64 {
	if c.EntryRVA == 0 {
		return c.RVABase
	}
	return c.EntryRVA
}

func (c Config) Validate() error {
	if c.MinOccurrences < 2 {
		return fmt.Errorf("min_occurrences %d: need at least 2", c.MinOccurrences)
	}
	if c.MinDepth < 2 {
		return fmt.Errorf("min_depth %d: need at least 2", c.MinDepth)
	}
	if c.MaxDepth < c.MinDepth {
		return fmt.Errorf("max_depth %d below min_depth %d", c.MaxDepth, c.MinDepth)
	}
	return nil
}

func (c Config) outliner() *outline.Outliner {
	return &outline.Outliner{
		MinOccurrences: c.MinOccurrences,
		MinDepth:       c.MinDepth,
		MaxDepth:       c.MaxDepth,
	}
}
