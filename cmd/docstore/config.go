package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"

	"github.com/arcbase/docstore/pkg/docstore"
)

// config mirrors docstore.Options as a JWCC (JSON with comments) document,
// the same hujson.Standardize-then-json.Unmarshal pipeline as tk's own
// config files.
type config struct {
	File             string  `json:"file"`
	Durable          *bool   `json:"durable,omitempty"`
	Lock             *bool   `json:"lock,omitempty"`
	CorruptThreshold float64 `json:"corrupt_threshold,omitempty"`
	TTLCheckSeconds  float64 `json:"ttl_check_seconds,omitempty"`
}

func defaultConfig() config {
	return config{}
}

func loadConfig(path string) (config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return config{}, fmt.Errorf("reading config: %w", err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return config{}, fmt.Errorf("invalid JWCC: %w", err)
	}

	var cfg config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func (c config) options() docstore.Options {
	opts := docstore.Options{
		FilePath:         c.File,
		Durable:          c.Durable,
		Lock:             c.Lock,
		CorruptThreshold: c.CorruptThreshold,
	}

	if c.TTLCheckSeconds > 0 {
		opts.TTLCheckInterval = time.Duration(c.TTLCheckSeconds * float64(time.Second))
	}

	return opts
}

const defaultConfigTemplate = `{
  // Path to the database log file.
  "file": "docstore.db",

  // Fsync after every append and rewrite.
  "durable": true,

  // Hold an advisory cross-process lock for the process lifetime.
  "lock": true,
}
`

// writeDefaultConfig bootstraps a config file atomically: a reader crashing
// mid-read of path must never observe a half-written file.
func writeDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	return atomic.WriteFile(path, strings.NewReader(defaultConfigTemplate))
}
