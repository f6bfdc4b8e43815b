package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// No partial application: callers must discard a config that fails here.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	errs = append(errs, validateEngine("engine", cfg.Engine)...)
	if cfg.Engine.Fallback != nil {
		errs = append(errs, validateEngine("engine.fallback", *cfg.Engine.Fallback)...)
		if cfg.Engine.Fallback.Fallback != nil {
			errs = append(errs, errors.New("engine.fallback must not nest another fallback"))
		}
	}

	if cfg.Embedder.Kind != "" && !cfg.Embedder.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("embedder.kind %q is invalid; valid values: logmel", cfg.Embedder.Kind))
	}

	errs = append(errs, validateTranscription(cfg.Transcription)...)

	if cfg.Archive.SQLitePath != "" && cfg.Archive.PostgresDSN != "" {
		errs = append(errs, errors.New("archive.sqlite_path and archive.postgres_dsn are mutually exclusive"))
	}

	return errors.Join(errs...)
}

// validateEngine checks one engine block; prefix names it in messages.
func validateEngine(prefix string, e EngineConfig) []error {
	var errs []error
	if e.Kind != "" && !e.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("%s.kind %q is invalid; valid values: whispercpp, openai", prefix, e.Kind))
	}
	if e.Kind == EngineOpenAI && e.APIKey == "" {
		errs = append(errs, fmt.Errorf("%s.api_key is required when kind is openai", prefix))
	}
	if e.Threads < 0 {
		errs = append(errs, fmt.Errorf("%s.threads %d must not be negative", prefix, e.Threads))
	}
	return errs
}

// validateTranscription checks the per-session pipeline options. Shared by
// Validate and the controller's start-time config check.
func validateTranscription(t TranscriptionConfig) []error {
	var errs []error

	if t.MaxSpeakers != 0 && (t.MaxSpeakers < 1 || t.MaxSpeakers > 10) {
		errs = append(errs, fmt.Errorf("transcription.max_speakers %d is out of range [1, 10]", t.MaxSpeakers))
	}
	if t.SpeakerThreshold < 0 || t.SpeakerThreshold > 1 {
		errs = append(errs, fmt.Errorf("transcription.speaker_threshold %.2f is out of range [0, 1]", t.SpeakerThreshold))
	}
	if t.WindowMs < 0 || t.OverlapMs < 0 {
		errs = append(errs, errors.New("transcription.window_ms and overlap_ms must not be negative"))
	}

	windowMs := t.WindowMs
	if windowMs == 0 {
		windowMs = 10_000
	}
	overlapMs := t.OverlapMs
	if overlapMs == 0 {
		overlapMs = 5_000
	}
	if overlapMs >= windowMs {
		errs = append(errs, fmt.Errorf("transcription.overlap_ms %d must be smaller than window_ms %d", overlapMs, windowMs))
	}

	if t.ReclassificationWindowMs < 0 {
		errs = append(errs, fmt.Errorf("transcription.reclassification_window_ms %d must not be negative", t.ReclassificationWindowMs))
	}
	return errs
}

// ValidateTranscription checks a session config in isolation, for the
// controller's start and update paths.
func ValidateTranscription(t TranscriptionConfig) error {
	return errors.Join(validateTranscription(t)...)
}
