// Package config holds the tunable graph parameters and the static entity
// map, loadable from YAML and persisted alongside the graph.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/engramd/engram/internal/apperr"
)

// BaseWeights are the per-type starting weights assigned at edge formation.
type BaseWeights struct {
	Explicit     float64 `yaml:"explicit"`
	CoOccurrence float64 `yaml:"co_occurrence"`
	Temporal     float64 `yaml:"temporal"`
	Causal       float64 `yaml:"causal"`
}

// GraphConfig contains the decay and edge-formation parameters.
type GraphConfig struct {
	DecayRate             float64     `yaml:"decay_rate"`
	ReinforcementBoost    float64     `yaml:"reinforcement_boost"`
	VisibilityThreshold   float64     `yaml:"visibility_threshold"`
	CoOccurrenceThreshold int         `yaml:"co_occurrence_threshold"`
	BaseWeights           BaseWeights `yaml:"base_weights"`
}

// EntityMap is the static alias/ignore configuration used by the resolver.
type EntityMap struct {
	// Aliases maps a raw surface form to its canonical label.
	Aliases map[string]string `yaml:"aliases"`
	// Ignore lists normalized terms that never become entities.
	Ignore []string `yaml:"ignore"`
}

// Config is the full on-disk configuration file.
type Config struct {
	Graph     GraphConfig `yaml:"graph"`
	EntityMap EntityMap   `yaml:"entity_map"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		Graph: GraphConfig{
			DecayRate:             0.015,
			ReinforcementBoost:    1.5,
			VisibilityThreshold:   0.05,
			CoOccurrenceThreshold: 2,
			BaseWeights: BaseWeights{
				Explicit:     0.9,
				CoOccurrence: 0.5,
				Temporal:     0.3,
				Causal:       0.8,
			},
		},
		EntityMap: EntityMap{
			Aliases: map[string]string{},
		},
	}
}

// Load reads a YAML config file, layering it over defaults.
// A missing file returns defaults without error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes the config as YAML.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks parameter ranges.
func (c Config) Validate() error {
	g := c.Graph
	if g.DecayRate <= 0 {
		return fmt.Errorf("%w: decay_rate must be positive, got %v", apperr.ErrValidation, g.DecayRate)
	}
	if g.VisibilityThreshold < 0 || g.VisibilityThreshold >= 1 {
		return fmt.Errorf("%w: visibility_threshold must be in [0,1), got %v", apperr.ErrValidation, g.VisibilityThreshold)
	}
	if g.CoOccurrenceThreshold < 1 {
		return fmt.Errorf("%w: co_occurrence_threshold must be >= 1, got %d", apperr.ErrValidation, g.CoOccurrenceThreshold)
	}
	for name, w := range map[string]float64{
		"explicit":      g.BaseWeights.Explicit,
		"co_occurrence": g.BaseWeights.CoOccurrence,
		"temporal":      g.BaseWeights.Temporal,
		"causal":        g.BaseWeights.Causal,
	} {
		if w <= 0 || w > 1 {
			return fmt.Errorf("%w: base weight %s must be in (0,1], got %v", apperr.ErrValidation, name, w)
		}
	}
	return nil
}
