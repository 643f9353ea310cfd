// Package experiments gates optional behavior behind named experiment
// membership, loaded from a TOML file with user opt-in and opt-out overrides.
package experiments

import (
	"fmt"
	"os"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
)

// All is the wildcard accepted in opt-in and opt-out lists.
const All = "All"

// Config is the on-disk experiments file layout.
type Config struct {
	// Enabled lists the experiments active for this install.
	Enabled []string `toml:"enabled"`

	// OptInto force-enables experiments regardless of Enabled.
	OptInto []string `toml:"opt_into"`

	// OptOutFrom force-disables experiments. Opt-out wins over opt-in.
	OptOutFrom []string `toml:"opt_out_from"`
}

// Service answers experiment-membership queries. Safe for concurrent use.
type Service struct {
	mu     sync.RWMutex
	config Config
	log    zerolog.Logger
}

// NewService creates a service around a config.
func NewService(config Config, log zerolog.Logger) *Service {
	return &Service{
		config: config,
		log:    log.With().Str("component", "experiments").Logger(),
	}
}

// Load reads the experiments file and builds a service. A missing file
// yields a service with no active experiments.
func Load(path string, log zerolog.Logger) (*Service, error) {
	var config Config
	if path == "" {
		return NewService(config, log), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewService(config, log), nil
		}
		return nil, fmt.Errorf("read experiments file: %w", err)
	}
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse experiments file %s: %w", path, err)
	}
	return NewService(config, log), nil
}

// InExperiment reports whether the named experiment is active.
// Precedence: opt-out, then opt-in, then the enabled list. The wildcard
// "All" matches every experiment in the opt lists.
func (s *Service) InExperiment(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if contains(s.config.OptOutFrom, name) || contains(s.config.OptOutFrom, All) {
		return false
	}
	if contains(s.config.OptInto, name) || contains(s.config.OptInto, All) {
		s.log.Debug().Str("experiment", name).Msg("active via opt-in")
		return true
	}
	if contains(s.config.Enabled, name) {
		return true
	}
	return false
}

// Update replaces the current configuration.
func (s *Service) Update(config Config) {
	s.mu.Lock()
	s.config = config
	s.mu.Unlock()
}

func contains(list []string, name string) bool {
	for _, item := range list {
		if item == name {
			return true
		}
	}
	return false
}
