package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/notifyops/relay/pkg/config"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"missing flag", fmt.Errorf("%w: --kind is required", errUsage), 2},
		{"bad positional args", fmt.Errorf("%w: accepts 2 arg(s), received 1", errUsage), 2},
		{"unknown team", fmt.Errorf("loading team: %w", config.ErrTeamNotFound), 2},
		{"unknown version", fmt.Errorf("rollback: %w", config.ErrVersionNotFound), 2},
		{"unknown subcommand", errors.New(`unknown command "servee" for "relay"`), 2},
		{"config dir missing", fmt.Errorf("init: %w", config.ErrConfigNotFound), 3},
		{"bad yaml", fmt.Errorf("parse: %w", config.ErrInvalidYAML), 3},
		{"validation failure", fmt.Errorf("team eng: %w", config.ErrValidationFailed), 3},
		{"broker down", fmt.Errorf("%w: broker at http://localhost:8080: %w", errBackend, errors.New("connection refused")), 4},
		{"database down", fmt.Errorf("%w: failed to ping database", errBackend), 4},
		{"anything else", errors.New("boom"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, exitCode(tt.err))
		})
	}
}

func TestExitCodeLoadError(t *testing.T) {
	err := fmt.Errorf("initializing: %w", &config.LoadError{File: "teams/eng.yaml", Err: config.ErrInvalidYAML})
	assert.Equal(t, exitValidation, exitCode(err))
}
