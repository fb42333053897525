package service

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// CommandService provides centralized command execution
type CommandService struct {
	logger zerolog.Logger
}

// NewCommandService creates a new command service
func NewCommandService(logger zerolog.Logger) *CommandService {
	return &CommandService{
		logger: logger,
	}
}

// Run executes a command and returns error if it fails
func (s *CommandService) Run(name string, args ...string) error {
	s.logger.Debug().
		Str("command", name).
		Strs("args", args).
		Msg("Executing command")

	cmd := exec.Command(name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		s.logger.Error().
			Err(err).
			Str("command", name).
			Strs("args", args).
			Str("stderr", stderr.String()).
			Msg("Command failed")
		return fmt.Errorf("command '%s %s' failed: %w: %s", name, strings.Join(args, " "), err, stderr.String())
	}

	return nil
}

// RunOutput executes a command and returns its output
func (s *CommandService) RunOutput(name string, args ...string) (string, error) {
	s.logger.Debug().
		Str("command", name).
		Strs("args", args).
		Msg("Executing command with output")

	cmd := exec.Command(name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("command", name).
			Strs("args", args).
			Str("output", string(output)).
			Msg("Command failed")
		return "", fmt.Errorf("command '%s %s' failed: %w: %s", name, strings.Join(args, " "), err, string(output))
	}

	return string(output), nil
}

// CommandExists checks if a command is available in PATH
func (s *CommandService) CommandExists(name string) bool {
	_, err := exec.LookPath(name)
	exists := err == nil

	s.logger.Debug().
		Str("command", name).
		Bool("exists", exists).
		Msg("Checking command existence")

	return exists
}
