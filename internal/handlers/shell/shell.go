// Package shell is a task handler that runs a local command.
package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"strings"

	"tenantq/internal/worker"
)

var (
	ErrCommandRequired   = errors.New("command is required")
	ErrCommandNotAllowed = errors.New("command is not allowed")
)

type Cmd struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
	Dir     string   `json:"dir,omitempty"`
}

type Output struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

type Handler struct {
	allowed []string
}

// New returns a shell handler. With a non-empty allow list only those
// commands may run.
func New(allowed ...string) *Handler {
	return &Handler{allowed: allowed}
}

func (h *Handler) Handle(ctx context.Context, payload json.RawMessage) (any, error) {
	var c Cmd
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, worker.Permanent(fmt.Errorf("invalid shell payload: %w", err))
	}
	if c.Command == "" {
		return nil, worker.Permanent(ErrCommandRequired)
	}
	if len(h.allowed) > 0 && !slices.Contains(h.allowed, c.Command) {
		return nil, worker.Permanent(fmt.Errorf("%w: %s", ErrCommandNotAllowed, c.Command))
	}

	cmd := exec.CommandContext(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	out, err := cmd.CombinedOutput()
	res := Output{Output: strings.TrimRight(string(out), "\n")}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr) && ctx.Err() == nil:
		res.ExitCode = exitErr.ExitCode()
		return nil, fmt.Errorf("command exited with %d: %s", res.ExitCode, res.Output)
	case errors.Is(err, exec.ErrNotFound):
		return nil, worker.Permanent(fmt.Errorf("run %s: %w", c.Command, err))
	default:
		return nil, fmt.Errorf("run %s: %w", c.Command, err)
	}
}
