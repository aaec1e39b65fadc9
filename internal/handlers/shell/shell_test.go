package shell_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantq/internal/handlers/shell"
	"tenantq/internal/worker"
)

func TestHandler_Output(t *testing.T) {
	t.Parallel()

	res, err := shell.New().Handle(context.Background(), json.RawMessage(`{"command":"echo","args":["hello","world"]}`))
	require.NoError(t, err)

	out, ok := res.(shell.Output)
	require.True(t, ok)
	assert.Equal(t, "hello world", out.Output)
	assert.Zero(t, out.ExitCode)
}

func TestHandler_Dir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	res, err := shell.New().Handle(context.Background(), json.RawMessage(`{"command":"pwd","dir":"`+dir+`"}`))
	require.NoError(t, err)
	assert.Contains(t, res.(shell.Output).Output, dir)
}

func TestHandler_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		handler   *shell.Handler
		payload   string
		permanent bool
		target    error
	}{
		{name: "malformed payload", handler: shell.New(), payload: `{"command":`, permanent: true},
		{name: "missing command", handler: shell.New(), payload: `{}`, permanent: true, target: shell.ErrCommandRequired},
		{name: "not allowed", handler: shell.New("echo"), payload: `{"command":"ls"}`, permanent: true, target: shell.ErrCommandNotAllowed},
		{name: "unknown binary", handler: shell.New(), payload: `{"command":"tenantq-no-such-binary"}`, permanent: true},
		{name: "non-zero exit", handler: shell.New(), payload: `{"command":"false"}`, permanent: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := tt.handler.Handle(context.Background(), json.RawMessage(tt.payload))
			require.Error(t, err)
			assert.Equal(t, tt.permanent, worker.IsPermanent(err))
			if tt.target != nil {
				assert.ErrorIs(t, err, tt.target)
			}
		})
	}
}

func TestHandler_AllowList(t *testing.T) {
	t.Parallel()

	_, err := shell.New("echo").Handle(context.Background(), json.RawMessage(`{"command":"echo","args":["ok"]}`))
	assert.NoError(t, err)
}
