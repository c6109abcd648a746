package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/dbmatrix/internal/logging"
	"github.com/cochaviz/dbmatrix/internal/matrix"
	"github.com/cochaviz/dbmatrix/pkg/matrixtest"
)

func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "hooks-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "h.sock")
}

func TestHookServerAnswersAfterHook(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []matrix.TestDescriptor
	)
	server := NewHookServer(socketPath(t), func(_ context.Context, test matrix.TestDescriptor) error {
		mu.Lock()
		defer mu.Unlock()
		if test.ClassName == "Broken" {
			return errors.New("reset failed")
		}
		seen = append(seen, test)
		return nil
	}, logging.Discard())
	require.NoError(t, server.Start(context.Background()))
	defer server.Close()

	client := matrixtest.NewClient(server.Path())
	defer client.Close()

	require.NoError(t, client.Ping())
	require.NoError(t, client.Announce("A", "one"))
	require.NoError(t, client.Announce("B", ""))

	err := client.Announce("Broken", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reset failed")

	require.NoError(t, client.Announce("C", "after-failure"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []matrix.TestDescriptor{
		{ClassName: "A", MethodName: "one"},
		{ClassName: "B"},
		{ClassName: "C", MethodName: "after-failure"},
	}, seen)
}

func TestHookServerCloseRemovesSocket(t *testing.T) {
	path := socketPath(t)
	server := NewHookServer(path, func(context.Context, matrix.TestDescriptor) error { return nil }, logging.Discard())
	require.NoError(t, server.Start(context.Background()))

	client := matrixtest.NewClient(path)
	require.NoError(t, client.Ping())

	require.NoError(t, server.Close())
	require.NoError(t, server.Close())
	_, err := os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Error(t, client.Ping())
}

func TestHookServerRejectsUnknownCommand(t *testing.T) {
	server := NewHookServer(socketPath(t), nil, logging.Discard())
	resp := server.handle(context.Background(), matrixtest.Request{Command: "reboot"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "reboot")

	resp = server.handle(context.Background(), matrixtest.Request{Command: matrixtest.CommandBeforeTest})
	assert.False(t, resp.OK)
}
