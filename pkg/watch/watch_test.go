package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/nbrun/pkg/logging"
)

func TestWatcherRerunsOnChange(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "hello_world.ipynb")
	other := filepath.Join(dir, "other.txt")
	require.NoError(t, os.WriteFile(target, []byte("{}"), 0o644))

	w, err := New([]string{target}, 20*time.Millisecond, logging.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(context.Context) error {
			runs.Add(1)
			return errors.New("run errors are not fatal")
		})
	}()

	require.Eventually(t, func() bool { return runs.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(other, []byte("ignored"), 0o644))
	// A burst of writes collapses into a single run.
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(target, []byte(`{"cells": []}`), 0o644))
	}

	require.Eventually(t, func() bool { return runs.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), runs.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after cancellation")
	}
}

func TestNewRequiresPath(t *testing.T) {
	_, err := New([]string{""}, 0, logging.Discard())
	assert.Error(t, err)
}

func TestNewMissingDirectory(t *testing.T) {
	_, err := New([]string{filepath.Join(t.TempDir(), "missing", "nb.ipynb")}, 0, logging.Discard())
	assert.Error(t, err)
}
