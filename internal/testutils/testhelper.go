package testutils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/async"
)

// DefaultWait bounds how long helpers wait for asynchronous results.
const DefaultWait = 2 * time.Second

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// Context returns a context cancelled after DefaultWait or at test cleanup.
func (h *TestHelper) Context() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultWait)
	h.T.Cleanup(cancel)
	return ctx
}

// Next waits for the next value on sub and fails the test on timeout or stream end.
func Next[T any](t *testing.T, sub *async.Subscription[T]) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), DefaultWait)
	defer cancel()
	v, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("expected a value, got %v", err)
	}
	return v
}

// Terminal drains sub until it ends and returns the terminal error.
func Terminal[T any](t *testing.T, sub *async.Subscription[T]) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), DefaultWait)
	defer cancel()
	for {
		_, err := sub.Next(ctx)
		if err == nil {
			continue
		}
		if err == context.DeadlineExceeded {
			t.Fatalf("stream did not end within %s", DefaultWait)
		}
		return err
	}
}

// LoadFixture reads a file relative to the module root.
func LoadFixture(relPath string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	root := wd
	for {
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err == nil {
			break
		}
		parent := filepath.Dir(root)
		if parent == root {
			return "", fmt.Errorf("could not find module root (go.mod not found)")
		}
		root = parent
	}

	data, err := os.ReadFile(filepath.Join(root, relPath))
	if err != nil {
		return "", fmt.Errorf("failed to read fixture %s: %w", relPath, err)
	}
	return string(data), nil
}
