// Package testutil starts the containers used by the integration tests.
// Each container is started at most once per test binary and shared by all
// tests; the testcontainers reaper removes it when the process exits.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
)

// startTimeout gives generous time for image pulls in CI environments.
const startTimeout = 3 * time.Minute

type sharedContainer struct {
	once     sync.Once
	endpoint string
	err      error
}

// get starts the container on first use and returns its endpoint. Tests are
// skipped in -short mode and when Docker is unavailable.
func (c *sharedContainer) get(t *testing.T, start func(ctx context.Context) (string, error)) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in -short mode")
	}

	c.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
		defer cancel()
		c.endpoint, c.err = start(ctx)
	})
	if c.err != nil {
		t.Skipf("container unavailable: %v", c.err)
	}
	return c.endpoint
}

func endpointOf(ctx context.Context, ctr testcontainers.Container, err error) (string, error) {
	if err != nil {
		if ctr != nil {
			_ = ctr.Terminate(context.Background())
		}
		return "", err
	}
	endpoint, err := ctr.Endpoint(ctx, "")
	if err != nil {
		_ = ctr.Terminate(context.Background()) // best-effort cleanup
		return "", err
	}
	return endpoint, nil
}
