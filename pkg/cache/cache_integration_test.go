//go:build integration_redis
// +build integration_redis

package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) (addr string, stop func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)

	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		).WithDeadline(2 * time.Minute),
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		cancel()
		t.Fatalf("failed to start redis container: %v", err)
	}

	host, err := c.Host(ctx)
	if err != nil {
		_ = c.Terminate(context.Background())
		cancel()
		t.Fatalf("failed to get container host: %v", err)
	}
	mapped, err := c.MappedPort(ctx, "6379/tcp")
	if err != nil {
		_ = c.Terminate(context.Background())
		cancel()
		t.Fatalf("failed to get mapped port: %v", err)
	}

	addr = fmt.Sprintf("%s:%s", host, mapped.Port())
	stop = func() {
		_ = c.Terminate(context.Background())
		cancel()
	}
	return addr, stop
}

func TestCredits_Integration(t *testing.T) {
	addr, stop := startRedis(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := NewCache(ctx, Options{Addr: addr})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	const ws = "acme"
	if err := c.SetCreditLimit(ctx, ws, 7); err != nil {
		t.Fatalf("set limit: %v", err)
	}

	ok, err := c.ReserveCredits(ctx, ws, 6, 0)
	if err != nil || !ok {
		t.Fatalf("reserve 6: ok=%v err=%v", ok, err)
	}
	ok, err = c.ReserveCredits(ctx, ws, 6, 0)
	if err != nil || ok {
		t.Fatalf("second reserve 6 should be rejected: ok=%v err=%v", ok, err)
	}

	spent, err := c.CommitCredits(ctx, ws, 6, time.Hour)
	if err != nil || spent != 6 {
		t.Fatalf("commit: spent=%d err=%v", spent, err)
	}

	ok, err = c.ReserveCredits(ctx, ws, 1, 0)
	if err != nil || !ok {
		t.Fatalf("reserve 1: ok=%v err=%v", ok, err)
	}
	if err := c.ReleaseCredits(ctx, ws, 1); err != nil {
		t.Fatalf("release: %v", err)
	}

	st, err := c.GetCredits(ctx, ws)
	if err != nil {
		t.Fatalf("get credits: %v", err)
	}
	if !st.HasLimit || st.Limit != 7 || st.Spent != 6 || st.Reserved != 0 {
		t.Errorf("unexpected state %+v", st)
	}

	ttl, err := c.client.TTL(ctx, spentKey(ws)).Result()
	if err != nil || ttl <= 0 {
		t.Errorf("expected spent counter to carry a TTL, got %v (err=%v)", ttl, err)
	}

	if seeded, err := c.SeedCreditSpent(ctx, ws, 99, time.Hour); err != nil || seeded {
		t.Errorf("seed must not overwrite a live counter: seeded=%v err=%v", seeded, err)
	}

	if err := c.ResetCredits(ctx, ws); err != nil {
		t.Fatalf("reset: %v", err)
	}
	st, _ = c.GetCredits(ctx, ws)
	if st.Spent != 0 {
		t.Errorf("expected spent reset, got %d", st.Spent)
	}

	if seeded, err := c.SeedCreditSpent(ctx, ws, 3, time.Hour); err != nil || !seeded {
		t.Fatalf("seed after reset: seeded=%v err=%v", seeded, err)
	}
	st, _ = c.GetCredits(ctx, ws)
	if st.Spent != 3 {
		t.Errorf("expected seeded spend 3, got %d", st.Spent)
	}
}

func TestGetCredits_Unknown_Integration(t *testing.T) {
	addr, stop := startRedis(t)
	defer stop()

	ctx := context.Background()
	c, err := NewCache(ctx, Options{Addr: addr})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	st, err := c.GetCredits(ctx, "nobody")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.HasLimit || st.Spent != 0 || st.Reserved != 0 {
		t.Errorf("expected empty state, got %+v", st)
	}
}

func TestRateLimitCheck_Integration(t *testing.T) {
	addr, stop := startRedis(t)
	defer stop()

	ctx := context.Background()
	c, err := NewCache(ctx, Options{Addr: addr})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	for i := 1; i <= 3; i++ {
		ok, err := c.RateLimitCheck(ctx, "client-1", 2, time.Minute)
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if want := i <= 2; ok != want {
			t.Errorf("check %d: allowed=%v, want %v", i, ok, want)
		}
	}
}
