package redis

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		rdb.Close()
		mr.Close()
	})

	return newClient(rdb, "", zap.NewNop()), mr
}

func TestClient_Key(t *testing.T) {
	tests := []struct {
		name     string
		prefix   string
		parts    []string
		expected string
	}{
		{"default prefix", "", []string{"lease", "job", "1"}, "herald:lease:job:1"},
		{"custom prefix", "staging", []string{"ratelimit", "account:a"}, "staging:ratelimit:account:a"},
		{"trailing colon", "eu:", []string{"idempotency", "a", "k"}, "eu:idempotency:a:k"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(nil, tt.prefix, zap.NewNop())
			if got := c.key(tt.parts...); got != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestNew_PrefixesAllKeys(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatalf("port: %v", err)
	}

	ctx := context.Background()
	client, err := New(ctx, Config{Host: mr.Host(), Port: port, KeyPrefix: "tenant-a"}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer client.Close()

	if _, err := client.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}

	jobID := uuid.New()
	if _, ok, err := NewJobLease(client, zap.NewNop()).Acquire(ctx, jobID, time.Minute); err != nil || !ok {
		t.Fatalf("Acquire: ok=%v err=%v", ok, err)
	}
	if !mr.Exists("tenant-a:lease:job:" + jobID.String()) {
		t.Errorf("lease not stored under prefix, keys: %v", mr.Keys())
	}
}

func TestNew_Unreachable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	port, _ := strconv.Atoi(mr.Port())
	host := mr.Host()
	mr.Close()

	if _, err := New(context.Background(), Config{Host: host, Port: port}, zap.NewNop()); err == nil {
		t.Fatal("expected error for unreachable redis")
	}
}
