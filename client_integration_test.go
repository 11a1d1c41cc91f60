//go:build integration

package rcluster

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"rcluster/internal/config"
	"rcluster/internal/proto"
)

// TestIntegrationRoundTrip exercises a SET/GET round trip and a stream
// append/trim against a real cluster. It only runs under `go test -tags integration`
// and only if RCLUSTER_TEST_ADDRS names at least one seed endpoint
// (comma-separated redis://host:port entries) — the same
// skip-unless-configured shape df2redis's own tests/integration used for
// its source/target addresses.
func TestIntegrationRoundTrip(t *testing.T) {
	raw := os.Getenv("RCLUSTER_TEST_ADDRS")
	if raw == "" {
		t.Skip("set RCLUSTER_TEST_ADDRS to a comma-separated list of redis:// seed endpoints to run this test")
	}

	opts := config.Options{Endpoints: strings.Split(raw, ",")}
	opts.ApplyDefaults()
	if err := opts.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := New(ctx, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer client.Close()

	// Basic round trip.
	if _, err := client.SendOne(ctx, proto.Pack("SET", "test", "test_data")); err != nil {
		t.Fatalf("SET test: %v", err)
	}
	reply, err := client.SendOne(ctx, proto.Pack("GET", "test"))
	if err != nil {
		t.Fatalf("GET test: %v", err)
	}
	if string(reply.Data) != "test_data" {
		t.Errorf("GET test = %q, want %q", reply.Data, "test_data")
	}

	// A stream command whose key sits in the second argument, same as
	// any other command — confirms routing isn't special-cased to
	// string commands only.
	if _, err := client.SendOne(ctx, proto.Pack("XADD", "mystream", "*", "field", "value")); err != nil {
		t.Fatalf("XADD mystream: %v", err)
	}
	if _, err := client.SendOne(ctx, proto.Pack("XTRIM", "mystream", "MAXLEN", "~", "100")); err != nil {
		t.Fatalf("XTRIM mystream: %v", err)
	}
}
