package requestctx

import (
	"context"
	"strings"
	"testing"
)

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Fatalf("request id = %q, want %q", got, "req-1")
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Fatalf("request id = %q, want empty", got)
	}
}

func TestEnsureRequestID(t *testing.T) {
	ctx, id := EnsureRequestID(context.Background(), " abc ")
	if id != "abc" || RequestIDFromContext(ctx) != "abc" {
		t.Fatalf("request id = %q, want abc", id)
	}

	_, again := EnsureRequestID(ctx, "other")
	if again != "abc" {
		t.Fatalf("request id = %q, want existing abc", again)
	}

	for _, supplied := range []string{"", "bad\nid", strings.Repeat("x", 200)} {
		_, generated := EnsureRequestID(context.Background(), supplied)
		if generated == "" || generated == supplied {
			t.Fatalf("supplied %q: generated %q, want fresh id", supplied, generated)
		}
	}
}
