package discovery

import "testing"

func TestDefaultAddrs(t *testing.T) {
	if got := DefaultGRPCAddr(ServiceVerifier); got != "verifier:8096" {
		t.Fatalf("DefaultGRPCAddr = %q, want verifier:8096", got)
	}
	if got := DefaultListenAddr(ServiceVerifier); got != ":8095" {
		t.Fatalf("DefaultListenAddr = %q, want :8095", got)
	}
	if got := DefaultGRPCPort(" verifier "); got != 8096 {
		t.Fatalf("DefaultGRPCPort = %d, want 8096", got)
	}
}

func TestUnknownServiceHasNoDefault(t *testing.T) {
	if got := DefaultGRPCAddr("nope"); got != "" {
		t.Fatalf("DefaultGRPCAddr = %q, want empty", got)
	}
	if got := DefaultListenAddr("nope"); got != "" {
		t.Fatalf("DefaultListenAddr = %q, want empty", got)
	}
}

func TestOrDefault(t *testing.T) {
	if got := OrDefaultGRPCAddr(" custom:9000 ", ServiceVerifier); got != "custom:9000" {
		t.Fatalf("expected explicit grpc addr to win, got %q", got)
	}
	if got := OrDefaultGRPCAddr("", ServiceVerifier); got != "verifier:8096" {
		t.Fatalf("expected default grpc addr, got %q", got)
	}
}
