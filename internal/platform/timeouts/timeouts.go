// Package timeouts defines shared timeout constants used across the verifier.
// Upstream calls get seconds, shared-store round trips get well under a
// second because every caller has a local fallback.
package timeouts

import "time"

// PartnerRequest caps a single partner REST verification call.
const PartnerRequest = 5 * time.Second

// ChainCall caps a single eth_call against an RPC node.
const ChainCall = 8 * time.Second

// SharedStore caps one shared-store pipeline round trip. Callers fall back to
// process-local state when it elapses.
const SharedStore = 750 * time.Millisecond

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// LedgerWrite caps one background ledger append, whichever store backs it.
const LedgerWrite = 2 * time.Second
