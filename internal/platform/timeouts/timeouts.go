// Package timeouts defines shared timeout constants used across services.
// Centralizing these values prevents drift between service boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// GRPCDial caps the wait time when dialing a gRPC peer.
const GRPCDial = 2 * time.Second

// LedgerCall caps a single request to the external commitment ledger.
const LedgerCall = 10 * time.Second

// WitnessIO caps reading or publishing one witness artifact.
const WitnessIO = 5 * time.Second

// Shutdown limits how long a service waits for in-flight work during
// graceful shutdown.
const Shutdown = 5 * time.Second
