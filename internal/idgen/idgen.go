// Package idgen mints entity ids and settlement idempotency keys.
package idgen

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Kind is the prefix that tells entity ids apart at a glance.
type Kind string

const (
	Escrow      Kind = "esc"
	Milestone   Kind = "ms"
	Dispute     Kind = "dsp"
	Evidence    Kind = "evd"
	Transaction Kind = "tx"
	Rule        Kind = "rule"
	Event       Kind = "aev"
	Audit       Kind = "aud"
	Message     Kind = "msg"
)

var settlementNamespace = uuid.MustParse("6f1c9a52-3d4e-4b7a-9c20-5e8d1f0a7b31")

// New returns a random UUID string, used for request ids.
func New() string {
	return uuid.NewString()
}

// Next returns a fresh id such as "esc_0190f3a1c2d4...". The body is a
// version 7 UUID, so ids of one kind sort roughly by creation time.
func Next(k Kind) string {
	u, err := uuid.NewV7()
	if err != nil {
		u = uuid.New()
	}
	return string(k) + "_" + hex.EncodeToString(u[:])
}

// KindOf returns the kind encoded in id, or "" when id has no known prefix.
func KindOf(id string) Kind {
	prefix, _, ok := strings.Cut(id, "_")
	if !ok {
		return ""
	}
	switch k := Kind(prefix); k {
	case Escrow, Milestone, Dispute, Evidence, Transaction, Rule, Event, Audit, Message:
		return k
	}
	return ""
}

// Deterministic derives a version 5 UUID from parts. Retried settlement
// calls for the same payout get the same key, which is what lets the
// provider dedupe them.
func Deterministic(parts ...string) string {
	return uuid.NewSHA1(settlementNamespace, []byte(strings.Join(parts, "\x1f"))).String()
}
