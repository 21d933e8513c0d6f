package auth

import (
	"testing"
	"time"
)

// ─── Token hashing (Argon2id — intentionally slow) ──────────────────

func BenchmarkHashToken(b *testing.B) {
	for i := 0; i < b.N; i++ {
		HashToken("correct-horse-battery-staple") //nolint:errcheck // benchmark
	}
}

func BenchmarkVerifyToken(b *testing.B) {
	hash, err := HashToken("correct-horse-battery-staple")
	if err != nil {
		b.Fatalf("HashToken: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		VerifyToken("correct-horse-battery-staple", hash) //nolint:errcheck // benchmark
	}
}

// ─── Websocket tickets (per-connection hot path) ────────────────────

func BenchmarkMintTicket(b *testing.B) {
	secret := "benchmark-secret-key-32-bytes-xx"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		MintTicket(secret, "admin", time.Minute) //nolint:errcheck // benchmark
	}
}

func BenchmarkVerifyTicket(b *testing.B) {
	secret := "benchmark-secret-key-32-bytes-xx"
	ticket, err := MintTicket(secret, "admin", time.Minute)
	if err != nil {
		b.Fatalf("MintTicket: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		VerifyTicket(ticket, secret) //nolint:errcheck // benchmark
	}
}
