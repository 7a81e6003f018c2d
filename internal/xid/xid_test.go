package xid

import (
	"strings"
	"testing"
	"time"
)

func TestNewIsUniqueAndOpaque(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		if id == "" {
			t.Fatalf("empty id")
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestTransactionCodeDerivesFromTime(t *testing.T) {
	at := time.UnixMilli(1700000000000)
	if got := TransactionCode(at); got != "NALA-1700000000000" {
		t.Fatalf("expected NALA-1700000000000, got %q", got)
	}
	if !strings.HasPrefix(TransactionCode(time.Now()), "NALA-") {
		t.Fatalf("transaction codes must carry the NALA- prefix")
	}
}
