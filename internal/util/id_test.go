package util

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewID(t *testing.T) {
	plain := NewID("")
	if _, err := uuid.Parse(plain); err != nil {
		t.Fatalf("expected bare uuid, got %q: %v", plain, err)
	}

	prefixed := NewID("card")
	if !strings.HasPrefix(prefixed, "card_") {
		t.Fatalf("expected card_ prefix, got %q", prefixed)
	}
	if _, err := uuid.Parse(strings.TrimPrefix(prefixed, "card_")); err != nil {
		t.Fatalf("expected uuid after prefix, got %q: %v", prefixed, err)
	}
	if NewID("card") == prefixed {
		t.Fatal("expected distinct ids")
	}
}
