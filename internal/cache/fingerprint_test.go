package cache

import (
	"context"
	"testing"
	"time"

	"github.com/traceway/traceway/internal/translate"
)

func sampleRequest() *translate.ChatRequest {
	return &translate.ChatRequest{
		Model: "gpt-4o",
		Messages: []translate.Message{
			{Role: "system", Content: "You are terse."},
			{Role: "user", Content: "What is the capital of France?"},
		},
		Temperature: 0.7,
		MaxTokens:   128,
	}
}

// TestFingerprintDeterministic verifies that the same semantic request always
// produces the same key across independently built structs.
func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("org-1", "openai", sampleRequest())
	b := Fingerprint("org-1", "openai", sampleRequest())
	if a != b {
		t.Fatalf("fingerprints differ for identical requests: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}

// TestFingerprintIgnoresIncidentalWhitespace verifies that formatting-only
// differences inside message content do not change the key.
func TestFingerprintIgnoresIncidentalWhitespace(t *testing.T) {
	a := sampleRequest()
	b := sampleRequest()
	b.Messages[1].Content = "What  is the capital\nof France?"

	if Fingerprint("org-1", "openai", a) != Fingerprint("org-1", "openai", b) {
		t.Fatal("whitespace-only difference changed the fingerprint")
	}
}

// TestFingerprintSensitiveToContent verifies that semantic changes produce
// distinct keys.
func TestFingerprintSensitiveToContent(t *testing.T) {
	base := Fingerprint("org-1", "openai", sampleRequest())

	modified := sampleRequest()
	modified.Messages[1].Content = "What is the capital of Spain?"
	if Fingerprint("org-1", "openai", modified) == base {
		t.Fatal("different message content produced the same fingerprint")
	}

	modified = sampleRequest()
	modified.Model = "gpt-4o-mini"
	if Fingerprint("org-1", "openai", modified) == base {
		t.Fatal("different model produced the same fingerprint")
	}

	modified = sampleRequest()
	modified.MaxTokens = 256
	if Fingerprint("org-1", "openai", modified) == base {
		t.Fatal("different max_tokens produced the same fingerprint")
	}
}

// TestFingerprintScopedToOrg verifies that identical requests from different
// organizations never share a cache entry.
func TestFingerprintScopedToOrg(t *testing.T) {
	a := Fingerprint("org-1", "openai", sampleRequest())
	b := Fingerprint("org-2", "openai", sampleRequest())
	if a == b {
		t.Fatal("fingerprint must differ across organizations")
	}
}

// TestFingerprintFieldBoundaries guards against adjacent-field collisions:
// shifting a character between two consecutive string fields must change the
// hash.
func TestFingerprintFieldBoundaries(t *testing.T) {
	a := &translate.ChatRequest{Model: "m", Messages: []translate.Message{{Role: "userx", Content: "y"}}}
	b := &translate.ChatRequest{Model: "m", Messages: []translate.Message{{Role: "user", Content: "xy"}}}
	if Fingerprint("org-1", "openai", a) == Fingerprint("org-1", "openai", b) {
		t.Fatal("field boundary collision")
	}
}

// TestRegionalIsolation verifies that a key written through one region is not
// visible through another, and that unknown regions fall back to the default
// store.
func TestRegionalIsolation(t *testing.T) {
	ctx := context.Background()

	def := NewMemoryCache(ctx)
	eu := NewMemoryCache(ctx)
	t.Cleanup(func() { def.Close(); eu.Close() })

	rs := NewRegionalStore(def)
	rs.Register("eu", eu)

	if err := rs.Set(ctx, "eu", "k1", []byte("eu-value"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, ok := rs.Get(ctx, "us", "k1"); ok {
		t.Fatal("key written in eu must not be readable from another region")
	}
	if _, ok := rs.Get(ctx, "", "k1"); ok {
		t.Fatal("key written in eu must not be readable from the default store")
	}

	got, ok := rs.Get(ctx, "eu", "k1")
	if !ok || string(got) != "eu-value" {
		t.Fatalf("eu read = (%q, %v), want (eu-value, true)", got, ok)
	}

	// Unregistered region tags share the default store.
	if err := rs.Set(ctx, "ap", "k2", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := rs.Get(ctx, "", "k2"); !ok {
		t.Fatal("unregistered region should fall back to the default store")
	}
}
