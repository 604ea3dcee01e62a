package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/traceway/traceway/internal/translate"
)

// Fingerprint computes the cache key for a canonical request on behalf of
// orgID. The hash covers only semantic fields, written in a fixed order, so
// any two requests with identical content produce the same key no matter how
// the original JSON was formatted or how its fields were ordered on the wire.
//
// orgID is part of the hash: cached responses are never shared across
// organizations.
func Fingerprint(orgID, provider string, req *translate.ChatRequest) string {
	h := sha256.New()

	writeField(h, "org", orgID)
	writeField(h, "provider", provider)
	writeField(h, "model", req.Model)

	if req.Temperature != 0 {
		writeField(h, "temperature", fmt.Sprintf("%.6f", req.Temperature))
	}
	if req.MaxTokens > 0 {
		writeField(h, "max_tokens", fmt.Sprintf("%d", req.MaxTokens))
	}
	for _, s := range req.StopSequences {
		writeField(h, "stop", s)
	}

	for _, m := range req.Messages {
		writeField(h, "message", m.Role+"\x1f"+normalizeContent(m.Content))
	}

	for _, t := range req.Tools {
		writeField(h, "tool", t.Name+"\x1f"+t.Description+"\x1f"+string(t.Parameters))
	}

	return hex.EncodeToString(h.Sum(nil))
}

// writeField writes a length-prefixed labeled value so that adjacent fields
// cannot collide ("ab"+"c" vs "a"+"bc").
func writeField(h interface{ Write(p []byte) (int, error) }, label, value string) {
	fmt.Fprintf(h, "%s:%d:", label, len(value))
	h.Write([]byte(value))
}

// normalizeContent collapses runs of whitespace inside message content so
// that incidental formatting differences do not defeat the cache.
func normalizeContent(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
