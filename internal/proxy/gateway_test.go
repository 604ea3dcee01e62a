package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/traceway/traceway/internal/auth"
	"github.com/traceway/traceway/internal/cache"
	"github.com/traceway/traceway/internal/providers"
	"github.com/traceway/traceway/internal/ratelimit"
	"github.com/traceway/traceway/internal/telemetry"
	"github.com/traceway/traceway/internal/tokenizer"
	"github.com/traceway/traceway/internal/translate"
	"github.com/traceway/traceway/internal/wallet"
)

// --- helpers ----------------------------------------------------------------

type funcProvider struct {
	name      string
	requestFn func(ctx context.Context, req *providers.Request) (*providers.Response, error)
}

func (p *funcProvider) Name() string                          { return p.name }
func (p *funcProvider) HealthCheck(ctx context.Context) error { return nil }
func (p *funcProvider) Request(ctx context.Context, req *providers.Request) (*providers.Response, error) {
	return p.requestFn(ctx, req)
}

// okProvider always returns a successful response.
func okProvider(name string) *funcProvider {
	return &funcProvider{
		name: name,
		requestFn: func(_ context.Context, req *providers.Request) (*providers.Response, error) {
			return &providers.Response{
				Chat: &translate.ChatResponse{
					ID:    "resp-" + req.RequestID,
					Model: req.Chat.Model,
					Choices: []translate.Choice{{
						Message:      translate.Message{Role: "assistant", Content: "hello from " + name},
						FinishReason: "stop",
					}},
					Usage: translate.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
				},
			}, nil
		},
	}
}

// streamProvider returns a canned frame stream.
func streamProvider(name string, frames []translate.Frame) *funcProvider {
	return &funcProvider{
		name: name,
		requestFn: func(_ context.Context, _ *providers.Request) (*providers.Response, error) {
			ch := make(chan translate.Frame, len(frames))
			for _, f := range frames {
				ch <- f
			}
			close(ch)
			return &providers.Response{Stream: ch}, nil
		},
	}
}

// liveStreamProvider emits frames from a goroutine tied to the request
// context, the way the SDK-backed providers do. The small channel buffer
// keeps the producer at most a few frames ahead of the consumer.
func liveStreamProvider(name string, n int, interval time.Duration) *funcProvider {
	return &funcProvider{
		name: name,
		requestFn: func(ctx context.Context, _ *providers.Request) (*providers.Response, error) {
			ch := make(chan translate.Frame, 4)
			go func() {
				defer close(ch)
				for i := 0; i < n; i++ {
					select {
					case <-ctx.Done():
						return
					case <-time.After(interval):
					}
					if !providers.SendFrame(ctx, ch, translate.Frame{Content: fmt.Sprintf("tok%d ", i)}) {
						return
					}
				}
				providers.SendFrame(ctx, ch, translate.Frame{Done: true})
			}()
			return &providers.Response{Stream: ch}, nil
		},
	}
}

// stubKeystore holds identities keyed by key hash.
type stubKeystore struct {
	identities map[string]*auth.Identity
}

func (s *stubKeystore) Lookup(_ context.Context, keyHash string) (*auth.Identity, error) {
	id, ok := s.identities[keyHash]
	if !ok {
		return nil, auth.ErrUnauthorized
	}
	return id, nil
}

// stubBalances is a fixed wallet balance store.
type stubBalances struct {
	cents map[string]int64
}

func (s *stubBalances) Balance(_ context.Context, orgID string) (int64, error) {
	cents, ok := s.cents[orgID]
	if !ok {
		return 0, wallet.ErrNoWallet
	}
	return cents, nil
}

// captureEnqueuer records everything emitted by the telemetry producer.
type captureEnqueuer struct {
	mu   sync.Mutex
	recs []*telemetry.LogRecord
}

func (c *captureEnqueuer) Enqueue(_ context.Context, rec *telemetry.LogRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
	return nil
}

func (c *captureEnqueuer) records() []*telemetry.LogRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*telemetry.LogRecord, len(c.recs))
	copy(out, c.recs)
	return out
}

const testKey = "sk-test-key-0001"

func testResolver(ident *auth.Identity) *auth.Resolver {
	return auth.NewResolver(&stubKeystore{
		identities: map[string]*auth.Identity{
			auth.HashKey(testKey): ident,
		},
	})
}

func testIdentity() *auth.Identity {
	return &auth.Identity{OrgID: "org-1", KeyID: "key-1", Region: "us"}
}

func newTestGateway(t *testing.T, provs map[string]providers.Provider, ident *auth.Identity) *Gateway {
	t.Helper()
	gw := NewGateway(context.Background(), provs, translate.NewRegistry(), testResolver(ident))
	gw.SetRateLimiter(ratelimit.NewMemoryLimiter())
	gw.SetTokenizer(tokenizer.NewPool())
	return gw
}

// serveGateway starts a fasthttp server on an in-memory listener with the
// gateway's full middleware pipeline and returns an HTTP client that routes
// to it.
func serveGateway(t *testing.T, gw *Gateway) *http.Client {
	t.Helper()
	return serveHandler(t, gw.Handler(nil))
}

func serveHandler(t *testing.T, h fasthttp.RequestHandler) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	go func() {
		_ = fasthttp.Serve(ln, h)
	}()
	t.Cleanup(func() { ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func chatBody(model string, stream bool) []byte {
	body, _ := json.Marshal(map[string]any{
		"model":    model,
		"messages": []map[string]string{{"role": "user", "content": "Hello"}},
		"stream":   stream,
	})
	return body
}

func doChat(t *testing.T, client *http.Client, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", "http://test/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// --- construction -----------------------------------------------------------

func TestNewGateway_PanicsOnNilContext(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil context")
		}
	}()
	NewGateway(nil, nil, nil, nil)
}

// --- auth -------------------------------------------------------------------

func TestDispatch_MissingKeyIs401(t *testing.T) {
	gw := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, testIdentity())
	client := serveGateway(t, gw)

	req, _ := http.NewRequest("POST", "http://test/v1/chat/completions", bytes.NewReader(chatBody("gpt-4o", false)))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestDispatch_UnknownKeyIs401(t *testing.T) {
	gw := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, testIdentity())
	client := serveGateway(t, gw)

	req, _ := http.NewRequest("POST", "http://test/v1/chat/completions", bytes.NewReader(chatBody("gpt-4o", false)))
	req.Header.Set("Authorization", "Bearer sk-some-other-key")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	var env struct {
		Error struct {
			Type string `json:"type"`
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err == nil {
		if env.Error.Code != "invalid_api_key" {
			t.Errorf("expected invalid_api_key code, got %q", env.Error.Code)
		}
	}
}

func TestDispatch_HeliconeAuthHeader(t *testing.T) {
	gw := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, testIdentity())
	client := serveGateway(t, gw)

	req, _ := http.NewRequest("POST", "http://test/v1/chat/completions", bytes.NewReader(chatBody("gpt-4o", false)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Helicone-Auth", "Bearer "+testKey)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 via Helicone-Auth, got %d", resp.StatusCode)
	}
}

func TestDispatch_RevokedKeyIs401(t *testing.T) {
	ident := testIdentity()
	ident.Revoked = true
	gw := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, ident)
	client := serveGateway(t, gw)

	resp := doChat(t, client, chatBody("gpt-4o", false), nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for revoked key, got %d", resp.StatusCode)
	}
}

// --- success path -----------------------------------------------------------

func TestDispatch_Success(t *testing.T) {
	gw := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, testIdentity())
	client := serveGateway(t, gw)

	resp := doChat(t, client, chatBody("gpt-4o", false), nil)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if out.Object != "chat.completion" {
		t.Errorf("expected chat.completion object, got %q", out.Object)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content != "hello from openai" {
		t.Errorf("unexpected choices: %+v", out.Choices)
	}
	if out.Usage.TotalTokens != 15 {
		t.Errorf("expected 15 total tokens, got %d", out.Usage.TotalTokens)
	}

	// Rate-limit headers are present on successful responses too.
	if resp.Header.Get("Helicone-RateLimit-Limit") == "" {
		t.Error("expected rate-limit headers on a successful response")
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
}

func TestDispatch_UnknownModelIs400(t *testing.T) {
	gw := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, testIdentity())
	client := serveGateway(t, gw)

	resp := doChat(t, client, chatBody("llama-70b", false), nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unmapped model, got %d", resp.StatusCode)
	}
}

func TestDispatch_InvalidJSONIs400(t *testing.T) {
	gw := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, testIdentity())
	client := serveGateway(t, gw)

	resp := doChat(t, client, []byte("{not json"), nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

// --- rate limiting ----------------------------------------------------------

func TestDispatch_QuotaExhaustionReturns429(t *testing.T) {
	gw := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, testIdentity())
	client := serveGateway(t, gw)

	headers := map[string]string{"Helicone-RateLimit-Policy": "100;w=60;u=requests"}

	for i := 0; i < 100; i++ {
		resp := doChat(t, client, chatBody("gpt-4o", false), headers)
		readBody(t, resp)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, resp.StatusCode)
		}
	}

	resp := doChat(t, client, chatBody("gpt-4o", false), headers)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on request 101, got %d: %s", resp.StatusCode, body)
	}
	if got := resp.Header.Get("Helicone-RateLimit-Remaining"); got != "0" {
		t.Errorf("expected Remaining 0, got %q", got)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header on 429")
	}
	if !strings.Contains(string(body), "rate limit exceeded") {
		t.Errorf("expected rate limit message, got %s", body)
	}
}

func TestDispatch_MalformedPolicyHeaderIs400(t *testing.T) {
	gw := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, testIdentity())
	client := serveGateway(t, gw)

	resp := doChat(t, client, chatBody("gpt-4o", false),
		map[string]string{"Helicone-RateLimit-Policy": "100;w=sixty"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed policy, got %d", resp.StatusCode)
	}
}

func TestDispatch_MalformedStoredPolicyFallsBackToDefault(t *testing.T) {
	ident := testIdentity()
	ident.PolicyRaw = "not-a-policy"
	gw := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, ident)
	client := serveGateway(t, gw)

	resp := doChat(t, client, chatBody("gpt-4o", false), nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 under default policy, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Helicone-RateLimit-Limit"); got != "1000" {
		t.Errorf("expected default limit 1000, got %q", got)
	}
}

// failingLimiter simulates a limiter whose backing store is unreachable:
// it admits but reports the failure.
type failingLimiter struct{}

func (failingLimiter) Check(_ context.Context, _ string, p ratelimit.Policy) (ratelimit.Decision, error) {
	return ratelimit.Decision{Limited: false, Limit: p.MaxCount, Remaining: p.MaxCount},
		errors.New("limiter store unreachable")
}

func TestDispatch_DegradedLimiterAdmits(t *testing.T) {
	gw := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, testIdentity())
	gw.SetRateLimiter(failingLimiter{})
	client := serveGateway(t, gw)

	resp := doChat(t, client, chatBody("gpt-4o", false), nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected admission while the limiter is degraded, got %d", resp.StatusCode)
	}
	// No headers: the window state is unknown, so none is advertised.
	if got := resp.Header.Get("Helicone-RateLimit-Limit"); got != "" {
		t.Errorf("expected no rate-limit headers, got limit %q", got)
	}
}

// --- wallet -----------------------------------------------------------------

func TestDispatch_EmptyWalletIs402(t *testing.T) {
	gw := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, testIdentity())
	gw.SetWallet(wallet.NewService(&stubBalances{cents: map[string]int64{"org-1": 0}}))
	client := serveGateway(t, gw)

	resp := doChat(t, client, chatBody("gpt-4o", false), nil)
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "org-1") {
		t.Errorf("expected org id in body, got %s", body)
	}
}

func TestDispatch_UnmeteredOrgPasses(t *testing.T) {
	gw := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, testIdentity())
	gw.SetWallet(wallet.NewService(&stubBalances{cents: map[string]int64{}}))
	client := serveGateway(t, gw)

	resp := doChat(t, client, chatBody("gpt-4o", false), nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for unmetered org, got %d", resp.StatusCode)
	}
}

// --- caching ----------------------------------------------------------------

func TestDispatch_CacheHitSecondRequest(t *testing.T) {
	calls := 0
	prov := &funcProvider{
		name: "openai",
		requestFn: func(_ context.Context, req *providers.Request) (*providers.Response, error) {
			calls++
			return okProvider("openai").requestFn(context.Background(), req)
		},
	}

	gw := newTestGateway(t, map[string]providers.Provider{"openai": prov}, testIdentity())
	rs := cache.NewRegionalStore(cache.NewMemoryCache(context.Background()))
	gw.SetCache(rs)
	client := serveGateway(t, gw)

	headers := map[string]string{"Helicone-Cache-Enabled": "true"}

	resp := doChat(t, client, chatBody("gpt-4o", false), headers)
	readBody(t, resp)
	if got := resp.Header.Get("Helicone-Cache"); got != "MISS" {
		t.Fatalf("expected MISS on first request, got %q", got)
	}

	resp = doChat(t, client, chatBody("gpt-4o", false), headers)
	body := readBody(t, resp)
	if got := resp.Header.Get("Helicone-Cache"); got != "HIT" {
		t.Fatalf("expected HIT on second request, got %q", got)
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 upstream call, got %d", calls)
	}
	if !strings.Contains(string(body), "hello from openai") {
		t.Errorf("cached body mismatch: %s", body)
	}
}

func TestDispatch_CacheDisabledByDefault(t *testing.T) {
	calls := 0
	prov := &funcProvider{
		name: "openai",
		requestFn: func(_ context.Context, req *providers.Request) (*providers.Response, error) {
			calls++
			return okProvider("openai").requestFn(context.Background(), req)
		},
	}

	gw := newTestGateway(t, map[string]providers.Provider{"openai": prov}, testIdentity())
	gw.SetCache(cache.NewRegionalStore(cache.NewMemoryCache(context.Background())))
	client := serveGateway(t, gw)

	for i := 0; i < 2; i++ {
		resp := doChat(t, client, chatBody("gpt-4o", false), nil)
		readBody(t, resp)
	}
	if calls != 2 {
		t.Errorf("expected 2 upstream calls without opt-in header, got %d", calls)
	}
}

func TestDispatch_RegionsDoNotShareCache(t *testing.T) {
	gw := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, testIdentity())
	rs := cache.NewRegionalStore(cache.NewMemoryCache(context.Background()))
	rs.Register("us", cache.NewMemoryCache(context.Background()))
	rs.Register("eu", cache.NewMemoryCache(context.Background()))
	gw.SetCache(rs)
	client := serveGateway(t, gw)

	headers := map[string]string{"Helicone-Cache-Enabled": "true"}

	resp := doChat(t, client, chatBody("gpt-4o", false), headers)
	readBody(t, resp)

	// Same request again for the same identity (us region): HIT.
	resp = doChat(t, client, chatBody("gpt-4o", false), headers)
	readBody(t, resp)
	if got := resp.Header.Get("Helicone-Cache"); got != "HIT" {
		t.Fatalf("expected HIT in the same region, got %q", got)
	}

	// The eu backend never saw the entry.
	euCache := rs.ForRegion("eu")
	ident := testIdentity()
	fp := cache.Fingerprint(ident.OrgID, "openai", &translate.ChatRequest{
		Model:    "gpt-4o",
		Messages: []translate.Message{{Role: "user", Content: "Hello"}},
	})
	if _, hit := euCache.Get(context.Background(), fp); hit {
		t.Error("entry leaked into another region's backend")
	}
}

// --- telemetry --------------------------------------------------------------

func TestDispatch_EmitsTelemetryRecord(t *testing.T) {
	capture := &captureEnqueuer{}
	producer, err := telemetry.NewProducer(context.Background(), capture, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	gw := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, testIdentity())
	gw.SetTelemetry(producer)
	client := serveGateway(t, gw)

	resp := doChat(t, client, chatBody("gpt-4o", false), map[string]string{
		"Helicone-Property-Session": "abc",
		"Helicone-User-Id":          "user-9",
	})
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	if err := producer.Close(); err != nil {
		t.Fatal(err)
	}

	recs := capture.records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.OrgID != "org-1" {
		t.Errorf("expected org-1, got %q", rec.OrgID)
	}
	if rec.UserID != "user-9" {
		t.Errorf("expected header user id, got %q", rec.UserID)
	}
	if rec.Provider != "openai" || rec.Model != "gpt-4o" {
		t.Errorf("unexpected provider/model: %q/%q", rec.Provider, rec.Model)
	}
	if rec.TotalTokens != 15 {
		t.Errorf("expected 15 total tokens, got %d", rec.TotalTokens)
	}
	if rec.Status != telemetry.StatusSuccess || rec.StatusCode != 200 {
		t.Errorf("unexpected status: %q/%d", rec.Status, rec.StatusCode)
	}
	if rec.CacheHit {
		t.Error("expected CacheHit=false")
	}
	if rec.Properties["Session"] != "abc" {
		t.Errorf("expected Session property, got %+v", rec.Properties)
	}
	if rec.CostCents <= 0 {
		t.Errorf("expected positive cost, got %d", rec.CostCents)
	}
}

func TestDispatch_CacheHitRecordHasZeroCost(t *testing.T) {
	capture := &captureEnqueuer{}
	producer, err := telemetry.NewProducer(context.Background(), capture, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	gw := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, testIdentity())
	gw.SetCache(cache.NewRegionalStore(cache.NewMemoryCache(context.Background())))
	gw.SetTelemetry(producer)
	client := serveGateway(t, gw)

	headers := map[string]string{"Helicone-Cache-Enabled": "true"}
	for i := 0; i < 2; i++ {
		resp := doChat(t, client, chatBody("gpt-4o", false), headers)
		readBody(t, resp)
	}

	if err := producer.Close(); err != nil {
		t.Fatal(err)
	}

	recs := capture.records()
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	hit := recs[1]
	if !hit.CacheHit {
		t.Fatal("expected second record to be a cache hit")
	}
	if hit.CostCents != 0 {
		t.Errorf("cache hits must cost nothing, got %d", hit.CostCents)
	}
}

// A cached body that no longer decodes is still served verbatim; only the
// usage fields of the telemetry record are lost.
func TestDispatch_CorruptCacheEntryStillServes(t *testing.T) {
	capture := &captureEnqueuer{}
	producer, err := telemetry.NewProducer(context.Background(), capture, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	gw := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, testIdentity())
	rs := cache.NewRegionalStore(cache.NewMemoryCache(context.Background()))
	gw.SetCache(rs)
	gw.SetTelemetry(producer)
	client := serveGateway(t, gw)

	ident := testIdentity()
	fp := cache.Fingerprint(ident.OrgID, "openai", &translate.ChatRequest{
		Model:    "gpt-4o",
		Messages: []translate.Message{{Role: "user", Content: "Hello"}},
	})
	corrupt := []byte("{truncated")
	if err := rs.Set(context.Background(), ident.Region, fp, corrupt, time.Minute); err != nil {
		t.Fatal(err)
	}

	resp := doChat(t, client, chatBody("gpt-4o", false),
		map[string]string{"Helicone-Cache-Enabled": "true"})
	body := readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Helicone-Cache"); got != "HIT" {
		t.Fatalf("expected HIT, got %q", got)
	}
	if !bytes.Equal(body, corrupt) {
		t.Errorf("cached body must be served as stored, got %s", body)
	}

	if err := producer.Close(); err != nil {
		t.Fatal(err)
	}
	recs := capture.records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if !recs[0].CacheHit {
		t.Error("expected cache-hit record")
	}
	if recs[0].TotalTokens != 0 {
		t.Errorf("undecodable entry cannot carry usage, got %d tokens", recs[0].TotalTokens)
	}
}

// --- streaming --------------------------------------------------------------

func TestDispatch_StreamingEmitsSSEWithSingleDone(t *testing.T) {
	frames := []translate.Frame{
		{Role: "assistant"},
		{Content: "Hel"},
		{Content: "lo"},
		{FinishReason: "stop", Usage: &translate.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}},
		{Done: true},
	}

	capture := &captureEnqueuer{}
	producer, err := telemetry.NewProducer(context.Background(), capture, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	gw := newTestGateway(t, map[string]providers.Provider{"openai": streamProvider("openai", frames)}, testIdentity())
	gw.SetTelemetry(producer)
	client := serveGateway(t, gw)

	resp := doChat(t, client, chatBody("gpt-4o", true), nil)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Errorf("expected SSE content type, got %q", ct)
	}

	text := string(body)
	if got := strings.Count(text, "data: [DONE]"); got != 1 {
		t.Fatalf("expected exactly one [DONE] terminator, got %d:\n%s", got, text)
	}

	var content strings.Builder
	for _, line := range strings.Split(text, "\n") {
		if !strings.HasPrefix(line, "data: ") || strings.Contains(line, "[DONE]") {
			continue
		}
		var chunk struct {
			Object  string `json:"object"`
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(line[len("data: "):]), &chunk); err != nil {
			t.Fatalf("bad chunk %q: %v", line, err)
		}
		if chunk.Object != "chat.completion.chunk" {
			t.Errorf("expected chunk object, got %q", chunk.Object)
		}
		for _, c := range chunk.Choices {
			content.WriteString(c.Delta.Content)
		}
	}
	if content.String() != "Hello" {
		t.Errorf("expected reassembled 'Hello', got %q", content.String())
	}

	if err := producer.Close(); err != nil {
		t.Fatal(err)
	}
	recs := capture.records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if !recs[0].Streamed {
		t.Error("expected streamed record")
	}
	if recs[0].TotalTokens != 5 {
		t.Errorf("expected vendor usage 5, got %d", recs[0].TotalTokens)
	}
	if recs[0].FirstByteAt.IsZero() {
		t.Error("expected first-byte timestamp")
	}
}

// The body writer runs after the handler returns, so a provider still
// producing frames at that point must not lose its context.
func TestDispatch_StreamingDeliversLiveFrames(t *testing.T) {
	const frames = 10
	gw := newTestGateway(t, map[string]providers.Provider{
		"openai": liveStreamProvider("openai", frames, 15*time.Millisecond),
	}, testIdentity())
	client := serveGateway(t, gw)

	resp := doChat(t, client, chatBody("gpt-4o", true), nil)
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	text := string(body)
	if got := strings.Count(text, "data: [DONE]"); got != 1 {
		t.Fatalf("expected one [DONE] terminator, got %d:\n%s", got, text)
	}
	for i := 0; i < frames; i++ {
		if !strings.Contains(text, fmt.Sprintf("tok%d ", i)) {
			t.Fatalf("frame %d missing from stream:\n%s", i, text)
		}
	}
}

func TestDispatch_ClientDisconnectMidStream(t *testing.T) {
	producerDone := make(chan struct{})
	prov := &funcProvider{
		name: "openai",
		requestFn: func(ctx context.Context, _ *providers.Request) (*providers.Response, error) {
			ch := make(chan translate.Frame, 2)
			go func() {
				defer close(ch)
				defer close(producerDone)
				for {
					select {
					case <-ctx.Done():
						return
					case <-time.After(5 * time.Millisecond):
					}
					if !providers.SendFrame(ctx, ch, translate.Frame{Content: "chunk "}) {
						return
					}
				}
			}()
			return &providers.Response{Stream: ch}, nil
		},
	}

	capture := &captureEnqueuer{}
	producer, err := telemetry.NewProducer(context.Background(), capture, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	gw := newTestGateway(t, map[string]providers.Provider{"openai": prov}, testIdentity())
	gw.SetTelemetry(producer)
	client := serveGateway(t, gw)

	reqCtx, cancelReq := context.WithCancel(context.Background())
	defer cancelReq()
	req, err := http.NewRequestWithContext(reqCtx, "POST",
		"http://test/v1/chat/completions", bytes.NewReader(chatBody("gpt-4o", true)))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testKey)

	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}

	// Read the first chunk, then walk away mid-stream.
	buf := make([]byte, 64)
	if _, err := io.ReadAtLeast(resp.Body, buf, 1); err != nil {
		t.Fatal(err)
	}
	cancelReq()
	resp.Body.Close()

	// The upstream producer must stop once the writer notices the disconnect.
	select {
	case <-producerDone:
	case <-time.After(3 * time.Second):
		t.Fatal("stream producer still running after client disconnect")
	}

	// A best-effort record with partial usage is still flushed.
	if err := producer.Close(); err != nil {
		t.Fatal(err)
	}
	recs := capture.records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if !recs[0].Streamed {
		t.Error("expected streamed record")
	}
	if recs[0].TotalTokens == 0 {
		t.Error("expected partial usage in the record")
	}
}

// --- provider errors --------------------------------------------------------

type coded struct {
	status int
	msg    string
}

func (e *coded) Error() string   { return e.msg }
func (e *coded) HTTPStatus() int { return e.status }

func TestDispatch_ProviderErrorStatusPassthrough(t *testing.T) {
	prov := &funcProvider{
		name: "openai",
		requestFn: func(_ context.Context, _ *providers.Request) (*providers.Response, error) {
			return nil, &coded{status: 429, msg: "upstream rate limited"}
		},
	}
	gw := newTestGateway(t, map[string]providers.Provider{"openai": prov}, testIdentity())
	client := serveGateway(t, gw)

	resp := doChat(t, client, chatBody("gpt-4o", false), nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 passthrough, got %d", resp.StatusCode)
	}
}

func TestDispatch_ProviderTransportErrorIs502(t *testing.T) {
	prov := &funcProvider{
		name: "openai",
		requestFn: func(_ context.Context, _ *providers.Request) (*providers.Response, error) {
			return nil, fmt.Errorf("connection refused")
		},
	}
	gw := newTestGateway(t, map[string]providers.Provider{"openai": prov}, testIdentity())
	client := serveGateway(t, gw)

	resp := doChat(t, client, chatBody("gpt-4o", false), nil)
	readBody(t, resp)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
}

// --- usage fallback ---------------------------------------------------------

func TestDispatch_UsageFallbackWhenVendorOmitsIt(t *testing.T) {
	prov := &funcProvider{
		name: "openai",
		requestFn: func(_ context.Context, req *providers.Request) (*providers.Response, error) {
			return &providers.Response{
				Chat: &translate.ChatResponse{
					ID:    "resp-1",
					Model: req.Chat.Model,
					Choices: []translate.Choice{{
						Message: translate.Message{Role: "assistant", Content: "four words of output"},
					}},
				},
			}, nil
		},
	}
	gw := newTestGateway(t, map[string]providers.Provider{"openai": prov}, testIdentity())
	client := serveGateway(t, gw)

	resp := doChat(t, client, chatBody("gpt-4o", false), nil)
	body := readBody(t, resp)

	var out struct {
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Usage.TotalTokens == 0 {
		t.Error("expected locally counted usage when vendor omits it")
	}
	if out.Usage.TotalTokens != out.Usage.PromptTokens+out.Usage.CompletionTokens {
		t.Errorf("inconsistent usage: %+v", out.Usage)
	}
}

func TestPricing_RoundsUp(t *testing.T) {
	if got := costCents("gpt-4o-mini", 1, 1); got != 1 {
		t.Errorf("fractional cost should round up to 1 cent, got %d", got)
	}
	if got := costCents("gpt-4o", 1_000_000, 0); got != 250 {
		t.Errorf("expected 250 cents for 1M input tokens, got %d", got)
	}
	if got := costCents("unknown-model", 0, 0); got != 0 {
		t.Errorf("zero usage should cost 0, got %d", got)
	}
}
