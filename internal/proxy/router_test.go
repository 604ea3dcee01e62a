package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/valyala/fasthttp"

	"github.com/traceway/traceway/internal/providers"
	"github.com/traceway/traceway/internal/translate"
)

// --- handleHealth -----------------------------------------------------------

func TestHandleHealth_ListsProviders(t *testing.T) {
	provs := map[string]providers.Provider{
		"openai":    okProvider("openai"),
		"anthropic": okProvider("anthropic"),
	}
	gw := NewGateway(context.Background(), provs, translate.NewRegistry(), nil)

	ctx := &fasthttp.RequestCtx{}
	gw.handleHealth(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200, got %d", ctx.Response.StatusCode())
	}

	var resp struct {
		Status    string   `json:"status"`
		Providers []string `json:"providers"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("failed to parse health response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected status=ok, got %q", resp.Status)
	}
	if len(resp.Providers) != 2 {
		t.Errorf("expected 2 providers, got %v", resp.Providers)
	}
}

// --- handleReadiness --------------------------------------------------------

func TestHandleReadiness_NoProbe(t *testing.T) {
	gw := NewGateway(context.Background(), nil, translate.NewRegistry(), nil)

	ctx := &fasthttp.RequestCtx{}
	gw.handleReadiness(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Errorf("expected 200 without a probe, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleReadiness_ProbeFailure(t *testing.T) {
	gw := NewGateway(context.Background(), nil, translate.NewRegistry(), nil)
	gw.SetCacheReadyProbe(func() bool { return false })

	ctx := &fasthttp.RequestCtx{}
	gw.handleReadiness(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", ctx.Response.StatusCode())
	}

	var resp map[string]string
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "unavailable" {
		t.Errorf("expected status=unavailable, got %q", resp["status"])
	}
}

// --- routing ----------------------------------------------------------------

func TestHandler_UnknownRouteIs404(t *testing.T) {
	gw := newTestGateway(t, map[string]providers.Provider{"openai": okProvider("openai")}, testIdentity())
	client := serveGateway(t, gw)

	req, _ := http.NewRequest("GET", "http://test/v1/nope", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestHandler_MetricsRouteOptional(t *testing.T) {
	gw := newTestGateway(t, nil, testIdentity())
	client := serveGateway(t, gw)

	req, _ := http.NewRequest("GET", "http://test/metrics", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("metrics route should be absent without management routes, got %d", resp.StatusCode)
	}
}

func TestHandler_MetricsRouteRegistered(t *testing.T) {
	gw := newTestGateway(t, nil, testIdentity())
	client := serveHandler(t, gw.Handler(&ManagementRoutes{
		Metrics: func(ctx *fasthttp.RequestCtx) {
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBodyString("# metrics")
		},
	}))

	req, _ := http.NewRequest("GET", "http://test/metrics", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 from metrics route, got %d", resp.StatusCode)
	}
}

// --- writeJSON --------------------------------------------------------------

func TestWriteJSON(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	writeJSON(ctx, map[string]string{"key": "value"})

	if string(ctx.Response.Header.ContentType()) != "application/json" {
		t.Errorf("expected application/json, got %s", string(ctx.Response.Header.ContentType()))
	}

	var resp map[string]string
	if err := json.Unmarshal(ctx.Response.Body(), &resp); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	if resp["key"] != "value" {
		t.Errorf("expected key=value, got %v", resp["key"])
	}
}
