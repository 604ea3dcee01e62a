// Package proxy is the core LLM request dispatcher.
//
// The Gateway receives an incoming OpenAI-compatible request, authenticates
// the caller, applies the organization's rate-limit policy and wallet
// pre-check, consults the response cache, and forwards the request to the
// provider resolved from the model name (or to an explicit target URL).
// Every completed request emits a telemetry record onto the durable queue.
//
// Key design constraints:
//   - No blocking I/O on the hot path beyond the upstream call itself.
//   - Rate limiter, wallet, cache, and telemetry are optional and nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are re-emitted as canonical SSE; never cached.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/traceway/traceway/internal/auth"
	"github.com/traceway/traceway/internal/cache"
	"github.com/traceway/traceway/internal/metrics"
	"github.com/traceway/traceway/internal/providers"
	"github.com/traceway/traceway/internal/providers/passthrough"
	"github.com/traceway/traceway/internal/ratelimit"
	"github.com/traceway/traceway/internal/telemetry"
	"github.com/traceway/traceway/internal/tokenizer"
	"github.com/traceway/traceway/internal/translate"
	"github.com/traceway/traceway/internal/wallet"
	"github.com/traceway/traceway/pkg/apierr"
)

const (
	cacheHIT  = "HIT"
	cacheMISS = "MISS"

	headerAuth          = "Helicone-Auth"
	headerPolicy        = "Helicone-RateLimit-Policy"
	headerCacheEnabled  = "Helicone-Cache-Enabled"
	headerCacheHeader   = "Helicone-Cache"
	headerTargetURL     = "Helicone-Target-Url"
	headerTargetDialect = "Helicone-Target-Dialect"
	headerUserID        = "Helicone-User-Id"
	headerPropertyPre   = "Helicone-Property-"
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events. Defaults to
	// slog.Default when nil.
	Logger *slog.Logger

	// ProviderTimeout is the per-provider request timeout.
	// Default: providers.ProviderTimeout (30s).
	ProviderTimeout time.Duration

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// CacheTTL controls the default TTL for cached responses. Default: 1h.
	CacheTTL time.Duration
}

// Gateway is the main proxy — all dependencies are injected via the
// constructor or nil-safe setters so they can be replaced with doubles in
// unit tests.
type Gateway struct {
	providers map[string]providers.Provider
	registry  *translate.Registry
	resolver  *auth.Resolver
	baseCtx   context.Context
	log       *slog.Logger
	metrics   *metrics.Registry

	providerTimeout time.Duration
	cacheTTL        time.Duration
	defaultPolicy   ratelimit.Policy

	// Optional dependencies — nil-safe when not configured.
	limiter    ratelimit.Limiter
	wallet     *wallet.Service
	store      *cache.RegionalStore
	exclusions *cache.ExclusionList
	tokens     *tokenizer.Pool
	producer   *telemetry.Producer

	// CORS allowed origins. Empty slice means allow all.
	corsOrigins []string

	cacheReady func() bool
}

// NewGateway creates a Gateway with default settings.
func NewGateway(ctx context.Context, provs map[string]providers.Provider, reg *translate.Registry, resolver *auth.Resolver) *Gateway {
	return NewGatewayWithOptions(ctx, provs, reg, resolver, GatewayOptions{})
}

// NewGatewayWithOptions creates a fully configured Gateway.
func NewGatewayWithOptions(
	baseCtx context.Context,
	provs map[string]providers.Provider,
	reg *translate.Registry,
	resolver *auth.Resolver,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	if reg == nil {
		reg = translate.NewRegistry()
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	providerTimeout := opts.ProviderTimeout
	if providerTimeout <= 0 {
		providerTimeout = providers.ProviderTimeout
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	return &Gateway{
		providers:       provs,
		registry:        reg,
		resolver:        resolver,
		baseCtx:         baseCtx,
		log:             log,
		metrics:         opts.Metrics,
		providerTimeout: providerTimeout,
		cacheTTL:        cacheTTL,
		defaultPolicy:   ratelimit.DefaultPolicy,
	}
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) { g.corsOrigins = origins }

// SetRateLimiter injects the sliding-window rate limiter.
func (g *Gateway) SetRateLimiter(l ratelimit.Limiter) { g.limiter = l }

// SetDefaultPolicy overrides the rate-limit policy applied to organizations
// with no stored policy and no policy header.
func (g *Gateway) SetDefaultPolicy(p ratelimit.Policy) { g.defaultPolicy = p }

// SetWallet injects the prepaid balance gate.
func (g *Gateway) SetWallet(w *wallet.Service) { g.wallet = w }

// SetCache injects the region-partitioned response cache.
func (g *Gateway) SetCache(rs *cache.RegionalStore) { g.store = rs }

// SetCacheExclusions injects the cache exclusion list.
// Requests whose model name matches any rule skip both cache GET and SET.
func (g *Gateway) SetCacheExclusions(el *cache.ExclusionList) { g.exclusions = el }

// SetTokenizer injects the token counting pool used for usage fallbacks and
// wallet estimates.
func (g *Gateway) SetTokenizer(p *tokenizer.Pool) { g.tokens = p }

// SetTelemetry injects the async log record producer.
func (g *Gateway) SetTelemetry(p *telemetry.Producer) { g.producer = p }

// SetCacheReadyProbe injects the readiness probe for the cache backend
// (used by GET /readiness).
func (g *Gateway) SetCacheReadyProbe(probe func() bool) { g.cacheReady = probe }

// dispatchChat is the core handler for POST /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	servedProvider := "unknown"
	cacheLabel := "bypass"
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		if streaming {
			return // finalised by the stream writer
		}
		g.metrics.DecInFlight()
		dur := time.Since(start)
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), dur)
		g.metrics.RecordRequest(servedProvider, ctx.Response.StatusCode())
		g.metrics.ObserveGatewayRequest(servedProvider, route, cacheLabel, dur)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Authenticate. A failed resolve never reaches an upstream provider.
	ident, err := g.resolveIdentity(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			apierr.WriteUnauthorized(ctx, "")
			return
		}
		g.log.ErrorContext(ctx, "auth_store_error",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"credential store unavailable", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	// 2. Resolve the rate-limit policy: the request header wins over the
	// organization's stored policy.
	policy, ok := g.resolvePolicy(ctx, ident)
	if !ok {
		return // resolvePolicy already wrote the 400
	}

	// 3. Admission check. Headers are set on every response, limited or not.
	if g.limiter != nil {
		dec, err := g.limiter.Check(ctx, ident.OrgID, policy)
		if err != nil {
			// Degraded limiter: admit, skip the headers.
			g.log.WarnContext(ctx, "rate_limiter_degraded",
				slog.String("request_id", reqID),
				slog.String("org_id", ident.OrgID),
				slog.String("error", err.Error()),
			)
			if g.metrics != nil {
				g.metrics.RecordRateLimit("error")
			}
		} else {
			setRateLimitHeaders(ctx, dec, policy)
			if dec.Limited {
				if g.metrics != nil {
					g.metrics.RecordRateLimit("blocked")
				}
				g.log.WarnContext(ctx, "rate_limit_exceeded",
					slog.String("request_id", reqID),
					slog.String("org_id", ident.OrgID),
					slog.String("policy", policy.String()),
				)
				apierr.WriteRateLimit(ctx, apierr.RateLimitInfo{
					Limit:     dec.Limit,
					Remaining: dec.Remaining,
					Policy:    policy.String(),
					Reset:     time.Duration(dec.Reset) * time.Second,
				})
				return
			}
			if g.metrics != nil {
				g.metrics.RecordRateLimit("allowed")
			}
		}
	}

	// 4. Parse the inbound OpenAI-shaped body into the canonical request.
	inbound, err := g.registry.Get("openai")
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"no inbound adapter", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	chatReq, warnings, err := inbound.ToCanonicalRequest(ctx.PostBody())
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid request body: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if chatReq.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	for _, w := range warnings {
		g.log.DebugContext(ctx, "request_translation_warning",
			slog.String("request_id", reqID), slog.String("warning", w))
	}

	// 5. Resolve the upstream: explicit target URL override, else model routing.
	prov, providerName, err := g.resolveUpstream(ctx, chatReq.Model)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	servedProvider = providerName

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("org_id", ident.OrgID),
		slog.String("model", chatReq.Model),
		slog.String("provider", providerName),
		slog.Bool("stream", chatReq.Stream),
	)

	// 6. Wallet pre-check. Soft: only a wallet known to be too low blocks.
	promptEstimate := g.estimatePromptTokens(chatReq)
	estCents := estimateCents(chatReq.Model, promptEstimate, chatReq.MaxTokens)
	if g.wallet != nil {
		if !g.wallet.Gate(ctx, ident.OrgID, estCents) {
			if g.metrics != nil {
				g.metrics.WalletBlocked()
			}
			g.log.WarnContext(ctx, "wallet_exhausted",
				slog.String("request_id", reqID),
				slog.String("org_id", ident.OrgID),
			)
			apierr.WriteWalletExhausted(ctx, ident.OrgID)
			g.emitRecord(ctx, ident, chatReq, nil, start, time.Time{},
				fasthttp.StatusPaymentRequired, providerName, false, false, "wallet exhausted")
			return
		}
		if g.metrics != nil {
			g.metrics.WalletAdmitted()
		}
	}

	// 7. Cache lookup — opt-in per request, non-streaming only, excluded
	// models bypass entirely.
	fingerprint := ""
	cacheEligible := g.cacheEligible(ctx, chatReq)
	if cacheEligible {
		fingerprint = cache.Fingerprint(ident.OrgID, providerName, chatReq)
		if body, hit := g.store.Get(ctx, ident.Region, fingerprint); hit {
			cacheLabel = "hit"
			if g.metrics != nil {
				g.metrics.CacheGetHit()
			}
			ctx.Response.Header.Set(headerCacheHeader, cacheHIT)
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBody(body)

			var cachedResp translate.ChatResponse
			if err := json.Unmarshal(body, &cachedResp); err != nil {
				// The body is served as stored either way; only the usage
				// fields of the telemetry record are lost.
				g.log.WarnContext(ctx, "cache_decode_error",
					slog.String("request_id", reqID),
					slog.String("fingerprint", fingerprint),
					slog.String("error", err.Error()),
				)
			}
			// Cache hits are free: no upstream call happened, and the wallet
			// estimate taken at admission is returned in full.
			if g.wallet != nil {
				g.wallet.RecordSpend(ident.OrgID, estCents, 0)
			}
			g.emitRecord(ctx, ident, chatReq, &cachedResp, start, time.Time{},
				fasthttp.StatusOK, providerName, true, false, "")
			return
		}
		cacheLabel = "miss"
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	} else if g.metrics != nil {
		g.metrics.CacheGetBypass()
	}

	// 8. Dispatch upstream. A streaming response outlives this handler:
	// fasthttp runs the body-stream writer after the handler returns, so the
	// provider context must not end with it. The writer owns cancellation in
	// that case; non-streaming calls keep the per-request timeout.
	var (
		provCtx    context.Context
		provCancel context.CancelFunc
	)
	if chatReq.Stream {
		provCtx, provCancel = context.WithCancel(context.WithoutCancel(ctx))
	} else {
		provCtx, provCancel = context.WithTimeout(ctx, g.providerTimeout)
	}

	resp, err := prov.Request(provCtx, &providers.Request{
		Chat:      chatReq,
		OrgID:     ident.OrgID,
		RequestID: reqID,
	})
	if err != nil {
		provCancel()
		if g.metrics != nil {
			g.metrics.RecordError(providerName, classifyError(err))
		}
		g.log.ErrorContext(ctx, "provider_error",
			slog.String("request_id", reqID),
			slog.String("provider", providerName),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		handleProviderError(ctx, err)
		g.emitRecord(ctx, ident, chatReq, nil, start, time.Time{},
			ctx.Response.StatusCode(), providerName, false, false, err.Error())
		return
	}

	// 9a. Streaming — canonical SSE re-emission. Never cached.
	if chatReq.Stream && resp.Stream != nil {
		streaming = true
		g.streamResponse(ctx, ident, chatReq, resp, start, providerName, route, estCents, provCancel)
		return
	}
	defer provCancel()

	// 9b. Non-streaming.
	out := completionEnvelope(resp.Chat)
	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	if cacheEligible {
		if err := g.store.Set(ctx, ident.Region, fingerprint, body, g.cacheTTL); err != nil {
			if g.metrics != nil {
				g.metrics.CacheSetError()
			}
		} else if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
	}

	usage := resp.Chat.Usage
	if usage.TotalTokens == 0 {
		usage = g.fallbackUsage(chatReq, resp.Chat.Content())
		resp.Chat.Usage = usage
	}
	cost := costCents(chatReq.Model, usage.PromptTokens, usage.CompletionTokens)
	if g.wallet != nil {
		g.wallet.RecordSpend(ident.OrgID, estCents, cost)
	}
	if g.metrics != nil {
		g.metrics.AddTokens(providerName, route, usage.PromptTokens, usage.CompletionTokens, false)
	}

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("provider", providerName),
		slog.String("model", resp.Chat.Model),
		slog.Int("prompt_tokens", usage.PromptTokens),
		slog.Int("completion_tokens", usage.CompletionTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.Response.Header.Set(headerCacheHeader, cacheMISS)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)

	g.emitRecordWithRaw(ctx, ident, chatReq, resp.Chat, resp.Raw, start, time.Time{},
		fasthttp.StatusOK, providerName, false, false, "")
}

// streamResponse re-emits canonical frames as client SSE and finalises
// telemetry, metrics, and wallet settlement once the stream drains. cancel
// tears down the provider context; it runs when the body writer finishes,
// which also unblocks the producer goroutine if the client went away early.
func (g *Gateway) streamResponse(
	ctx *fasthttp.RequestCtx,
	ident *auth.Identity,
	chatReq *translate.ChatRequest,
	resp *providers.Response,
	start time.Time,
	providerName, route string,
	estCents int64,
	cancel context.CancelFunc,
) {
	reqID, _ := ctx.UserValue("request_id").(string)
	props := requestProperties(ctx)
	userID := headerUserIDValue(ctx, ident)

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer
		defer cancel()

		fw := translate.NewFrameWriter(w, "chatcmpl-"+reqID, chatReq.Model)

		var (
			sb        strings.Builder
			usage     *translate.Usage
			firstByte time.Time
		)
		for frame := range resp.Stream {
			if firstByte.IsZero() {
				firstByte = time.Now()
				if g.metrics != nil {
					g.metrics.ObserveTTFB(providerName, firstByte.Sub(start))
				}
			}
			sb.WriteString(frame.Content)
			if frame.Usage != nil {
				usage = frame.Usage
			}
			if err := fw.Write(frame); err != nil {
				break
			}
			w.Flush() //nolint:errcheck
		}
		fw.WriteDone() //nolint:errcheck
		w.Flush()      //nolint:errcheck

		// Vendor-reported usage wins; otherwise count locally.
		var u translate.Usage
		if usage != nil {
			u = *usage
		} else {
			u = g.fallbackUsage(chatReq, sb.String())
		}

		cost := costCents(chatReq.Model, u.PromptTokens, u.CompletionTokens)
		if g.wallet != nil {
			g.wallet.RecordSpend(ident.OrgID, estCents, cost)
		}

		dur := time.Since(start)
		if g.metrics != nil {
			g.metrics.ObserveHTTP(route, fasthttp.StatusOK, dur)
			g.metrics.RecordRequest(providerName, fasthttp.StatusOK)
			g.metrics.ObserveGatewayRequest(providerName, route, "bypass", dur)
			g.metrics.AddTokens(providerName, route, u.PromptTokens, u.CompletionTokens, false)
			g.metrics.DecInFlight()
		}

		if g.producer != nil {
			rec := &telemetry.LogRecord{
				RequestID:        parseRequestID(reqID),
				OrgID:            ident.OrgID,
				UserID:           userID,
				Provider:         providerName,
				Model:            chatReq.Model,
				Region:           ident.Region,
				RequestBody:      marshalRequestBody(chatReq),
				StartedAt:        start,
				FirstByteAt:      firstByte,
				CompletedAt:      time.Now(),
				PromptTokens:     u.PromptTokens,
				CompletionTokens: u.CompletionTokens,
				TotalTokens:      u.PromptTokens + u.CompletionTokens,
				CostCents:        cost,
				Status:           telemetry.StatusSuccess,
				StatusCode:       fasthttp.StatusOK,
				Streamed:         true,
				Properties:       props,
			}
			g.producer.Emit(rec)
			if g.metrics != nil {
				g.metrics.RecordLogEnqueued()
			}
		}
	})
}

// resolveIdentity authenticates the Authorization header against the
// credential resolver. A nil resolver rejects everything.
func (g *Gateway) resolveIdentity(ctx *fasthttp.RequestCtx) (*auth.Identity, error) {
	if g.resolver == nil {
		return nil, auth.ErrUnauthorized
	}
	// Helicone-Auth wins so clients can pass their own Authorization header
	// through to the target upstream.
	header := strings.TrimSpace(string(ctx.Request.Header.Peek(headerAuth)))
	if header == "" {
		header = strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	}
	if header == "" {
		return nil, auth.ErrUnauthorized
	}
	return g.resolver.Resolve(ctx, header)
}

// resolvePolicy picks the effective rate-limit policy. A malformed policy in
// the request header is the caller's mistake and yields a 400; a malformed
// stored policy falls back to the default so one bad row can't block an org.
func (g *Gateway) resolvePolicy(ctx *fasthttp.RequestCtx, ident *auth.Identity) (ratelimit.Policy, bool) {
	if raw := strings.TrimSpace(string(ctx.Request.Header.Peek(headerPolicy))); raw != "" {
		p, err := ratelimit.ParsePolicy(raw)
		if err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return ratelimit.Policy{}, false
		}
		return p, true
	}

	stored := strings.TrimSpace(ident.PolicyRaw)
	if stored == "" {
		return g.defaultPolicy, true
	}

	p, err := ratelimit.ParsePolicy(stored)
	if err != nil {
		g.log.WarnContext(ctx, "invalid_stored_policy",
			slog.String("org_id", ident.OrgID),
			slog.String("policy", ident.PolicyRaw),
		)
		return g.defaultPolicy, true
	}
	return p, true
}

// resolveUpstream returns the provider serving this request: the passthrough
// provider when an explicit target URL is set, otherwise the provider routed
// from the model name.
func (g *Gateway) resolveUpstream(ctx *fasthttp.RequestCtx, model string) (providers.Provider, string, error) {
	if target := strings.TrimSpace(string(ctx.Request.Header.Peek(headerTargetURL))); target != "" {
		dialect := strings.TrimSpace(string(ctx.Request.Header.Peek(headerTargetDialect)))
		if dialect == "" {
			if d, ok := providers.ProviderForModel(model); ok {
				dialect = d
			} else {
				dialect = "openai"
			}
		}
		return passthrough.New("passthrough", dialect, target, "", g.registry), "passthrough", nil
	}

	name, ok := providers.ProviderForModel(model)
	if !ok {
		return nil, "", fmt.Errorf("unknown model %q: no provider mapping", model)
	}
	prov, ok := g.providers[name]
	if !ok {
		return nil, "", fmt.Errorf("provider %q is not configured", name)
	}
	return prov, name, nil
}

func (g *Gateway) cacheEligible(ctx *fasthttp.RequestCtx, req *translate.ChatRequest) bool {
	if g.store == nil || req.Stream {
		return false
	}
	if !strings.EqualFold(string(ctx.Request.Header.Peek(headerCacheEnabled)), "true") {
		return false
	}
	if g.exclusions != nil && g.exclusions.Matches(req.Model) {
		return false
	}
	return true
}

func (g *Gateway) estimatePromptTokens(req *translate.ChatRequest) int {
	if g.tokens == nil {
		// ~4 chars per token heuristic.
		total := 0
		for _, m := range req.Messages {
			total += len(m.Content)/4 + 4
		}
		return total
	}
	texts := make([]string, len(req.Messages))
	for i, m := range req.Messages {
		texts[i] = m.Content
	}
	return g.tokens.CountConversation(req.Model, texts)
}

// fallbackUsage counts tokens locally when the vendor reported none.
func (g *Gateway) fallbackUsage(req *translate.ChatRequest, completion string) translate.Usage {
	prompt := g.estimatePromptTokens(req)
	out := 0
	if completion != "" {
		if g.tokens != nil {
			out = g.tokens.ForModel(req.Model).Count(completion)
		} else {
			out = len(completion) / 4
			if out == 0 {
				out = 1
			}
		}
	}
	return translate.Usage{
		PromptTokens:     prompt,
		CompletionTokens: out,
		TotalTokens:      prompt + out,
	}
}

func (g *Gateway) emitRecord(
	ctx *fasthttp.RequestCtx,
	ident *auth.Identity,
	req *translate.ChatRequest,
	resp *translate.ChatResponse,
	start, firstByte time.Time,
	statusCode int,
	provider string,
	cacheHit, streamed bool,
	errMsg string,
) {
	g.emitRecordWithRaw(ctx, ident, req, resp, nil, start, firstByte, statusCode, provider, cacheHit, streamed, errMsg)
}

func (g *Gateway) emitRecordWithRaw(
	ctx *fasthttp.RequestCtx,
	ident *auth.Identity,
	req *translate.ChatRequest,
	resp *translate.ChatResponse,
	raw []byte,
	start, firstByte time.Time,
	statusCode int,
	provider string,
	cacheHit, streamed bool,
	errMsg string,
) {
	if g.producer == nil {
		return
	}

	reqID, _ := ctx.UserValue("request_id").(string)

	status := telemetry.StatusSuccess
	if statusCode >= 400 {
		status = telemetry.StatusError
	}

	rec := &telemetry.LogRecord{
		RequestID:   parseRequestID(reqID),
		OrgID:       ident.OrgID,
		UserID:      headerUserIDValue(ctx, ident),
		Provider:    provider,
		Model:       req.Model,
		Region:      ident.Region,
		RequestBody: marshalRequestBody(req),
		ResponseRaw: raw,
		StartedAt:   start,
		FirstByteAt: firstByte,
		CompletedAt: time.Now(),
		Status:      status,
		StatusCode:  statusCode,
		ErrorMsg:    errMsg,
		CacheHit:    cacheHit,
		Streamed:    streamed,
		Properties:  requestProperties(ctx),
	}

	if resp != nil {
		rec.PromptTokens = resp.Usage.PromptTokens
		rec.CompletionTokens = resp.Usage.CompletionTokens
		rec.TotalTokens = resp.Usage.TotalTokens
		if body, err := json.Marshal(resp); err == nil {
			rec.ResponseBody = body
		}
		if !cacheHit {
			rec.CostCents = costCents(req.Model, rec.PromptTokens, rec.CompletionTokens)
		}
	}

	g.producer.Emit(rec)
	if g.metrics != nil {
		g.metrics.RecordLogEnqueued()
	}
}

// requestProperties collects caller-supplied Helicone-Property-* tags.
func requestProperties(ctx *fasthttp.RequestCtx) map[string]string {
	var props map[string]string
	ctx.Request.Header.VisitAll(func(key, value []byte) {
		k := string(key)
		if len(k) <= len(headerPropertyPre) || !strings.EqualFold(k[:len(headerPropertyPre)], headerPropertyPre) {
			return
		}
		if props == nil {
			props = make(map[string]string)
		}
		props[k[len(headerPropertyPre):]] = string(value)
	})
	return props
}

func headerUserIDValue(ctx *fasthttp.RequestCtx, ident *auth.Identity) string {
	if v := strings.TrimSpace(string(ctx.Request.Header.Peek(headerUserID))); v != "" {
		return v
	}
	return ident.UserID
}

// marshalRequestBody renders the canonical request for the log record. The
// raw inbound body is never stored: it may carry credentials in vendor
// extensions, while the canonical form is known-clean.
func marshalRequestBody(req *translate.ChatRequest) json.RawMessage {
	body, err := json.Marshal(req)
	if err != nil {
		return nil
	}
	return body
}

func parseRequestID(reqID string) uuid.UUID {
	if id, err := uuid.Parse(reqID); err == nil {
		return id
	}
	return uuid.New()
}

// setRateLimitHeaders emits the rate-limit state on every response so
// clients can pace themselves before hitting the limit.
func setRateLimitHeaders(ctx *fasthttp.RequestCtx, dec ratelimit.Decision, p ratelimit.Policy) {
	h := &ctx.Response.Header
	h.Set("Helicone-RateLimit-Limit", strconv.Itoa(dec.Limit))
	h.Set("Helicone-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
	h.Set("Helicone-RateLimit-Policy", p.String())
}

// completionEnvelope wraps the canonical response in the client-facing
// chat.completion envelope.
func completionEnvelope(resp *translate.ChatResponse) map[string]any {
	created := resp.Created
	if created == 0 {
		created = time.Now().Unix()
	}
	return map[string]any{
		"id":      resp.ID,
		"object":  "chat.completion",
		"created": created,
		"model":   resp.Model,
		"choices": resp.Choices,
		"usage":   resp.Usage,
	}
}

// handleProviderError maps provider errors to the appropriate HTTP response.
//
//	StatusCoder (providers that return HTTP codes) → passed through with remapping
//	context.DeadlineExceeded                       → 504 Gateway Timeout
//	all other errors                               → 502 Bad Gateway
func handleProviderError(ctx *fasthttp.RequestCtx, err error) {
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		apierr.WriteProviderError(ctx, sc.HTTPStatus(), err.Error())
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}

	apierr.Write(ctx, fasthttp.StatusBadGateway,
		err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
}

// classifyError buckets provider errors for metrics labels.
func classifyError(err error) string {
	var sc providers.StatusCoder
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &sc):
		return "http_" + strconv.Itoa(sc.HTTPStatus())
	default:
		return "transport"
	}
}
