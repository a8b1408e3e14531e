package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/almazom/kmi-rotor/clock"
	"github.com/almazom/kmi-rotor/dispatcher"
	"github.com/almazom/kmi-rotor/healthcache"
	"github.com/almazom/kmi-rotor/ratelimit"
	"github.com/almazom/kmi-rotor/registry"
	"github.com/almazom/kmi-rotor/state"
	"github.com/almazom/kmi-rotor/trace"
)

type fixedClock struct{ t float64 }

func (f fixedClock) NowSeconds() float64 { return f.t }

type noopFetcher struct{}

func (noopFetcher) FetchUsage(ctx context.Context, cred registry.Credential) ([]byte, error) {
	return []byte(`{"remaining_percent": 90}`), nil
}

func newTestPipeline(t *testing.T, upstreamURL string) *Pipeline {
	t.Helper()
	creds := []registry.Credential{registry.NewCredential("a", "secret-a", "", 0, false)}
	reg, err := registry.New(creds)
	require.NoError(t, err)

	st, err := state.Load("", reg.Labels(), clock.System, nil)
	require.NoError(t, err)

	health := healthcache.New(healthcache.Config{FailOpenOnEmptyCache: true}, reg, st, noopFetcher{}, nil)

	global := ratelimit.New(ratelimit.Limits{}, fixedClock{})
	keyLim := ratelimit.New(ratelimit.Limits{}, fixedClock{})
	disp := dispatcher.New(http.DefaultClient, dispatcher.Config{RetryMax: 0, RetryBaseMS: 1})
	sink := trace.New(t.TempDir(), trace.Config{}, nil)

	return New(Config{UpstreamBaseURL: upstreamURL}, reg, st, health, global, keyLim, disp, sink, nil, nil)
}

func newGinContext(method, path string) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(method, path, nil)
	c.Params = gin.Params{{Key: "path", Value: path}}
	return c, w
}

func TestHandleProxiesSuccessfulUpstreamResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	p := newTestPipeline(t, upstream.URL)
	c, w := newGinContext("GET", "/v1/models")
	p.Handle(c)

	assert.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestHandleRejectsWhenProxyTokenRequiredAndMissing(t *testing.T) {
	p := newTestPipeline(t, "http://unused")
	p.cfg.ProxyToken = "secret-token"

	c, w := newGinContext("GET", "/v1/models")
	p.Handle(c)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleAcceptsValidProxyToken(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer upstream.Close()

	p := newTestPipeline(t, upstream.URL)
	p.cfg.ProxyToken = "secret-token"

	c, w := newGinContext("GET", "/v1/models")
	c.Request.Header.Set("Authorization", "Bearer secret-token")
	p.Handle(c)

	assert.Equal(t, 200, w.Code)
}

func TestHandleDryRunSkipsUpstreamCall(t *testing.T) {
	p := newTestPipeline(t, "http://should-not-be-dialed.invalid")
	p.cfg.DryRun = true

	c, w := newGinContext("POST", "/v1/chat/completions")
	p.Handle(c)

	assert.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "dry_run")
}

func TestHandleReturns503WhenNoEligibleKeys(t *testing.T) {
	p := newTestPipeline(t, "http://unused")
	p.store.MarkBlocked("a", state.BlockedManual, 0)

	c, w := newGinContext("GET", "/v1/models")
	p.Handle(c)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleReturns429WhenGlobalLimiterRejects(t *testing.T) {
	p := newTestPipeline(t, "http://unused")
	p.globalLimiter = ratelimit.New(ratelimit.Limits{MaxRPM: 1}, fixedClock{t: 0})
	p.globalLimiter.Allow("")

	c, w := newGinContext("GET", "/v1/models")
	p.Handle(c)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestHandleReturns429AndRecordsRequestWhenKeyLimiterRejects(t *testing.T) {
	p := newTestPipeline(t, "http://unused")
	p.keyLimiter = ratelimit.New(ratelimit.Limits{MaxRPM: 1}, fixedClock{t: 0})
	p.keyLimiter.Allow("a")

	c, w := newGinContext("GET", "/v1/models")
	p.Handle(c)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.EqualValues(t, 1, p.store.Snapshot().Keys["a"].RequestCount)
	assert.EqualValues(t, 1, p.store.Snapshot().Keys["a"].Err429)
}

func TestHandleMarksKeyBlockedWhenErrorBodyCarriesBillingToken(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(403)
		w.Write([]byte(`{"error":"insufficient quota remaining"}`))
	}))
	defer upstream.Close()

	p := newTestPipeline(t, upstream.URL)
	p.cfg.PaymentBlockSeconds = 120

	c, w := newGinContext("GET", "/v1/models")
	p.Handle(c)

	assert.Equal(t, 403, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient quota")

	snap := p.store.Snapshot()
	require.NotNil(t, snap.Keys["a"].BlockedUntil)
	assert.Equal(t, state.BlockedPaymentRequired, snap.Keys["a"].BlockedReason)
}

func TestHandleExhaustsWhenErrorBodyHasNoBillingToken(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(403)
		w.Write([]byte(`{"error":"forbidden"}`))
	}))
	defer upstream.Close()

	p := newTestPipeline(t, upstream.URL)
	p.cfg.RotationCooldownSeconds = 30

	c, w := newGinContext("GET", "/v1/models")
	p.Handle(c)

	assert.Equal(t, 403, w.Code)

	snap := p.store.Snapshot()
	assert.Nil(t, snap.Keys["a"].BlockedUntil)
	require.NotNil(t, snap.Keys["a"].ExhaustedUntil)
}

func TestHandleOnBuildURLErrorRecordsRequestAndTrace(t *testing.T) {
	p := newTestPipeline(t, "http://unused")
	c, w := newGinContext("GET", "/v1/models")
	c.Params = gin.Params{{Key: "path", Value: "/%zz"}}

	p.Handle(c)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.EqualValues(t, 1, p.store.Snapshot().Keys["a"].RequestCount)
}

func TestBearerTokenExtractsFromHeader(t *testing.T) {
	assert.Equal(t, "abc123", bearerToken("Bearer abc123"))
	assert.Equal(t, "abc123", bearerToken("bearer abc123"))
	assert.Equal(t, "", bearerToken(""))
	assert.Equal(t, "", bearerToken("Basic abc123"))
}

func TestErrorCodeForKnownStatuses(t *testing.T) {
	assert.Equal(t, "payment_required", errorCodeFor(402))
	assert.Equal(t, "rate_limited", errorCodeFor(429))
	assert.Equal(t, "", errorCodeFor(200))
	assert.Equal(t, "", errorCodeFor(500))
}

func TestIsHopByHopRecognizesKnownHeaders(t *testing.T) {
	assert.True(t, isHopByHop("Connection"))
	assert.True(t, isHopByHop("upgrade"))
	assert.False(t, isHopByHop("Content-Type"))
}

func TestExtractPromptHintFromChatMessages(t *testing.T) {
	body := []byte(`{"messages":[{"role":"user","content":"hello there how are you doing today friend"}]}`)
	hint, first := extractPromptHint(body, "application/json")
	assert.Equal(t, "hello", first)
	assert.Contains(t, hint, "hello there how are you doing")
}

func TestExtractPromptHintIgnoresNonJSON(t *testing.T) {
	hint, first := extractPromptHint([]byte("plain text"), "text/plain")
	assert.Empty(t, hint)
	assert.Empty(t, first)
}

func TestExtractPromptHintFallsBackToPromptField(t *testing.T) {
	hint, first := extractPromptHint([]byte(`{"prompt":"write a poem"}`), "application/json")
	assert.Equal(t, "write", first)
	assert.Equal(t, "write a poem", hint)
}
