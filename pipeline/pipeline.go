// Package pipeline composes the clock, state, registry, rotation,
// health cache, rate limiters, dispatcher, classifier, and trace sink
// into the single per-request HTTP handler.
package pipeline

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/almazom/kmi-rotor/classifier"
	"github.com/almazom/kmi-rotor/clock"
	"github.com/almazom/kmi-rotor/dispatcher"
	"github.com/almazom/kmi-rotor/healthcache"
	"github.com/almazom/kmi-rotor/ratelimit"
	"github.com/almazom/kmi-rotor/registry"
	"github.com/almazom/kmi-rotor/rotation"
	"github.com/almazom/kmi-rotor/state"
	"github.com/almazom/kmi-rotor/trace"
)

// Config carries the per-request policy knobs the Pipeline needs, a
// narrow projection of config.Settings so this package doesn't import
// the config package directly.
type Config struct {
	ProxyToken        string
	AutoRotateAllowed bool
	DryRun            bool
	UpstreamBaseURL   string

	RotationCooldownSeconds float64
	PaymentBlockSeconds     float64
	BillingTokens           []string
}

// AuditRecorder receives key-lifecycle events for durable secondary
// logging; the Pipeline calls it best-effort (failures are logged,
// never surfaced to the client).
type AuditRecorder interface {
	RecordEvent(label, event, detail string)
}

// Pipeline holds every component the per-request handler composes.
type Pipeline struct {
	cfg Config

	reg           *registry.Registry
	store         *state.Store
	health        *healthcache.Cache
	globalLimiter *ratelimit.Limiter
	keyLimiter    *ratelimit.Limiter
	dispatcher    *dispatcher.Dispatcher
	traceSink     *trace.Sink
	audit         AuditRecorder
	log           *logrus.Logger
}

// New constructs a Pipeline from its already-initialized components.
func New(cfg Config, reg *registry.Registry, store *state.Store, health *healthcache.Cache, globalLimiter, keyLimiter *ratelimit.Limiter, disp *dispatcher.Dispatcher, traceSink *trace.Sink, audit AuditRecorder, log *logrus.Logger) *Pipeline {
	return &Pipeline{
		cfg: cfg, reg: reg, store: store, health: health,
		globalLimiter: globalLimiter, keyLimiter: keyLimiter,
		dispatcher: disp, traceSink: traceSink, audit: audit, log: log,
	}
}

// Handle is the single catch-all gin.HandlerFunc serving every
// forwarded method/path.
func (p *Pipeline) Handle(c *gin.Context) {
	started := time.Now()
	requestID := c.GetHeader("X-Request-Id")
	if requestID == "" {
		requestID = clock.NewRequestID()
	}

	if p.cfg.ProxyToken != "" && !p.authorize(c) {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "unauthorized",
			"hint":  "supply Authorization: Bearer <token> or X-KMI-Proxy-Token",
		})
		return
	}

	if !p.globalLimiter.Allow("") {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited", "hint": "global rate limit exceeded"})
		return
	}

	label, rollback, ok := p.selectKey()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "no_eligible_keys",
			"hint":  "every configured key is blocked, exhausted, or unhealthy",
		})
		return
	}

	cred, _ := p.reg.Lookup(label)
	path := strings.TrimPrefix(c.Param("path"), "/")

	if !p.keyLimiter.Allow(label) {
		rollback()
		p.store.MarkDirty()
		keyRejectionsTotal.WithLabelValues(label).Inc()
		p.store.RecordRequest(label, http.StatusTooManyRequests)
		p.emitTrace(trace.Entry{
			Timestamp: started, RequestID: requestID, Method: c.Request.Method, Path: path,
			Status: http.StatusTooManyRequests, LatencyMS: time.Since(started).Milliseconds(),
			KeyLabel: label, KeyHash: cred.SecretHash(), RotationIndex: p.store.Snapshot().RotationIndex,
			ErrorCode: "rate_limited",
		})
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited", "hint": "per-key rate limit exceeded for " + label})
		return
	}

	body, _ := io.ReadAll(c.Request.Body)
	promptHint, promptFirst := extractPromptHint(body, c.GetHeader("Content-Type"))

	rotationIndex := p.store.Snapshot().RotationIndex

	if p.cfg.DryRun {
		p.store.RecordRequest(label, http.StatusOK)
		p.emitTrace(trace.Entry{
			Timestamp: started, RequestID: requestID, Method: c.Request.Method, Path: path,
			Status: http.StatusOK, LatencyMS: time.Since(started).Milliseconds(),
			KeyLabel: label, KeyHash: cred.SecretHash(), RotationIndex: rotationIndex,
			PromptHint: promptHint, PromptFirst: promptFirst,
		})
		c.JSON(http.StatusOK, gin.H{
			"dry_run": true, "upstream_url": p.cfg.UpstreamBaseURL + "/" + path,
			"method": c.Request.Method, "path": path, "key_label": label,
		})
		return
	}

	upstreamURL, err := dispatcher.BuildURL(p.cfg.UpstreamBaseURL, path, c.Request.URL.RawQuery)
	if err != nil {
		p.store.RecordRequest(label, http.StatusBadGateway)
		requestsTotal.WithLabelValues("502").Inc()
		p.emitTrace(trace.Entry{
			Timestamp: started, RequestID: requestID, Method: c.Request.Method, Path: path,
			Status: http.StatusBadGateway, LatencyMS: time.Since(started).Milliseconds(),
			KeyLabel: label, KeyHash: cred.SecretHash(), RotationIndex: rotationIndex,
			PromptHint: promptHint, PromptFirst: promptFirst, ErrorCode: "upstream_error",
		})
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream_error", "hint": "invalid upstream URL"})
		return
	}

	req := dispatcher.Request{
		Method:  c.Request.Method,
		URL:     upstreamURL,
		Headers: dispatcher.SanitizeHeaders(c.Request.Header, cred.Secret),
		Body:    body,
		Secret:  cred.Secret,
	}

	result, err := p.dispatcher.Do(c.Request.Context(), req)
	upstreamLatency.Observe(time.Since(started).Seconds())
	if err != nil {
		p.store.RecordRequest(label, http.StatusServiceUnavailable)
		requestsTotal.WithLabelValues("503").Inc()
		p.emitTrace(trace.Entry{
			Timestamp: started, RequestID: requestID, Method: c.Request.Method, Path: path,
			Status: http.StatusServiceUnavailable, LatencyMS: time.Since(started).Milliseconds(),
			KeyLabel: label, KeyHash: cred.SecretHash(), RotationIndex: rotationIndex,
			PromptHint: promptHint, PromptFirst: promptFirst, ErrorCode: "upstream_error",
		})
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream_error", "hint": "upstream unreachable after retries"})
		return
	}
	defer result.Body.Close()

	// Error bodies are read fully so the classifier can inspect them for
	// billing tokens; success bodies stream untouched since they may be
	// large completions.
	var errBody []byte
	if result.StatusCode >= 400 {
		errBody, _ = io.ReadAll(result.Body)
	}

	p.classify(label, result.StatusCode, result.Header, errBody)

	p.store.RecordRequest(label, result.StatusCode)
	requestsTotal.WithLabelValues(strconv.Itoa(result.StatusCode)).Inc()
	p.emitTrace(trace.Entry{
		Timestamp: started, RequestID: requestID, Method: c.Request.Method, Path: path,
		Status: result.StatusCode, LatencyMS: time.Since(started).Milliseconds(),
		KeyLabel: label, KeyHash: cred.SecretHash(), RotationIndex: rotationIndex,
		PromptHint: promptHint, PromptFirst: promptFirst, ErrorCode: errorCodeFor(result.StatusCode),
	})

	for k, vs := range result.Header {
		if isHopByHop(k) {
			continue
		}
		for _, v := range vs {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Status(result.StatusCode)
	if errBody != nil {
		c.Writer.Write(errBody)
	} else {
		io.Copy(c.Writer, result.Body)
	}
}

func (p *Pipeline) authorize(c *gin.Context) bool {
	presented := bearerToken(c.GetHeader("Authorization"))
	if presented == "" {
		presented = c.GetHeader("X-KMI-Proxy-Token")
	}
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(p.cfg.ProxyToken)) == 1
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) {
		return ""
	}
	if !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return header[len(prefix):]
}

// selectKey commits a selection under the state lock and returns a
// rollback closure restoring the pre-commit active/rotation index, for
// use if the per-key limiter subsequently rejects.
func (p *Pipeline) selectKey() (label string, rollback func(), ok bool) {
	health, strict := p.health.EffectiveHealth()

	p.store.WithLock(func(d *state.Data) {
		prevActive, prevRotation := d.ActiveIndex, d.RotationIndex
		now := time.Now()

		var selected string
		var selOK bool
		if d.AutoRotate && p.cfg.AutoRotateAllowed {
			selected, selOK = rotation.SelectRoundRobin(p.reg, d, health, strict, now)
			rotationsTotal.WithLabelValues("round_robin").Inc()
		} else {
			selected, selOK = rotation.SelectActiveOrNext(p.reg, d, health, strict, now)
			rotationsTotal.WithLabelValues("active_or_next").Inc()
		}

		if !selOK {
			ok = false
			return
		}
		label = selected
		ok = true
		rollback = func() {
			p.store.WithLock(func(d *state.Data) {
				d.ActiveIndex = prevActive
				d.RotationIndex = prevRotation
			})
		}
	})
	return label, rollback, ok
}

func (p *Pipeline) classify(label string, status int, header http.Header, body []byte) {
	headers := map[string]string{"Retry-After": header.Get("Retry-After")}
	outcome := classifier.Classify(classifier.Config{
		RotationCooldownSeconds: p.cfg.RotationCooldownSeconds,
		PaymentBlockSeconds:     p.cfg.PaymentBlockSeconds,
		BillingTokens:           p.cfg.BillingTokens,
	}, status, body, headers)

	switch outcome.Kind {
	case classifier.KindExhaust:
		p.store.MarkExhausted(label, outcome.Duration)
		if p.audit != nil {
			p.audit.RecordEvent(label, "exhausted", outcome.Reason)
		}
	case classifier.KindBlock:
		p.store.MarkBlocked(label, outcome.Reason, outcome.Duration)
		if p.audit != nil {
			p.audit.RecordEvent(label, "blocked", outcome.Reason)
		}
	}
}

func (p *Pipeline) emitTrace(e trace.Entry) {
	if p.traceSink != nil {
		p.traceSink.Write(e)
	}
}

func errorCodeFor(status int) string {
	switch {
	case status == 402:
		return "payment_required"
	case status == 429:
		return "rate_limited"
	case status >= 500:
		return ""
	default:
		return ""
	}
}

var hopByHopResponseHeaders = map[string]struct{}{
	"Connection":        {},
	"Keep-Alive":        {},
	"Transfer-Encoding": {},
	"Upgrade":           {},
}

func isHopByHop(key string) bool {
	_, ok := hopByHopResponseHeaders[http.CanonicalHeaderKey(key)]
	return ok
}

// promptHintMaxWords and promptHintMaxChars bound the best-effort
// prompt hint extracted for trace observability; the extraction never
// affects selection or classification.
const (
	promptHintMaxWords = 6
	promptHintMaxChars = 60
)

func extractPromptHint(body []byte, contentType string) (hint, first string) {
	if !strings.Contains(contentType, "json") || len(body) == 0 {
		return "", ""
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", ""
	}

	text := lastMessageText(doc)
	if text == "" {
		for _, key := range []string{"prompt", "input", "query", "text"} {
			if s, ok := doc[key].(string); ok && s != "" {
				text = s
				break
			}
		}
	}
	if text == "" {
		return "", ""
	}

	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", ""
	}
	first = fields[0]

	truncated := false
	if len(fields) > promptHintMaxWords {
		fields = fields[:promptHintMaxWords]
		truncated = true
	}
	hint = strings.Join(fields, " ")
	if len(hint) > promptHintMaxChars {
		hint = hint[:promptHintMaxChars]
		truncated = true
	}
	if truncated {
		hint += "…"
	}
	return hint, first
}

func lastMessageText(doc map[string]interface{}) string {
	messagesRaw, ok := doc["messages"].([]interface{})
	if !ok || len(messagesRaw) == 0 {
		return ""
	}
	for i := len(messagesRaw) - 1; i >= 0; i-- {
		m, ok := messagesRaw[i].(map[string]interface{})
		if !ok {
			continue
		}
		if s := contentToText(m["content"]); s != "" {
			return s
		}
	}
	return ""
}

func contentToText(content interface{}) string {
	switch v := content.(type) {
	case string:
		return v
	case map[string]interface{}:
		if s, ok := v["text"].(string); ok {
			return s
		}
	case []interface{}:
		for _, item := range v {
			if s := contentToText(item); s != "" {
				return s
			}
		}
	}
	return ""
}

// FetcherOf adapts a Pipeline's configured upstream for use by the
// health cache without creating an import cycle back into pipeline.
func FetcherOf(client *http.Client, upstreamBase string) healthcache.Fetcher {
	return healthcache.HTTPFetcher{Client: client, UpstreamBase: upstreamBase}
}
