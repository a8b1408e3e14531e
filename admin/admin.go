// Package admin exposes the read-only operator surface — a session-
// cookie-gated dashboard and a handful of inspection/rotation
// endpoints plus Prometheus metrics. Unlike a dashboard that could
// add/delete/reload keys, this surface never mutates the registry:
// keys are provisioned outside the running process.
package admin

import (
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/sessions"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/almazom/kmi-rotor/audit"
	"github.com/almazom/kmi-rotor/config"
	"github.com/almazom/kmi-rotor/healthcache"
	"github.com/almazom/kmi-rotor/registry"
	"github.com/almazom/kmi-rotor/rotation"
	"github.com/almazom/kmi-rotor/state"
)

const (
	SessionKey    = "kmi-rotor-admin-session"
	IsLoggedInKey = "is_logged_in"
	MaxAgeSeconds = 3600 * 24 * 7
	SessionPath   = "/admin"
)

// Surface wires the session store and the components the dashboard
// reads from.
type Surface struct {
	Store        *sessions.CookieStore
	Password     string
	Registry     *registry.Registry
	StateStore   *state.Store
	Health       *healthcache.Cache
	Audit        *audit.Ledger
	Log          *logrus.Logger
	AppStartTime time.Time
}

// New constructs a Surface. secretKey seeds the cookie store's
// authentication key.
func New(secretKey []byte, password string, reg *registry.Registry, st *state.Store, health *healthcache.Cache, led *audit.Ledger, log *logrus.Logger, startTime time.Time) *Surface {
	return &Surface{
		Store:        sessions.NewCookieStore(secretKey),
		Password:     password,
		Registry:     reg,
		StateStore:   st,
		Health:       health,
		Audit:        led,
		Log:          log,
		AppStartTime: startTime,
	}
}

// Register mounts every admin route, including the public login
// endpoint and the session-gated group, onto r.
func (s *Surface) Register(r gin.IRouter) {
	r.POST("/admin/login", s.Login)
	r.POST("/admin/logout", s.Logout)

	protected := r.Group("/admin", s.RequireSession)
	protected.GET("/dashboard", s.Dashboard)
	protected.GET("/key-status", s.KeyStatus)
	protected.GET("/app-status", s.AppStatus)
	protected.POST("/rotate", s.Rotate)
	protected.POST("/clear-block/:label", s.ClearBlock)
	protected.GET("/settings", s.GetSettings)
	protected.POST("/settings", s.UpdateSettings)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

type loginRequest struct {
	Password string `json:"password" binding:"required"`
}

// Login checks the submitted password against the configured admin
// password and, on success, issues a session cookie scoped to
// SessionPath.
func (s *Surface) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "hint": err.Error()})
		return
	}
	if s.Password == "" {
		if s.Log != nil {
			s.Log.Error("admin: login attempted but no admin password is configured")
		}
		c.JSON(http.StatusForbidden, gin.H{"error": "admin_not_configured"})
		return
	}
	if req.Password != s.Password {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
		return
	}

	session, _ := s.Store.Get(c.Request, SessionKey)
	session.Values[IsLoggedInKey] = true
	session.Options.MaxAge = MaxAgeSeconds
	session.Options.HttpOnly = true
	session.Options.Path = SessionPath
	session.Options.SameSite = http.SameSiteLaxMode

	if err := session.Save(c.Request, c.Writer); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_save_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "logged in"})
}

// Logout expires the session cookie.
func (s *Surface) Logout(c *gin.Context) {
	session, _ := s.Store.Get(c.Request, SessionKey)
	session.Values[IsLoggedInKey] = false
	session.Options.MaxAge = -1
	if err := session.Save(c.Request, c.Writer); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_save_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// RequireSession gates every other /admin route behind a valid
// session.
func (s *Surface) RequireSession(c *gin.Context) {
	session, err := s.Store.Get(c.Request, SessionKey)
	if err != nil {
		s.denyOrRedirect(c, "session_error")
		return
	}
	loggedIn, ok := session.Values[IsLoggedInKey].(bool)
	if !ok || !loggedIn {
		s.denyOrRedirect(c, "not_logged_in")
		return
	}
	c.Next()
}

func (s *Surface) denyOrRedirect(c *gin.Context, reason string) {
	if c.Request.Method == http.MethodGet && strings.HasPrefix(c.Request.URL.Path, "/admin/dashboard") {
		c.Redirect(http.StatusFound, "/admin/login?reason="+reason)
		c.Abort()
		return
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
}

// keyStatusView is the dashboard-facing projection of one credential
// plus its live state and cached health.
type keyStatusView struct {
	Label         string   `json:"label"`
	MaskedKey     string   `json:"masked_key"`
	Priority      int      `json:"priority"`
	Disabled      bool     `json:"disabled"`
	RequestCount  int64    `json:"request_count"`
	Err401        int64    `json:"err_401"`
	Err403        int64    `json:"err_403"`
	Err429        int64    `json:"err_429"`
	Err5xx        int64    `json:"err_5xx"`
	BlockedReason string   `json:"blocked_reason,omitempty"`
	Blocked       bool     `json:"blocked"`
	Exhausted     bool     `json:"exhausted"`
	Status        string   `json:"status,omitempty"`
	RemainingPct  *float64 `json:"remaining_percent,omitempty"`
}

func (s *Surface) buildKeyStatuses() []keyStatusView {
	snap := s.StateStore.Snapshot()
	health, _ := s.Health.EffectiveHealth()
	now := time.Now()

	views := make([]keyStatusView, 0, s.Registry.Len())
	for _, cred := range s.Registry.All() {
		ks := snap.Keys[cred.Label]
		view := keyStatusView{
			Label:     cred.Label,
			MaskedKey: registry.MaskKey(cred.Secret),
			Priority:  cred.Priority,
			Disabled:  cred.Disabled,
		}
		if ks != nil {
			view.RequestCount = ks.RequestCount
			view.Err401, view.Err403, view.Err429, view.Err5xx = ks.Err401, ks.Err403, ks.Err429, ks.Err5xx
			view.BlockedReason = ks.BlockedReason
			view.Blocked = ks.BlockedReason != "" && (ks.BlockedUntil == nil || now.Before(*ks.BlockedUntil))
			view.Exhausted = ks.ExhaustedUntil != nil && now.Before(*ks.ExhaustedUntil)
		}
		if h, ok := health[cred.Label]; ok {
			view.Status = string(h.Status)
			view.RemainingPct = h.RemainingPercent
		}
		views = append(views, view)
	}
	return views
}

// KeyStatus returns the per-key view the dashboard renders.
func (s *Surface) KeyStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.buildKeyStatuses())
}

// AppStatus reports process-level runtime information: uptime,
// goroutine count, and memory stats alongside this gateway's
// configuration surface.
func (s *Surface) AppStatus(c *gin.Context) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	c.JSON(http.StatusOK, gin.H{
		"start_time":          s.AppStartTime,
		"uptime":              time.Since(s.AppStartTime).Round(time.Second).String(),
		"go_version":          runtime.Version(),
		"num_goroutines":      runtime.NumGoroutine(),
		"mem_allocated_mb":    float64(memStats.Alloc) / 1024 / 1024,
		"mem_sys_mb":          float64(memStats.Sys) / 1024 / 1024,
		"num_gc":              memStats.NumGC,
		"registry_size":       s.Registry.Len(),
		"state_path":          s.StateStore.Path(),
	})
}

// Rotate triggers a manual resource-scored rotation and reports the
// outcome, including the deterministic stay-reason string when the
// gateway chooses to keep the current key.
func (s *Surface) Rotate(c *gin.Context) {
	preferNext := c.Query("prefer_next_on_tie") == "true"

	var label string
	var rotated bool
	var reason string
	var rotateErr error

	s.StateStore.WithLock(func(d *state.Data) {
		health, strict := s.Health.EffectiveHealth()
		label, rotated, reason, rotateErr = rotation.RotateManual(s.Registry, d, health, strict, preferNext, time.Now())
	})
	if rotateErr != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no_eligible_keys"})
		return
	}
	s.StateStore.MarkDirty()
	c.JSON(http.StatusOK, gin.H{"key_label": label, "rotated": rotated, "reason": reason})
}

// ClearBlock manually unblocks the named key, for operator recovery
// when an upstream issue has resolved faster than the automatic
// re-probe cadence.
func (s *Surface) ClearBlock(c *gin.Context) {
	label := c.Param("label")
	if _, ok := s.Registry.Lookup(label); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_label"})
		return
	}
	s.StateStore.ClearBlock(label)
	s.StateStore.MarkDirty()
	if s.Audit != nil {
		s.Audit.RecordEvent(label, "unblocked", "manual clear via admin surface")
	}
	c.JSON(http.StatusOK, gin.H{"message": "cleared", "label": label})
}

// GetSettings returns the hot-reloadable subset of the running
// configuration. AdminPassword is deliberately omitted.
func (s *Surface) GetSettings(c *gin.Context) {
	cur := config.GetSettings()
	c.JSON(http.StatusOK, gin.H{
		"auto_rotate_allowed": cur.AutoRotateAllowed,
		"log_level":           cur.LogLevel,
		"max_rps":             cur.MaxRPS,
		"max_rpm":             cur.MaxRPM,
		"dry_run":             cur.DryRun,
	})
}

// UpdateSettings applies a hot-reload request. Limiter threshold
// changes are accepted but only take effect after a restart, since the
// limiters are already constructed; config.UpdateSettings logs that
// limitation itself.
func (s *Surface) UpdateSettings(c *gin.Context) {
	var req config.UpdateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "hint": err.Error()})
		return
	}
	if req.LogLevel != nil {
		if _, err := logrus.ParseLevel(*req.LogLevel); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_log_level"})
			return
		}
	}
	config.UpdateSettings(req)
	c.JSON(http.StatusOK, gin.H{"message": "settings updated; limiter threshold changes require a restart"})
}

// Dashboard serves a minimal HTML shell that fetches key-status via
// JS, rather than server-rendered templates, keeping
// the handler itself small.
func (s *Surface) Dashboard(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, dashboardHTML)
}

const dashboardHTML = `<!doctype html>
<html><head><title>kmi-rotor</title></head>
<body>
<h1>kmi-rotor operator dashboard</h1>
<pre id="key-status">loading…</pre>
<script>
fetch('/admin/key-status').then(r => r.json()).then(d => {
  document.getElementById('key-status').textContent = JSON.stringify(d, null, 2);
});
</script>
</body></html>
`
