package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/almazom/kmi-rotor/admin"
	"github.com/almazom/kmi-rotor/audit"
	"github.com/almazom/kmi-rotor/classifier"
	"github.com/almazom/kmi-rotor/clock"
	"github.com/almazom/kmi-rotor/config"
	"github.com/almazom/kmi-rotor/dispatcher"
	"github.com/almazom/kmi-rotor/healthcache"
	"github.com/almazom/kmi-rotor/lifespan"
	"github.com/almazom/kmi-rotor/pipeline"
	"github.com/almazom/kmi-rotor/ratelimit"
	"github.com/almazom/kmi-rotor/registry"
	"github.com/almazom/kmi-rotor/state"
	"github.com/almazom/kmi-rotor/trace"
)

var appStartTime = time.Now()

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	log.SetOutput(os.Stdout)
	log.SetLevel(logrus.InfoLevel)

	config.Init(log)
	settings := config.GetSettings()

	if level, err := logrus.ParseLevel(settings.LogLevel); err == nil {
		log.SetLevel(level)
	} else {
		log.Warnf("invalid LOG_LEVEL %q, keeping info", settings.LogLevel)
	}

	if settings.AdminEnabled {
		if settings.AdminPassword == "" || settings.AdminPassword == config.DefaultAdminPassword {
			log.Warn("admin password is unset or still the default; the admin surface is insecure until ADMIN_PASSWORD is changed")
		}
		if settings.AdminSessionSecret == "" {
			log.Warn("ADMIN_SESSION_SECRET is unset; sessions will not survive a process restart")
		}
	}

	rawKeys := settings.Keys
	if rawKeys == "" && settings.KeysFilePath != "" {
		contents, readErr := os.ReadFile(settings.KeysFilePath)
		if readErr != nil {
			log.Fatalf("failed to read KMI_ROTOR_KEYS_FILE %s: %v", settings.KeysFilePath, readErr)
		}
		rawKeys = string(contents)
	}
	creds, err := registry.LoadFromEnv(rawKeys)
	if err != nil {
		log.Fatalf("failed to parse credentials: %v", err)
	}
	if len(creds) == 0 {
		log.Fatal("no credentials configured: set KMI_ROTOR_KEYS or KMI_ROTOR_KEYS_FILE to a comma-separated label:secret[:priority] list")
	}
	reg, err := registry.New(creds)
	if err != nil {
		log.Fatalf("failed to build credential registry: %v", err)
	}
	log.Infof("loaded %d credentials into the rotation registry", reg.Len())

	var credWatcher *config.CredentialWatcher
	if settings.KeysFilePath != "" {
		credWatcher = config.NewCredentialWatcher(settings.KeysFilePath, 0, log)
		watchCtx, watchCancel := context.WithCancel(context.Background())
		go credWatcher.Watch(watchCtx, func() error {
			contents, readErr := os.ReadFile(settings.KeysFilePath)
			if readErr != nil {
				return readErr
			}
			parsed, parseErr := registry.LoadFromEnv(string(contents))
			if parseErr != nil {
				return parseErr
			}
			log.Warnf("detected change in %s (%d credentials parsed); restart kmi-rotor to apply it to the live registry", settings.KeysFilePath, len(parsed))
			return nil
		})
		defer watchCancel()
	}

	store, err := state.Load(state.DefaultPath(settings.StateDir), reg.Labels(), clock.System, log)
	if err != nil {
		log.Fatalf("failed to load persisted state: %v", err)
	}

	httpClient := &http.Client{
		Timeout: 0, // per-attempt timeout is enforced by dispatcher.Config.Timeout
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	traceSink := trace.New(settings.StateDir, trace.Config{
		MaxBytes:   settings.TraceMaxBytes,
		MaxBackups: settings.TraceMaxBackups,
	}, log)

	healthCache := healthcache.New(healthcache.Config{
		UsageCacheInterval:        time.Duration(settings.UsageCacheSeconds) * time.Second,
		BlocklistRecheckInterval:  time.Duration(settings.BlocklistRecheckSeconds) * time.Second,
		BlocklistRecheckMax:       settings.BlocklistRecheckMax,
		RequireUsageBeforeRequest: settings.RequireUsageBeforeRequest,
		FailOpenOnEmptyCache:      settings.FailOpenOnEmptyCache,
		FetchTimeout:              10 * time.Second,
		FetchRatePerSecond:        settings.HealthFetchRatePerSecond,
	}, reg, store, pipeline.FetcherOf(httpClient, settings.UpstreamBaseURL), log)

	globalLimiter := ratelimit.New(ratelimit.Limits{MaxRPS: settings.MaxRPS, MaxRPM: settings.MaxRPM}, secondsClock{})
	keyLimiter := ratelimit.New(ratelimit.Limits{MaxRPS: settings.MaxRPSPerKey, MaxRPM: settings.MaxRPMPerKey}, secondsClock{})

	disp := dispatcher.New(httpClient, dispatcher.Config{
		RetryMax:    settings.RetryMax,
		RetryBaseMS: settings.RetryBaseMS,
		Timeout:     30 * time.Second,
	})

	var auditLedger *audit.Ledger
	auditLedger, err = audit.Open(audit.DBConfig{
		DBType:                   settings.DBType,
		DBConnectionStringSqlite: settings.DBConnectionStringSqlite,
		MySQLHost:                settings.MySQLHost,
		MySQLPort:                settings.MySQLPort,
		MySQLDBName:              settings.MySQLDBName,
		MySQLUser:                settings.MySQLUser,
		MySQLPassword:            settings.MySQLPassword,
	}, log)
	if err != nil {
		log.Fatalf("failed to open audit ledger: %v", err)
	}

	pl := pipeline.New(pipeline.Config{
		ProxyToken:              settings.ProxyToken,
		AutoRotateAllowed:       settings.AutoRotateAllowed,
		DryRun:                  settings.DryRun,
		UpstreamBaseURL:         settings.UpstreamBaseURL,
		RotationCooldownSeconds: settings.RotationCooldownSeconds,
		PaymentBlockSeconds:     settings.PaymentBlockSeconds,
		BillingTokens:           classifier.BillingTokens,
	}, reg, store, healthCache, globalLimiter, keyLimiter, disp, traceSink, auditLedger, log)

	ls := lifespan.New(store, traceSink, healthCache, httpClient, log)
	ls.Start(context.Background())

	if strings.ToLower(settings.GinMode) == "release" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.LoggerWithFormatter(func(p gin.LogFormatterParams) string {
		return fmt.Sprintf("%s | %3d | %13v | %15s | %-7s %#v\n",
			p.TimeStamp.Format("2006/01/02 - 15:04:05"),
			p.StatusCode, p.Latency, p.ClientIP, p.Method, p.Path)
	}))
	router.Use(gin.Recovery())

	router.GET("/favicon.ico", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	if settings.AdminEnabled {
		secret := []byte(settings.AdminSessionSecret)
		if len(secret) == 0 {
			secret = []byte("kmi-rotor-insecure-dev-secret")
		}
		surface := admin.New(secret, settings.AdminPassword, reg, store, healthCache, auditLedger, log, appStartTime)
		surface.Register(router)
		log.Info("admin surface mounted at /admin")
	}

	// The catch-all proxy handler is registered last so /admin/* and
	// /metrics, registered as static routes above, take precedence.
	router.Any(settings.BasePath+"/*path", pl.Handle)
	log.Infof("catch-all proxy route mounted at %s/*", settings.BasePath)

	srv := &http.Server{
		Addr:         ":" + settings.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()
	log.Infof("kmi-rotor listening on %s", srv.Addr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("http server shutdown error: %v", err)
	}

	ls.Stop()
	if credWatcher != nil {
		credWatcher.Stop()
	}
	log.Info("kmi-rotor stopped")
}

// secondsClock adapts the process wall clock to ratelimit.Clock's
// float64-seconds shape.
type secondsClock struct{}

func (secondsClock) NowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
