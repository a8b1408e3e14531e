// Package config loads and hot-reloads the gateway's runtime settings:
// godotenv for local .env files, typed getXxxEnv helpers with
// defaults, and a sync.RWMutex-guarded global for safe concurrent
// reads plus a narrow admin-triggered hot-reload path.
package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPort                      = "8080"
	DefaultLogLevel                  = "info"
	DefaultGinMode                   = "release"
	DefaultUpstreamBaseURL            = "https://api.upstream.example.com"
	DefaultBasePath                   = "/kmi-rotor/v1"
	DefaultRotationCooldownSeconds    = 300
	DefaultRetryMax                   = 3
	DefaultRetryBaseMS                = 250
	DefaultMaxRPS                     = 0.0
	DefaultMaxRPM                     = 0.0
	DefaultMaxRPSPerKey               = 0.0
	DefaultMaxRPMPerKey               = 0.0
	DefaultUsageCacheSeconds          = 60
	DefaultPaymentBlockSeconds        = 3600
	DefaultBlocklistRecheckSeconds    = 120
	DefaultBlocklistRecheckMax        = 3
	DefaultHealthFetchRatePerSecond   = 5.0
	DefaultTraceMaxBytes              = 10 * 1024 * 1024
	DefaultTraceMaxBackups            = 5
	DefaultTimeZone                   = "UTC"
	DefaultAdminPassword              = "admin"
	DefaultDBType                     = "sqlite"
	DefaultDBConnectionStringSqlite   = "kmi-rotor-audit.db"
	DefaultMySQLHost                  = "127.0.0.1"
	DefaultMySQLPort                  = "3306"
	DefaultMySQLDBName                = "kmi_rotor_audit"
	DefaultMySQLUser                  = "root"
	DefaultMySQLPassword              = ""
)

// Settings is the full set of runtime options the core consumes (it
// does not parse credential sources; those are handed in separately).
type Settings struct {
	UpstreamBaseURL   string
	UpstreamAllowlist []string // host patterns; "*.domain" wildcard supported
	Keys              string   // comma-separated "label:secret[:priority]" entries
	KeysFilePath      string   // optional; when set, watched for changes via fsnotify
	BasePath          string   // mount point for the catch-all proxy route

	AutoRotateAllowed bool
	ProxyToken        string
	DryRun            bool

	RotationCooldownSeconds float64
	RetryMax                int
	RetryBaseMS             int

	MaxRPS        float64
	MaxRPM        float64
	MaxRPSPerKey  float64
	MaxRPMPerKey  float64

	RequireUsageBeforeRequest bool
	FailOpenOnEmptyCache      bool
	UsageCacheSeconds         int
	BlocklistRecheckSeconds   int
	BlocklistRecheckMax       int
	PaymentBlockSeconds       float64
	HealthFetchRatePerSecond  float64

	TraceMaxBytes   int64
	TraceMaxBackups int

	TimeZone string
	StateDir string

	Port     string
	LogLevel string
	GinMode  string

	AdminEnabled      bool
	AdminPassword     string
	AdminSessionSecret string

	DBType                   string
	DBConnectionStringSqlite string
	MySQLHost                string
	MySQLPort                string
	MySQLDBName              string
	MySQLUser                string
	MySQLPassword            string
}

var (
	AppSettings Settings
	configLock  = &sync.RWMutex{}
	Log         *logrus.Logger // injected by cmd/kmi-rotor's main
)

// Init loads .env (if present) and populates AppSettings from the
// environment.
func Init(logger *logrus.Logger) {
	Log = logger
	_ = godotenv.Load()
	configLock.Lock()
	AppSettings = loadConfig()
	configLock.Unlock()
}

// GetSettings returns a safe copy of the current settings.
func GetSettings() Settings {
	configLock.RLock()
	defer configLock.RUnlock()
	return AppSettings
}

// UpdateSettingsRequest carries the fields the admin surface is
// allowed to hot-patch. Pointers distinguish "not provided" from
// "set to empty/zero".
type UpdateSettingsRequest struct {
	AutoRotateAllowed *bool    `json:"auto_rotate_allowed"`
	LogLevel          *string  `json:"log_level"`
	AdminPassword     *string  `json:"admin_password"`
	MaxRPS            *float64 `json:"max_rps"`
	MaxRPM            *float64 `json:"max_rpm"`
}

// UpdateSettings applies a hot-reload request under the config lock.
// Some fields (limiter thresholds) are read by long-lived components
// at construction time and only take effect on restart; that
// limitation is logged rather than silently ignored.
func UpdateSettings(req UpdateSettingsRequest) {
	configLock.Lock()
	defer configLock.Unlock()

	if req.AutoRotateAllowed != nil {
		AppSettings.AutoRotateAllowed = *req.AutoRotateAllowed
		logf("auto_rotate_allowed -> %v", AppSettings.AutoRotateAllowed)
	}
	if req.LogLevel != nil {
		if level, err := logrus.ParseLevel(*req.LogLevel); err == nil {
			AppSettings.LogLevel = *req.LogLevel
			if Log != nil {
				Log.SetLevel(level)
			}
			logf("log_level -> %s", AppSettings.LogLevel)
		} else {
			logf("ignoring invalid log_level %q", *req.LogLevel)
		}
	}
	if req.AdminPassword != nil {
		AppSettings.AdminPassword = *req.AdminPassword
		logf("admin_password updated")
	}
	if req.MaxRPS != nil {
		AppSettings.MaxRPS = *req.MaxRPS
		logf("max_rps -> %v (limiter already constructed; restart to apply)", AppSettings.MaxRPS)
	}
	if req.MaxRPM != nil {
		AppSettings.MaxRPM = *req.MaxRPM
		logf("max_rpm -> %v (limiter already constructed; restart to apply)", AppSettings.MaxRPM)
	}
}

func logf(format string, args ...interface{}) {
	if Log != nil {
		Log.Infof("config: hot-reload: "+format, args...)
	}
}

func loadConfig() Settings {
	return Settings{
		UpstreamBaseURL:   getStringEnv("UPSTREAM_BASE_URL", DefaultUpstreamBaseURL),
		UpstreamAllowlist: getListEnv("UPSTREAM_ALLOWLIST", nil),
		Keys:              os.Getenv("KMI_ROTOR_KEYS"),
		KeysFilePath:      os.Getenv("KMI_ROTOR_KEYS_FILE"),
		BasePath:          normalizeBasePath(getStringEnv("BASE_PATH", DefaultBasePath)),

		AutoRotateAllowed: getBoolEnv("AUTO_ROTATE_ALLOWED", true),
		ProxyToken:        os.Getenv("PROXY_TOKEN"),
		DryRun:            getBoolEnv("DRY_RUN", false),

		RotationCooldownSeconds: getFloatEnv("ROTATION_COOLDOWN_SECONDS", DefaultRotationCooldownSeconds),
		RetryMax:                getIntEnv("RETRY_MAX", DefaultRetryMax),
		RetryBaseMS:             getIntEnv("RETRY_BASE_MS", DefaultRetryBaseMS),

		MaxRPS:       getFloatEnv("MAX_RPS", DefaultMaxRPS),
		MaxRPM:       getFloatEnv("MAX_RPM", DefaultMaxRPM),
		MaxRPSPerKey: getFloatEnv("MAX_RPS_PER_KEY", DefaultMaxRPSPerKey),
		MaxRPMPerKey: getFloatEnv("MAX_RPM_PER_KEY", DefaultMaxRPMPerKey),

		RequireUsageBeforeRequest: getBoolEnv("REQUIRE_USAGE_BEFORE_REQUEST", false),
		FailOpenOnEmptyCache:      getBoolEnv("FAIL_OPEN_ON_EMPTY_CACHE", true),
		UsageCacheSeconds:         getIntEnv("USAGE_CACHE_SECONDS", DefaultUsageCacheSeconds),
		BlocklistRecheckSeconds:   getIntEnv("BLOCKLIST_RECHECK_SECONDS", DefaultBlocklistRecheckSeconds),
		BlocklistRecheckMax:       getIntEnv("BLOCKLIST_RECHECK_MAX", DefaultBlocklistRecheckMax),
		PaymentBlockSeconds:       getFloatEnv("PAYMENT_BLOCK_SECONDS", DefaultPaymentBlockSeconds),
		HealthFetchRatePerSecond:  getFloatEnv("HEALTH_FETCH_RATE_PER_SECOND", DefaultHealthFetchRatePerSecond),

		TraceMaxBytes:   getInt64Env("TRACE_MAX_BYTES", DefaultTraceMaxBytes),
		TraceMaxBackups: getIntEnv("TRACE_MAX_BACKUPS", DefaultTraceMaxBackups),

		TimeZone: getStringEnv("TIME_ZONE", DefaultTimeZone),
		StateDir: getStringEnv("STATE_DIR", "./kmi-rotor-data"),

		Port:     getStringEnv("PORT", DefaultPort),
		LogLevel: getStringEnv("LOG_LEVEL", DefaultLogLevel),
		GinMode:  getStringEnv("GIN_MODE", DefaultGinMode),

		AdminEnabled:       getBoolEnv("ADMIN_ENABLED", true),
		AdminPassword:      getStringEnv("ADMIN_PASSWORD", DefaultAdminPassword),
		AdminSessionSecret: getStringEnv("ADMIN_SESSION_SECRET", ""),

		DBType:                   getStringEnv("DB_TYPE", DefaultDBType),
		DBConnectionStringSqlite: getStringEnv("DB_CONNECTION_STRING_SQLITE", DefaultDBConnectionStringSqlite),
		MySQLHost:                getStringEnv("MYSQL_HOST", DefaultMySQLHost),
		MySQLPort:                getStringEnv("MYSQL_PORT", DefaultMySQLPort),
		MySQLDBName:              getStringEnv("MYSQL_DBNAME", DefaultMySQLDBName),
		MySQLUser:                getStringEnv("MYSQL_USER", DefaultMySQLUser),
		MySQLPassword:            os.Getenv("MYSQL_PASSWORD"),
	}
}

// normalizeBasePath ensures a leading slash and strips any trailing
// slash, so it can be joined with gin's "/*path" wildcard segment
// without producing a double slash.
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "/" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimRight(p, "/")
}

func getStringEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getListEnv(key string, defaultValue []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getBoolEnv(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

func getIntEnv(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

func getInt64Env(key string, defaultValue int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultValue
	}
	return n
}

func getFloatEnv(key string, defaultValue float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

// AllowedUpstream reports whether scheme and host are permitted: https
// scheme is required unless the allowlist explicitly includes an
// "http://"-prefixed pattern, and host matching supports a leading
// "*." wildcard.
func (s Settings) AllowedUpstream(scheme, host string) bool {
	if len(s.UpstreamAllowlist) == 0 {
		return scheme == "https"
	}
	for _, pattern := range s.UpstreamAllowlist {
		p := pattern
		allowHTTP := strings.HasPrefix(p, "http://")
		p = strings.TrimPrefix(p, "http://")
		p = strings.TrimPrefix(p, "https://")
		if scheme != "https" && !allowHTTP {
			continue
		}
		if strings.HasPrefix(p, "*.") {
			suffix := p[1:] // ".domain"
			if strings.HasSuffix(host, suffix) {
				return true
			}
			continue
		}
		if host == p {
			return true
		}
	}
	return false
}

// RotationCooldown is RotationCooldownSeconds as a time.Duration.
func (s Settings) RotationCooldown() time.Duration {
	return time.Duration(s.RotationCooldownSeconds * float64(time.Second))
}
