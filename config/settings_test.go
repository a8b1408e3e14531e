package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetFloatEnvFallsBackOnUnparseable(t *testing.T) {
	t.Setenv("KMI_TEST_FLOAT", "not-a-number")
	assert.Equal(t, 42.0, getFloatEnv("KMI_TEST_FLOAT", 42.0))
}

func TestGetFloatEnvParsesValue(t *testing.T) {
	t.Setenv("KMI_TEST_FLOAT", "3.5")
	assert.Equal(t, 3.5, getFloatEnv("KMI_TEST_FLOAT", 0))
}

func TestGetBoolEnvDefaultsOnEmpty(t *testing.T) {
	assert.True(t, getBoolEnv("KMI_TEST_UNSET_BOOL", true))
}

func TestGetListEnvSplitsAndTrims(t *testing.T) {
	t.Setenv("KMI_TEST_LIST", "a, b ,c")
	assert.Equal(t, []string{"a", "b", "c"}, getListEnv("KMI_TEST_LIST", nil))
}

func TestGetListEnvDefaultOnEmpty(t *testing.T) {
	assert.Nil(t, getListEnv("KMI_TEST_UNSET_LIST", nil))
}

func TestAllowedUpstreamDefaultRequiresHTTPS(t *testing.T) {
	s := Settings{}
	assert.True(t, s.AllowedUpstream("https", "api.example.com"))
	assert.False(t, s.AllowedUpstream("http", "api.example.com"))
}

func TestAllowedUpstreamWildcardAllowlist(t *testing.T) {
	s := Settings{UpstreamAllowlist: []string{"*.example.com"}}
	assert.True(t, s.AllowedUpstream("https", "api.example.com"))
	assert.False(t, s.AllowedUpstream("https", "api.other.com"))
}

func TestAllowedUpstreamExplicitHTTPPattern(t *testing.T) {
	s := Settings{UpstreamAllowlist: []string{"http://internal.local"}}
	assert.True(t, s.AllowedUpstream("http", "internal.local"))
	assert.False(t, s.AllowedUpstream("http", "other.local"))
}

func TestNormalizeBasePathAddsLeadingSlashAndStripsTrailing(t *testing.T) {
	assert.Equal(t, "/kmi-rotor/v1", normalizeBasePath("kmi-rotor/v1/"))
	assert.Equal(t, "/kmi-rotor/v1", normalizeBasePath("/kmi-rotor/v1"))
}

func TestNormalizeBasePathRootOrEmptyYieldsEmptyString(t *testing.T) {
	assert.Equal(t, "", normalizeBasePath(""))
	assert.Equal(t, "", normalizeBasePath("/"))
	assert.Equal(t, "", normalizeBasePath("  "))
}

func TestRotationCooldownConvertsSecondsToDuration(t *testing.T) {
	s := Settings{RotationCooldownSeconds: 2.5}
	assert.Equal(t, 2500*time.Millisecond, s.RotationCooldown())
}

func TestUpdateSettingsAppliesValidFieldsAndIgnoresBadLogLevel(t *testing.T) {
	configLock.Lock()
	AppSettings = Settings{LogLevel: "info", MaxRPS: 1}
	configLock.Unlock()

	newRPS := 9.0
	badLevel := "not-a-level"
	UpdateSettings(UpdateSettingsRequest{MaxRPS: &newRPS, LogLevel: &badLevel})

	got := GetSettings()
	assert.Equal(t, 9.0, got.MaxRPS)
	assert.Equal(t, "info", got.LogLevel, "invalid log level must be ignored, not applied")
}

func TestUpdateSettingsAppliesValidLogLevel(t *testing.T) {
	configLock.Lock()
	AppSettings = Settings{LogLevel: "info"}
	configLock.Unlock()

	level := "debug"
	UpdateSettings(UpdateSettingsRequest{LogLevel: &level})

	require.Equal(t, "debug", GetSettings().LogLevel)
}
