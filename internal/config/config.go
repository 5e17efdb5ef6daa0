// Package config loads MoonMind's runtime configuration from environment
// variables into a single validated struct, following the same
// plain-struct-validated-at-construction convention used by the teacher's
// own service option types.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every recognized MOONMIND_* configuration knob named in the
// specification. Unknown MOONMIND_* environment variables are rejected by
// Load so typos surface at startup instead of silently no-oping.
type Config struct {
	ArtifactRoot        string
	ArtifactMaxBytes    int64
	RetryBackoffBase    time.Duration
	RetryBackoffMax     time.Duration
	DefaultRetryDelay   time.Duration
	LiveSessionProvider string
	LiveSessionTTL      time.Duration
	LiveSessionRWGrant  time.Duration
	LiveSessionAllowWeb bool
	DefaultPublishMode  string
	DefaultTargetRuntime string

	ManifestRequiredCapabilities []string
	AllowManifestPathSource      bool

	SkillsLocalMirrorRoot  string
	SkillsLegacyMirrorRoot string
	SkillPolicyMode        string
	AllowedSkills          []string
	DefaultSkill           string

	NotificationsWebhookURL   string
	NotificationsAuthHeader   string
	NotificationsTimeout      time.Duration
	NotificationsEnabled      bool
	MoonmindCIRepository      string

	PostgresDSN string
	MongoURI    string
	MongoDB     string
	RedisAddr   string

	HTTPAddr string
}

var recognized = map[string]struct{}{
	"MOONMIND_ARTIFACT_ROOT":                   {},
	"MOONMIND_ARTIFACT_MAX_BYTES":               {},
	"MOONMIND_RETRY_BACKOFF_BASE_SECONDS":       {},
	"MOONMIND_RETRY_BACKOFF_MAX_SECONDS":        {},
	"MOONMIND_DEFAULT_RETRY_DELAY_SECONDS":      {},
	"MOONMIND_LIVE_SESSION_PROVIDER":            {},
	"MOONMIND_LIVE_SESSION_TTL_MINUTES":         {},
	"MOONMIND_LIVE_SESSION_RW_GRANT_TTL_MINUTES": {},
	"MOONMIND_LIVE_SESSION_ALLOW_WEB":           {},
	"MOONMIND_DEFAULT_PUBLISH_MODE":             {},
	"MOONMIND_DEFAULT_TARGET_RUNTIME":           {},
	"MOONMIND_MANIFEST_REQUIRED_CAPABILITIES":   {},
	"MOONMIND_ALLOW_MANIFEST_PATH_SOURCE":       {},
	"MOONMIND_SKILLS_LOCAL_MIRROR_ROOT":         {},
	"MOONMIND_SKILLS_LEGACY_MIRROR_ROOT":        {},
	"MOONMIND_SKILL_POLICY_MODE":                {},
	"MOONMIND_ALLOWED_SKILLS":                   {},
	"MOONMIND_DEFAULT_SKILL":                    {},
	"MOONMIND_NOTIFICATIONS_WEBHOOK_URL":        {},
	"MOONMIND_NOTIFICATIONS_AUTHORIZATION":      {},
	"MOONMIND_NOTIFICATIONS_TIMEOUT_SECONDS":    {},
	"MOONMIND_NOTIFICATIONS_ENABLED":            {},
	"MOONMIND_CI_REPOSITORY":                    {},
	"MOONMIND_POSTGRES_DSN":                     {},
	"MOONMIND_MONGO_URI":                        {},
	"MOONMIND_MONGO_DB":                         {},
	"MOONMIND_REDIS_ADDR":                        {},
	"MOONMIND_HTTP_ADDR":                         {},
}

// Load reads environment variables into a Config, applying defaults for
// anything unset and validating enum-shaped fields. It rejects any
// MOONMIND_-prefixed variable it does not recognize.
func Load(environ []string) (*Config, error) {
	for _, kv := range environ {
		name, _, _ := strings.Cut(kv, "=")
		if !strings.HasPrefix(name, "MOONMIND_") {
			continue
		}
		if _, ok := recognized[name]; !ok {
			return nil, fmt.Errorf("config: unrecognized environment variable %q", name)
		}
	}

	cfg := &Config{
		ArtifactRoot:            getenv("MOONMIND_ARTIFACT_ROOT", "./data/artifacts"),
		ArtifactMaxBytes:        getenvInt64("MOONMIND_ARTIFACT_MAX_BYTES", 200*1024*1024),
		RetryBackoffBase:        getenvSeconds("MOONMIND_RETRY_BACKOFF_BASE_SECONDS", 5*time.Second),
		RetryBackoffMax:         getenvSeconds("MOONMIND_RETRY_BACKOFF_MAX_SECONDS", 300*time.Second),
		DefaultRetryDelay:       getenvSeconds("MOONMIND_DEFAULT_RETRY_DELAY_SECONDS", 30*time.Second),
		LiveSessionProvider:     getenv("MOONMIND_LIVE_SESSION_PROVIDER", "tmate"),
		LiveSessionTTL:          getenvMinutes("MOONMIND_LIVE_SESSION_TTL_MINUTES", 60*time.Minute),
		LiveSessionRWGrant:      getenvMinutes("MOONMIND_LIVE_SESSION_RW_GRANT_TTL_MINUTES", 30*time.Minute),
		LiveSessionAllowWeb:     getenvBool("MOONMIND_LIVE_SESSION_ALLOW_WEB", false),
		DefaultPublishMode:      getenv("MOONMIND_DEFAULT_PUBLISH_MODE", "pr"),
		DefaultTargetRuntime:    getenv("MOONMIND_DEFAULT_TARGET_RUNTIME", "codex"),
		AllowManifestPathSource: getenvBool("MOONMIND_ALLOW_MANIFEST_PATH_SOURCE", false),
		SkillsLocalMirrorRoot:   getenv("MOONMIND_SKILLS_LOCAL_MIRROR_ROOT", ""),
		SkillsLegacyMirrorRoot:  getenv("MOONMIND_SKILLS_LEGACY_MIRROR_ROOT", ""),
		SkillPolicyMode:         getenv("MOONMIND_SKILL_POLICY_MODE", "allowlist"),
		DefaultSkill:            getenv("MOONMIND_DEFAULT_SKILL", "speckit"),
		NotificationsWebhookURL: getenv("MOONMIND_NOTIFICATIONS_WEBHOOK_URL", ""),
		NotificationsAuthHeader: getenv("MOONMIND_NOTIFICATIONS_AUTHORIZATION", ""),
		NotificationsTimeout:    getenvSeconds("MOONMIND_NOTIFICATIONS_TIMEOUT_SECONDS", 5*time.Second),
		NotificationsEnabled:    getenvBool("MOONMIND_NOTIFICATIONS_ENABLED", false),
		MoonmindCIRepository:    getenv("MOONMIND_CI_REPOSITORY", "MoonLadderStudios/MoonMind"),
		PostgresDSN:             getenv("MOONMIND_POSTGRES_DSN", "postgres://localhost:5432/moonmind"),
		MongoURI:                getenv("MOONMIND_MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:                 getenv("MOONMIND_MONGO_DB", "moonmind"),
		RedisAddr:               getenv("MOONMIND_REDIS_ADDR", "localhost:6379"),
		HTTPAddr:                getenv("MOONMIND_HTTP_ADDR", ":8080"),
	}
	if v := getenv("MOONMIND_MANIFEST_REQUIRED_CAPABILITIES", "manifest"); v != "" {
		cfg.ManifestRequiredCapabilities = strings.Split(v, ",")
	}
	if v := getenv("MOONMIND_ALLOWED_SKILLS", "speckit"); v != "" {
		cfg.AllowedSkills = strings.Split(v, ",")
	}

	switch cfg.SkillPolicyMode {
	case "allowlist", "permissive":
	default:
		return nil, fmt.Errorf("config: invalid MOONMIND_SKILL_POLICY_MODE %q", cfg.SkillPolicyMode)
	}
	switch cfg.DefaultPublishMode {
	case "none", "branch", "pr":
	default:
		return nil, fmt.Errorf("config: invalid MOONMIND_DEFAULT_PUBLISH_MODE %q", cfg.DefaultPublishMode)
	}
	if cfg.ArtifactMaxBytes <= 0 {
		return nil, fmt.Errorf("config: MOONMIND_ARTIFACT_MAX_BYTES must be positive")
	}
	return cfg, nil
}

func getenv(name, def string) string {
	if v, ok := lookup(name); ok {
		return v
	}
	return def
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	return v, ok
}

func getenvInt64(name string, def int64) int64 {
	v, ok := lookup(name)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(name string, def bool) bool {
	v, ok := lookup(name)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvSeconds(name string, def time.Duration) time.Duration {
	n := getenvInt64(name, -1)
	if n < 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func getenvMinutes(name string, def time.Duration) time.Duration {
	n := getenvInt64(name, -1)
	if n < 0 {
		return def
	}
	return time.Duration(n) * time.Minute
}
