package config

import (
	"fmt"
	"time"
)

// Settings are the process-wide app settings, loaded once from the
// environment at startup. Every runtime parameter is environment-addressable.
type Settings struct {
	Port       string // WEB_PORT
	Debug      bool   // DEBUG
	DebugUser  string // DEBUG_USER: fallback identity when Debug is set
	UserHeader string // USER_HEADER: trusted reverse-proxy identity header

	AdminGroup      string        // ADMIN_GROUP
	RateLimitRPM    int           // RATE_LIMIT_RPM
	RateLimitWindow time.Duration // RATE_LIMIT_WINDOW_SECONDS
	AllowedOrigins  []string      // ALLOWED_ORIGINS: empty disables the check

	TokenSecret string        // CAPABILITY_TOKEN_SECRET
	TokenTTL    time.Duration // CAPABILITY_TOKEN_TTL_SECONDS

	S3Endpoint  string // S3_ENDPOINT: empty selects the local backend
	S3Region    string // S3_REGION
	S3Bucket    string // S3_BUCKET
	S3AccessKey string // S3_ACCESS_KEY
	S3SecretKey string // S3_SECRET_KEY

	RAGEndpoint string // RAG_ENDPOINT: empty disables RAG

	LLMTimeout   time.Duration // LLM_TIMEOUT_SECONDS
	RAGTimeout   time.Duration // RAG_TIMEOUT_SECONDS
	StoreTimeout time.Duration // STORE_TIMEOUT_SECONDS
	ToolTimeout  time.Duration // TOOL_TIMEOUT_SECONDS

	AgentMaxSteps int // AGENT_MAX_STEPS: default bound for agent turns

	OverridesDir string // CONFIG_OVERRIDES_DIR: first catalog search location
	DefaultsDir  string // CONFIG_DEFAULTS_DIR: second catalog search location
}

// LoadSettings reads all settings from the environment.
func LoadSettings() (*Settings, error) {
	s := &Settings{
		Port:       getEnvOrDefault("WEB_PORT", "8080"),
		Debug:      getEnvBool("DEBUG"),
		DebugUser:  getEnvOrDefault("DEBUG_USER", "dev@localhost"),
		UserHeader: getEnvOrDefault("USER_HEADER", "X-User-Email"),

		AdminGroup:      getEnvOrDefault("ADMIN_GROUP", "admin"),
		RateLimitRPM:    getEnvIntOrDefault("RATE_LIMIT_RPM", 60),
		RateLimitWindow: time.Duration(getEnvIntOrDefault("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
		AllowedOrigins:  getEnvList("ALLOWED_ORIGINS"),

		TokenSecret: getEnvOrDefault("CAPABILITY_TOKEN_SECRET", ""),
		TokenTTL:    time.Duration(getEnvIntOrDefault("CAPABILITY_TOKEN_TTL_SECONDS", 3600)) * time.Second,

		S3Endpoint:  getEnvOrDefault("S3_ENDPOINT", ""),
		S3Region:    getEnvOrDefault("S3_REGION", "us-east-1"),
		S3Bucket:    getEnvOrDefault("S3_BUCKET", ""),
		S3AccessKey: getEnvOrDefault("S3_ACCESS_KEY", ""),
		S3SecretKey: getEnvOrDefault("S3_SECRET_KEY", ""),

		RAGEndpoint: getEnvOrDefault("RAG_ENDPOINT", ""),

		LLMTimeout:   time.Duration(getEnvIntOrDefault("LLM_TIMEOUT_SECONDS", 30)) * time.Second,
		RAGTimeout:   time.Duration(getEnvIntOrDefault("RAG_TIMEOUT_SECONDS", 20)) * time.Second,
		StoreTimeout: time.Duration(getEnvIntOrDefault("STORE_TIMEOUT_SECONDS", 30)) * time.Second,
		ToolTimeout:  time.Duration(getEnvIntOrDefault("TOOL_TIMEOUT_SECONDS", 30)) * time.Second,

		AgentMaxSteps: getEnvIntOrDefault("AGENT_MAX_STEPS", 10),

		OverridesDir: getEnvOrDefault("CONFIG_OVERRIDES_DIR", ""),
		DefaultsDir:  getEnvOrDefault("CONFIG_DEFAULTS_DIR", "config"),
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks settings that have no sensible zero value.
func (s *Settings) Validate() error {
	if s.TokenSecret == "" {
		return fmt.Errorf("CAPABILITY_TOKEN_SECRET is required. Set it in .env or environment")
	}
	if s.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM cannot be negative, got %d", s.RateLimitRPM)
	}
	if s.AgentMaxSteps < 0 {
		return fmt.Errorf("AGENT_MAX_STEPS cannot be negative, got %d", s.AgentMaxSteps)
	}
	return nil
}
