package config

import (
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	Port        int    `envconfig:"PORT" default:"8080"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	Version     string `envconfig:"VERSION" default:"dev"`

	// JWTSecret has no generated fallback on purpose: an ephemeral key
	// would silently invalidate every outstanding session on restart.
	JWTSecret   string        `envconfig:"JWT_SECRET" required:"true"`
	JWTIssuer   string        `envconfig:"JWT_ISSUER" default:"hubforge"`
	SessionTTL  time.Duration `envconfig:"SESSION_TTL" default:"168h"`
	StateTTL    time.Duration `envconfig:"OAUTH_STATE_TTL" default:"10m"`
	BcryptCost  int           `envconfig:"BCRYPT_COST" default:"12"`
	FrontendURL string        `envconfig:"FRONTEND_URL" default:"http://localhost:3000"`

	// PublicBaseURL is this service's externally reachable base URL, used
	// to build OAuth redirect URIs.
	PublicBaseURL string `envconfig:"PUBLIC_BASE_URL" default:"http://localhost:8080"`

	// OAuthTimeout bounds every outbound call to a platform token or
	// profile endpoint so a slow provider cannot hang a callback request.
	OAuthTimeout time.Duration `envconfig:"OAUTH_TIMEOUT" default:"8s"`

	// IdentityCoreURL, when set, routes platform exchanges through the
	// upstream Identity Core service instead of calling providers directly.
	IdentityCoreURL string `envconfig:"IDENTITY_CORE_URL" default:""`
}

// Load reads configuration from environment variables into a Config struct.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	cfg.FrontendURL = strings.TrimRight(cfg.FrontendURL, "/")
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return &cfg, nil
}
