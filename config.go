package toolhost

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config carries environment-derived serving settings. Fields left at their
// zero value fall back to the Server defaults.
type Config struct {
	// Addr is the HTTP listen address. ENV: TOOLHOST_ADDR
	Addr string `env:"TOOLHOST_ADDR,default=:8080"`
	// Stateless selects the stateless HTTP transport. ENV: TOOLHOST_STATELESS
	Stateless bool `env:"TOOLHOST_STATELESS,default=false"`
	// EndpointPath is the stateful HTTP serving path. ENV: TOOLHOST_ENDPOINT_PATH
	EndpointPath string `env:"TOOLHOST_ENDPOINT_PATH,default=/rpc"`
	// ResourceDir, when set, is served as a watched resource directory.
	// ENV: TOOLHOST_RESOURCE_DIR
	ResourceDir string `env:"TOOLHOST_RESOURCE_DIR,default="`
	// ContentRoot is the directory file-hint content resolves against.
	// ENV: TOOLHOST_CONTENT_ROOT
	ContentRoot string `env:"TOOLHOST_CONTENT_ROOT,default="`
	// HandlerTimeout bounds each invocation. ENV: TOOLHOST_HANDLER_TIMEOUT
	HandlerTimeout time.Duration `env:"TOOLHOST_HANDLER_TIMEOUT,default=30s"`
	// IdleTTL closes stateful sessions after inactivity. ENV: TOOLHOST_IDLE_TTL
	IdleTTL time.Duration `env:"TOOLHOST_IDLE_TTL,default=30m"`
	// GracePeriod bounds the drain wait on close. ENV: TOOLHOST_GRACE_PERIOD
	GracePeriod time.Duration `env:"TOOLHOST_GRACE_PERIOD,default=10s"`
	// AllowedOrigins extends the browser origin allow-list.
	// ENV: TOOLHOST_ALLOWED_ORIGINS (comma separated)
	AllowedOrigins []string `env:"TOOLHOST_ALLOWED_ORIGINS,default="`
}

// ConfigFromEnv loads Config from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode toolhost config: %w", err)
	}
	return cfg, nil
}

// Options converts the Config into Server options.
func (c Config) Options() []Option {
	opts := []Option{
		WithHandlerTimeout(c.HandlerTimeout),
		WithIdleTTL(c.IdleTTL),
		WithGracePeriod(c.GracePeriod),
	}
	if c.EndpointPath != "" {
		opts = append(opts, WithEndpointPath(c.EndpointPath))
	}
	if c.ContentRoot != "" {
		opts = append(opts, WithContentRoot(c.ContentRoot))
	}
	if len(c.AllowedOrigins) > 0 {
		opts = append(opts, WithAllowedOrigins(c.AllowedOrigins))
	}
	return opts
}
