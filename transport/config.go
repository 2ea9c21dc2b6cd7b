package transport

// Config holds configuration for the default transport
type Config struct {
	// UserAgent is sent when the request carries no User-Agent header
	// default: "httpq"
	UserAgent string `mapstructure:"user_agent"`
	// MaxIdleConnsPerHost bounds the idle connection pool per host
	// default: 8
	MaxIdleConnsPerHost int `mapstructure:"max_idle_conns_per_host"`
}

// DefaultConfig returns the default configuration for the transport
func DefaultConfig() *Config {
	return &Config{
		UserAgent:           "httpq",
		MaxIdleConnsPerHost: 8,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.MaxIdleConnsPerHost < 0 {
		return ErrInvalidMaxIdleConns(c.MaxIdleConnsPerHost)
	}
	return nil
}
