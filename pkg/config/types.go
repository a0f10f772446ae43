package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from yaml strings like "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// ChannelConfig holds per-network settings for one adapter.
type ChannelConfig struct {
	Enabled bool `yaml:"enabled"`
	// Endpoint is the provider API base URL; tests point it at a stub.
	Endpoint string `yaml:"endpoint"`
	// Token authenticates outbound calls to the provider.
	Token string `yaml:"token"`
	// VerifyToken authenticates inbound webhooks from the provider.
	VerifyToken string `yaml:"verify_token"`
	// ReplyWindow is the channel-imposed hard reply deadline measured
	// from each inbound message; zero disables the window.
	ReplyWindow Duration `yaml:"reply_window"`
	// Provider-side rate limit for outbound sends.
	RateRPS   float64 `yaml:"rate_rps"`
	RateBurst int     `yaml:"rate_burst"`
}

// Config is the full file-backed configuration.
type Config struct {
	Server struct {
		Address string `yaml:"address"`
		Port    int    `yaml:"port"`
		TLS     struct {
			CertFile string `yaml:"cert_file"`
			KeyFile  string `yaml:"key_file"`
		} `yaml:"tls"`
	} `yaml:"server"`
	Storage struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"storage"`
	Channels map[string]ChannelConfig `yaml:"channels"`
	Ingest   struct {
		QueueCapacity int `yaml:"queue_capacity"`
		Workers       int `yaml:"workers"`
		// DedupWindow bounds how long (channel, provider msg id) pairs
		// are remembered; it should cover the longest plausible
		// provider webhook retry interval.
		DedupWindow Duration `yaml:"dedup_window"`
	} `yaml:"ingest"`
	SLA struct {
		// ResponseTarget is the soft response-time SLA.
		ResponseTarget Duration `yaml:"response_target"`
		// WarnRatio of the target elapsed flips urgency to yellow.
		WarnRatio     float64  `yaml:"warn_ratio"`
		SweepInterval Duration `yaml:"sweep_interval"`
		// IdleClose closes threads with no traffic at all for this long.
		IdleClose Duration `yaml:"idle_close"`
	} `yaml:"sla"`
	Dispatch struct {
		MaxAttempts    int      `yaml:"max_attempts"`
		BackoffInitial Duration `yaml:"backoff_initial"`
		BackoffMax     Duration `yaml:"backoff_max"`
		AttemptTimeout Duration `yaml:"attempt_timeout"`
		QueueCapacity  int      `yaml:"queue_capacity"`
	} `yaml:"dispatch"`
	Assist struct {
		Enabled bool   `yaml:"enabled"`
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
		Model   string `yaml:"model"`
		// Timeout bounds each enrichment call; a late response is
		// dropped rather than awaited.
		Timeout Duration `yaml:"timeout"`
		// TargetLanguage is the staff-side language for translations.
		TargetLanguage string `yaml:"target_language"`
	} `yaml:"assist"`
	Security struct {
		CORS struct {
			AllowedOrigins []string `yaml:"allowed_origins"`
		} `yaml:"cors"`
		RateLimit struct {
			RPS   float64 `yaml:"rps"`
			Burst int     `yaml:"burst"`
		} `yaml:"rate_limit"`
		APIKeys struct {
			Console []string `yaml:"console"`
			Admin   []string `yaml:"admin"`
		} `yaml:"api_keys"`
	} `yaml:"security"`
	Logging struct {
		Level    string `yaml:"level"`
		AuditDir string `yaml:"audit_dir"`
	} `yaml:"logging"`
	Retention struct {
		Enabled bool   `yaml:"enabled"`
		Cron    string `yaml:"cron"`
		// ClosedThreadPeriod archives CLOSED threads older than this.
		ClosedThreadPeriod Duration `yaml:"closed_thread_period"`
	} `yaml:"retention"`
}

// Addr returns host:port for the HTTP server.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	p := c.Server.Port
	if p == 0 {
		p = 8080
	}
	return fmt.Sprintf("%s:%d", addr, p)
}

// Channel returns the config block for a channel, zero value when absent.
func (c *Config) Channel(name string) ChannelConfig {
	if c.Channels == nil {
		return ChannelConfig{}
	}
	return c.Channels[name]
}

// ApplyDefaults fills unset fields with operational defaults.
func (c *Config) ApplyDefaults() {
	if c.Ingest.QueueCapacity == 0 {
		c.Ingest.QueueCapacity = 8 * 1024
	}
	if c.Ingest.Workers == 0 {
		c.Ingest.Workers = 8
	}
	if c.Ingest.DedupWindow == 0 {
		c.Ingest.DedupWindow = Duration(10 * time.Minute)
	}
	if c.SLA.ResponseTarget == 0 {
		c.SLA.ResponseTarget = Duration(5 * time.Minute)
	}
	if c.SLA.WarnRatio == 0 {
		c.SLA.WarnRatio = 0.4
	}
	if c.SLA.SweepInterval == 0 {
		c.SLA.SweepInterval = Duration(30 * time.Second)
	}
	if c.Dispatch.MaxAttempts == 0 {
		c.Dispatch.MaxAttempts = 3
	}
	if c.Dispatch.BackoffInitial == 0 {
		c.Dispatch.BackoffInitial = Duration(500 * time.Millisecond)
	}
	if c.Dispatch.BackoffMax == 0 {
		c.Dispatch.BackoffMax = Duration(8 * time.Second)
	}
	if c.Dispatch.AttemptTimeout == 0 {
		c.Dispatch.AttemptTimeout = Duration(3 * time.Second)
	}
	if c.Dispatch.QueueCapacity == 0 {
		c.Dispatch.QueueCapacity = 1024
	}
	if c.Assist.Timeout == 0 {
		c.Assist.Timeout = Duration(3 * time.Second)
	}
	if c.Assist.TargetLanguage == "" {
		c.Assist.TargetLanguage = "en"
	}
	if c.Retention.Cron == "" {
		c.Retention.Cron = "0 2 * * *"
	}
	if c.Retention.ClosedThreadPeriod == 0 {
		c.Retention.ClosedThreadPeriod = Duration(90 * 24 * time.Hour)
	}
}
