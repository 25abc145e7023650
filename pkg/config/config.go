package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"streamrtc/pkg/tracing"
	"streamrtc/pkg/validation"

	"gopkg.in/yaml.v2"
)

var trackTypeNames = map[string]bool{
	"audio":             true,
	"video":             true,
	"screenshare":       true,
	"screenshare_audio": true,
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// TrackPolicy is the subscription policy of one role (or the default).
type TrackPolicy struct {
	TrackTypes        []string `yaml:"track_types"`
	VideoWidth        uint32   `yaml:"video_width"`
	VideoHeight       uint32   `yaml:"video_height"`
	ScreenshareWidth  uint32   `yaml:"screenshare_width"`
	ScreenshareHeight uint32   `yaml:"screenshare_height"`
}

type RoleFilter struct {
	Role        string `yaml:"role"`
	TrackPolicy `yaml:",inline"`
}

type Config struct {
	Server struct {
		Enabled         bool          `yaml:"enabled"`
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		RequireAuth     bool          `yaml:"require_auth"`
		RateLimit       float64       `yaml:"rate_limit"`
		RateBurst       int           `yaml:"rate_burst"`
	} `yaml:"server"`

	Coordinator struct {
		APIKey              string        `yaml:"api_key"`
		APISecret           string        `yaml:"api_secret"`
		BaseURL             string        `yaml:"base_url"`
		WSURL               string        `yaml:"ws_url"`
		TokenTTL            time.Duration `yaml:"token_ttl"`
		RequestTimeout      time.Duration `yaml:"request_timeout"`
		HealthcheckInterval time.Duration `yaml:"healthcheck_interval"`
		HealthcheckTimeout  time.Duration `yaml:"healthcheck_timeout"`
		MaxRetries          int           `yaml:"max_retries"`
	} `yaml:"coordinator"`

	Call struct {
		Type     string `yaml:"type"`
		ID       string `yaml:"id"`
		UserID   string `yaml:"user_id"`
		UserName string `yaml:"user_name"`
		Create   bool   `yaml:"create"`
	} `yaml:"call"`

	SFU struct {
		JoinTimeout         time.Duration `yaml:"join_timeout"`
		HealthCheckInterval time.Duration `yaml:"health_check_interval"`
		RPCTimeout          time.Duration `yaml:"rpc_timeout"`
		RPCRateLimit        float64       `yaml:"rpc_rate_limit"`
		RPCBurst            int           `yaml:"rpc_burst"`
	} `yaml:"sfu"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
		GatherTimeout  time.Duration `yaml:"gather_timeout"`
	} `yaml:"webrtc"`

	Publisher struct {
		ProbeTimeout time.Duration `yaml:"probe_timeout"`
	} `yaml:"publisher"`

	Reconnect struct {
		DisconnectionTimeout  time.Duration `yaml:"disconnection_timeout"`
		RetryDelay            time.Duration `yaml:"retry_delay"`
		FastReconnectDeadline time.Duration `yaml:"fast_reconnect_deadline"`
	} `yaml:"reconnect"`

	Network struct {
		Enabled       bool          `yaml:"enabled"`
		Hosts         []string      `yaml:"hosts"`
		CheckInterval time.Duration `yaml:"check_interval"`
		Timeout       time.Duration `yaml:"timeout"`
	} `yaml:"network"`

	Stats struct {
		Interval      time.Duration `yaml:"interval"`
		ScheduleDelay time.Duration `yaml:"schedule_delay"`
	} `yaml:"stats"`

	Subscription struct {
		Default          TrackPolicy  `yaml:"default"`
		RoleFilters      []RoleFilter `yaml:"role_filters"`
		MaxSubscriptions int          `yaml:"max_subscriptions"`
	} `yaml:"subscription"`

	Location struct {
		Override   string        `yaml:"override"`
		HintURL    string        `yaml:"hint_url"`
		MaxRetries int           `yaml:"max_retries"`
		Timeout    time.Duration `yaml:"timeout"`
	} `yaml:"location"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Tracing tracing.Config `yaml:"tracing"`

	Redis struct {
		Enabled      bool          `yaml:"enabled"`
		Address      string        `yaml:"address"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		LeaseTTL     time.Duration `yaml:"lease_ttl"`
		ShareRoster  bool          `yaml:"share_roster"`
		MirrorEvents bool          `yaml:"mirror_events"`
	} `yaml:"redis"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Enabled {
		if c.Server.Address == "" {
			return fmt.Errorf("server.address must not be empty when server.enabled=true")
		}
		if c.Server.ShutdownTimeout <= 0 {
			return fmt.Errorf("server.shutdown_timeout must be > 0")
		}
		if c.Server.RateLimit > 0 && c.Server.RateBurst <= 0 {
			return fmt.Errorf("server.rate_burst must be > 0 when server.rate_limit is set")
		}
	}

	// Coordinator
	if c.Coordinator.APIKey == "" {
		return fmt.Errorf("coordinator.api_key must not be empty")
	}
	if c.Coordinator.APISecret == "" {
		return fmt.Errorf("coordinator.api_secret must not be empty")
	}
	if err := validation.ValidateURL(c.Coordinator.BaseURL, "http", "https"); err != nil {
		return fmt.Errorf("coordinator.base_url: %w", err)
	}
	if err := validation.ValidateURL(c.Coordinator.WSURL, "ws", "wss"); err != nil {
		return fmt.Errorf("coordinator.ws_url: %w", err)
	}
	if c.Coordinator.TokenTTL < 0 {
		return fmt.Errorf("coordinator.token_ttl must be >= 0")
	}
	if c.Coordinator.HealthcheckInterval <= 0 || c.Coordinator.HealthcheckTimeout <= c.Coordinator.HealthcheckInterval {
		return fmt.Errorf("coordinator.healthcheck_timeout must be > healthcheck_interval > 0")
	}
	if c.Coordinator.MaxRetries < 0 {
		return fmt.Errorf("coordinator.max_retries must be >= 0")
	}

	// Call
	if err := validation.ValidateCallType(c.Call.Type); err != nil {
		return fmt.Errorf("call.type: %w", err)
	}
	if c.Call.ID != "" {
		if err := validation.ValidateCallID(c.Call.ID); err != nil {
			return fmt.Errorf("call.id: %w", err)
		}
	}
	if err := validation.ValidateUserID(c.Call.UserID); err != nil {
		return fmt.Errorf("call.user_id: %w", err)
	}
	if err := validation.ValidateUserName(c.Call.UserName); err != nil {
		return fmt.Errorf("call.user_name: %w", err)
	}

	// SFU
	if c.SFU.JoinTimeout <= 0 {
		return fmt.Errorf("sfu.join_timeout must be > 0")
	}
	if c.SFU.RPCTimeout <= 0 {
		return fmt.Errorf("sfu.rpc_timeout must be > 0")
	}
	if c.SFU.RPCRateLimit > 0 && c.SFU.RPCBurst <= 0 {
		return fmt.Errorf("sfu.rpc_burst must be > 0 when sfu.rpc_rate_limit is set")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	if c.WebRTC.ConnectTimeout <= 0 {
		return fmt.Errorf("webrtc.connect_timeout must be > 0")
	}

	// Reconnect
	if c.Reconnect.DisconnectionTimeout <= 0 {
		return fmt.Errorf("reconnect.disconnection_timeout must be > 0")
	}
	if c.Reconnect.RetryDelay < 0 {
		return fmt.Errorf("reconnect.retry_delay must be >= 0")
	}

	// Network
	if c.Network.Enabled {
		if len(c.Network.Hosts) == 0 {
			return fmt.Errorf("network.hosts must not be empty when network.enabled=true")
		}
		if c.Network.CheckInterval <= 0 || c.Network.Timeout <= 0 {
			return fmt.Errorf("network.check_interval and network.timeout must be > 0")
		}
	}

	// Stats
	if c.Stats.Interval <= 0 {
		return fmt.Errorf("stats.interval must be > 0")
	}

	// Subscription
	if err := validatePolicy("subscription.default", c.Subscription.Default); err != nil {
		return err
	}
	for i, f := range c.Subscription.RoleFilters {
		if f.Role == "" {
			return fmt.Errorf("subscription.role_filters[%d].role must not be empty", i)
		}
		if err := validatePolicy(fmt.Sprintf("subscription.role_filters[%d]", i), f.TrackPolicy); err != nil {
			return err
		}
	}
	if c.Subscription.MaxSubscriptions < 0 {
		return fmt.Errorf("subscription.max_subscriptions must be >= 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be json or console")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.LeaseTTL < time.Second {
			return fmt.Errorf("redis.lease_ttl must be >= 1s when redis.enabled=true")
		}
	}

	return nil
}

func validatePolicy(path string, p TrackPolicy) error {
	for _, t := range p.TrackTypes {
		if !trackTypeNames[strings.ToLower(t)] {
			return fmt.Errorf("%s.track_types: unknown track type %q", path, t)
		}
	}
	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
// A missing file yields the defaults with env overrides applied, unvalidated.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults. Credentials and
// the call id have no default.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Enabled = true
	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 10 * time.Second
	cfg.Server.WriteTimeout = 10 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second
	cfg.Server.RateLimit = 10
	cfg.Server.RateBurst = 20

	cfg.Coordinator.BaseURL = "https://video.stream-io-api.com"
	cfg.Coordinator.WSURL = "wss://chat.stream-io-api.com/api/v2/connect"
	cfg.Coordinator.TokenTTL = time.Hour
	cfg.Coordinator.RequestTimeout = 10 * time.Second
	cfg.Coordinator.HealthcheckInterval = 15 * time.Second
	cfg.Coordinator.HealthcheckTimeout = 30 * time.Second
	cfg.Coordinator.MaxRetries = 5

	cfg.Call.Type = "default"
	cfg.Call.UserID = "streamrtc-agent"
	cfg.Call.UserName = "streamrtc agent"
	cfg.Call.Create = true

	cfg.SFU.JoinTimeout = 15 * time.Second
	cfg.SFU.HealthCheckInterval = 10 * time.Second
	cfg.SFU.RPCTimeout = 10 * time.Second
	cfg.SFU.RPCRateLimit = 20
	cfg.SFU.RPCBurst = 10

	cfg.WebRTC.ConnectTimeout = 15 * time.Second
	cfg.WebRTC.GatherTimeout = 5 * time.Second

	cfg.Publisher.ProbeTimeout = 3 * time.Second

	cfg.Reconnect.DisconnectionTimeout = 30 * time.Second
	cfg.Reconnect.RetryDelay = 500 * time.Millisecond
	cfg.Reconnect.FastReconnectDeadline = 10 * time.Second

	cfg.Network.Enabled = true
	cfg.Network.Hosts = []string{"8.8.8.8:53", "1.1.1.1:53", "208.67.222.222:53"}
	cfg.Network.CheckInterval = time.Second
	cfg.Network.Timeout = 3 * time.Second

	cfg.Stats.Interval = 8 * time.Second
	cfg.Stats.ScheduleDelay = 3 * time.Second

	cfg.Subscription.Default = TrackPolicy{
		TrackTypes:        []string{"audio"},
		VideoWidth:        1280,
		VideoHeight:       720,
		ScreenshareWidth:  1920,
		ScreenshareHeight: 1080,
	}

	cfg.Location.HintURL = "https://hint.stream-io-video.com/"
	cfg.Location.MaxRetries = 3
	cfg.Location.Timeout = time.Second

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Tracing = tracing.DefaultConfig()

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.LeaseTTL = 30 * time.Second
	cfg.Redis.MirrorEvents = true

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("STREAMRTC_API_KEY"); v != "" {
		c.Coordinator.APIKey = v
	}
	if v := os.Getenv("STREAMRTC_API_SECRET"); v != "" {
		c.Coordinator.APISecret = v
	}
	if v := os.Getenv("STREAMRTC_BASE_URL"); v != "" {
		c.Coordinator.BaseURL = v
	}
	if v := os.Getenv("STREAMRTC_WS_URL"); v != "" {
		c.Coordinator.WSURL = v
	}
	if v := os.Getenv("STREAMRTC_CALL_TYPE"); v != "" {
		c.Call.Type = v
	}
	if v := os.Getenv("STREAMRTC_CALL_ID"); v != "" {
		c.Call.ID = v
	}
	if v := os.Getenv("STREAMRTC_USER_ID"); v != "" {
		c.Call.UserID = v
	}
	if v := os.Getenv("STREAMRTC_SERVER_ADDRESS"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("STREAMRTC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("STREAMRTC_REDIS_ADDRESS"); v != "" {
		c.Redis.Address = v
		c.Redis.Enabled = true
	}
}
