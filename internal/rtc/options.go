package rtc

import (
	"fmt"
	"time"

	"streamrtc/internal/core/domain"
	"streamrtc/internal/core/services"
	"streamrtc/internal/infrastructure/coordinator"
	"streamrtc/internal/infrastructure/sfu"
	"streamrtc/internal/infrastructure/stats"
	webrtcinfra "streamrtc/internal/infrastructure/webrtc"
	"streamrtc/pkg/config"
	"streamrtc/pkg/location"

	"github.com/pion/webrtc/v3"
)

const (
	sdkName     = "streamrtc-go"
	sdkVersion  = "0.1.0"
	pionVersion = "pion/webrtc v3"
)

// Options carries everything a Connection needs besides its collaborators.
type Options struct {
	CallType string
	CallID   string
	UserID   string
	UserName string
	Create   bool

	APIKey       string
	APISecret    string
	TokenTTL     time.Duration
	API          coordinator.APIConfig
	Socket       coordinator.SocketConfig
	Signaling    sfu.SignalingConfig
	RPC          sfu.RPCConfig
	WebRTC       webrtcinfra.Config
	Reconnect    services.ReconnectConfig
	Network      services.NetworkMonitorConfig
	Subscription domain.SubscriptionConfig
	Stats        stats.ReporterConfig
	StatsDelay   time.Duration
	Location     location.Config

	// LocationOverride skips discovery when set.
	LocationOverride string
	NetworkMonitor   bool
}

// CallCID is the "type:id" identifier of the call.
func (o Options) CallCID() string {
	return o.CallType + ":" + o.CallID
}

func DefaultOptions() Options {
	return Options{
		CallType:     "default",
		Create:       true,
		API:          coordinator.DefaultAPIConfig(),
		Socket:       coordinator.DefaultSocketConfig(),
		Signaling:    sfu.DefaultSignalingConfig(),
		RPC:          sfu.DefaultRPCConfig(),
		WebRTC:       webrtcinfra.DefaultConfig(),
		Reconnect:    services.DefaultReconnectConfig(),
		Network:      services.DefaultNetworkMonitorConfig(),
		Subscription: domain.DefaultSubscriptionConfig(),
		Stats: stats.ReporterConfig{
			Interval:      stats.DefaultInterval,
			SDK:           sdkName,
			SDKVersion:    sdkVersion,
			WebRTCVersion: pionVersion,
		},
		StatsDelay:     stats.DefaultScheduleDelay,
		Location:       location.DefaultConfig(),
		NetworkMonitor: true,
	}
}

// OptionsFromConfig maps the agent configuration onto connection options.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	opts := DefaultOptions()

	opts.CallType = cfg.Call.Type
	opts.CallID = cfg.Call.ID
	opts.UserID = cfg.Call.UserID
	opts.UserName = cfg.Call.UserName
	opts.Create = cfg.Call.Create

	opts.APIKey = cfg.Coordinator.APIKey
	opts.APISecret = cfg.Coordinator.APISecret
	opts.TokenTTL = cfg.Coordinator.TokenTTL

	opts.API.BaseURL = cfg.Coordinator.BaseURL
	opts.API.APIKey = cfg.Coordinator.APIKey
	if cfg.Coordinator.RequestTimeout > 0 {
		opts.API.Timeout = cfg.Coordinator.RequestTimeout
	}
	opts.API.Retry.Enabled = cfg.Coordinator.MaxRetries > 0
	opts.API.Retry.MaxAttempts = cfg.Coordinator.MaxRetries

	opts.Socket.URI = cfg.Coordinator.WSURL
	opts.Socket.APIKey = cfg.Coordinator.APIKey
	opts.Socket.HealthcheckInterval = cfg.Coordinator.HealthcheckInterval
	opts.Socket.HealthcheckTimeout = cfg.Coordinator.HealthcheckTimeout
	opts.Socket.MaxRetries = cfg.Coordinator.MaxRetries
	if cfg.Call.UserName != "" {
		opts.Socket.UserDetails = map[string]any{"id": cfg.Call.UserID, "name": cfg.Call.UserName}
	}

	opts.Signaling.JoinTimeout = cfg.SFU.JoinTimeout
	opts.Signaling.HealthCheckInterval = cfg.SFU.HealthCheckInterval
	opts.RPC = sfu.RPCConfig{
		Timeout:   cfg.SFU.RPCTimeout,
		RateLimit: cfg.SFU.RPCRateLimit,
		Burst:     cfg.SFU.RPCBurst,
	}

	for _, s := range cfg.WebRTC.ICEServers {
		opts.WebRTC.ICEServers = append(opts.WebRTC.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	opts.WebRTC.PortRange = webrtcinfra.PortRange{Min: cfg.WebRTC.PortRange.Min, Max: cfg.WebRTC.PortRange.Max}
	opts.WebRTC.ConnectTimeout = cfg.WebRTC.ConnectTimeout
	opts.WebRTC.GatherTimeout = cfg.WebRTC.GatherTimeout
	opts.WebRTC.ProbeTimeout = cfg.Publisher.ProbeTimeout

	opts.Reconnect = services.ReconnectConfig{
		DisconnectionTimeout:  cfg.Reconnect.DisconnectionTimeout,
		RetryDelay:            cfg.Reconnect.RetryDelay,
		FastReconnectDeadline: cfg.Reconnect.FastReconnectDeadline,
	}

	opts.NetworkMonitor = cfg.Network.Enabled
	opts.Network = services.NetworkMonitorConfig{
		Hosts:                 cfg.Network.Hosts,
		CheckInterval:         cfg.Network.CheckInterval,
		Timeout:               cfg.Network.Timeout,
		FastReconnectDeadline: cfg.Reconnect.FastReconnectDeadline,
	}

	opts.Stats.Interval = cfg.Stats.Interval
	opts.StatsDelay = cfg.Stats.ScheduleDelay

	sub, err := subscriptionConfig(cfg)
	if err != nil {
		return Options{}, err
	}
	opts.Subscription = sub

	opts.LocationOverride = cfg.Location.Override
	opts.Location = location.Config{
		URL:        cfg.Location.HintURL,
		MaxRetries: cfg.Location.MaxRetries,
		Timeout:    cfg.Location.Timeout,
	}

	return opts, nil
}

func subscriptionConfig(cfg *config.Config) (domain.SubscriptionConfig, error) {
	def, err := trackPolicy(cfg.Subscription.Default)
	if err != nil {
		return domain.SubscriptionConfig{}, fmt.Errorf("subscription.default: %w", err)
	}
	out := domain.SubscriptionConfig{
		Default:          def,
		MaxSubscriptions: cfg.Subscription.MaxSubscriptions,
	}
	for i, f := range cfg.Subscription.RoleFilters {
		policy, err := trackPolicy(f.TrackPolicy)
		if err != nil {
			return domain.SubscriptionConfig{}, fmt.Errorf("subscription.role_filters[%d]: %w", i, err)
		}
		out.RoleFilters = append(out.RoleFilters, domain.RoleFilter{Role: f.Role, Config: policy})
	}
	return out, nil
}

// trackPolicy keeps the default dimensions for any zero width or height.
func trackPolicy(p config.TrackPolicy) (domain.TrackSubscriptionConfig, error) {
	out := domain.DefaultTrackSubscriptionConfig()
	if len(p.TrackTypes) > 0 {
		out.TrackTypes = nil
		for _, name := range p.TrackTypes {
			t, err := domain.ParseTrackType(name)
			if err != nil {
				return domain.TrackSubscriptionConfig{}, err
			}
			out.TrackTypes = append(out.TrackTypes, t)
		}
	}
	if p.VideoWidth > 0 && p.VideoHeight > 0 {
		out.VideoDimension = domain.VideoDimension{Width: p.VideoWidth, Height: p.VideoHeight}
	}
	if p.ScreenshareWidth > 0 && p.ScreenshareHeight > 0 {
		out.ScreenshareDimension = domain.VideoDimension{Width: p.ScreenshareWidth, Height: p.ScreenshareHeight}
	}
	return out, nil
}
