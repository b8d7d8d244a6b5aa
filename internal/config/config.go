// Package config holds the network-server configuration tree, loaded with
// koanf/v2 (file + env providers, yaml parser) the way
// danth-lp-gobfd/internal/config/config.go loads its own daemon config.
package config

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

// C holds the process-wide configuration, populated by Load before any
// other package's Setup(conf) is called.
var C Config

// Config is the root configuration struct for chirpstack-network-server.
type Config struct {
	General           GeneralConfig           `koanf:"general"`
	Redis             RedisConfig             `koanf:"redis"`
	PostgreSQL        PostgreSQLConfig        `koanf:"postgresql"`
	NetworkServer     NetworkServerConfig     `koanf:"network_server"`
	JoinServer        JoinServerConfig        `koanf:"join_server"`
	Roaming           RoamingConfig           `koanf:"roaming"`
	Metrics           MetricsConfig           `koanf:"metrics"`
	NetworkController NetworkControllerConfig `koanf:"network_controller"`
	API               APIConfig               `koanf:"api"`
}

// APIConfig holds the admin gRPC API's bind/TLS settings (internal/api).
type APIConfig struct {
	Bind    string `koanf:"bind"`
	CACert  string `koanf:"ca_cert"`
	TLSCert string `koanf:"tls_cert"`
	TLSKey  string `koanf:"tls_key"`
}

// GeneralConfig holds process-wide logging settings.
type GeneralConfig struct {
	LogLevel string `koanf:"log_level"`
}

// RedisConfig holds the shared-store connection settings. Mirrors the
// fields device_session.go, collect.go and the downlink pending-ack store
// all dial through (a single redigo pool).
type RedisConfig struct {
	URL         string        `koanf:"url"`
	MaxIdle     int           `koanf:"max_idle"`
	MaxActive   int           `koanf:"max_active"`
	IdleTimeout time.Duration `koanf:"idle_timeout"`
	KeyPrefix   string        `koanf:"key_prefix"`
}

// PostgreSQLConfig holds the relational-store connection settings used by
// internal/storage's sqlx.DB (Tenant/Application/Device/... tables).
type PostgreSQLConfig struct {
	DSN                string `koanf:"dsn"`
	MaxOpenConnections int    `koanf:"max_open_connections"`
	MaxIdleConnections int    `koanf:"max_idle_connections"`
}

// NetworkServerConfig holds the core uplink/downlink/ADR/band tuning
// parameters. Field names match what the copied test files already
// reference (conf.NetworkServer.DeduplicationDelay).
type NetworkServerConfig struct {
	NetID                  string          `koanf:"net_id"`
	Band                   string          `koanf:"band"`
	DeduplicationDelay     time.Duration   `koanf:"deduplication_delay"`
	DeviceSessionTTL       time.Duration   `koanf:"device_session_ttl"`
	GetDownlinkDataDelay   time.Duration   `koanf:"get_downlink_data_delay"`
	DeviceLockDuration     time.Duration   `koanf:"device_lock_duration"`
	MaxChannelsPerFrame    int             `koanf:"max_channels_per_frame"`
	RelayFPort             uint8           `koanf:"relay_fport"`
	Gateway                GatewayConfig   `koanf:"gateway"`
	Scheduler              SchedulerConfig `koanf:"scheduler"`
	NetworkSettings        NetworkSettingsConfig `koanf:"network_settings"`
}

// SchedulerConfig tunes the downlink scheduler & builder (spec §4.8).
type SchedulerConfig struct {
	Interval              time.Duration `koanf:"interval"`
	BatchSize             int           `koanf:"batch_size"`
	ClassALockDuration    time.Duration `koanf:"class_a_lock_duration"`
	ClassCLockDuration    time.Duration `koanf:"class_c_lock_duration"`
	GatewayPreferMinMargin float64      `koanf:"gateway_prefer_min_margin"`
}

// NetworkSettingsConfig tunes the ADR engine's installation margin and the
// FUOTA orchestrator's retry/fragmentation defaults.
type NetworkSettingsConfig struct {
	InstallationMargin float64          `koanf:"installation_margin"`
	ADR                ADRConfig        `koanf:"adr"`
	FUOTA              FUOTAConfig      `koanf:"fuota"`
	ClockSync          ClockSyncConfig  `koanf:"clock_sync"`
}

// ADRConfig selects and tunes the ADR engine.
type ADRConfig struct {
	DefaultAlgorithm string `koanf:"default_algorithm"`
}

// FUOTAConfig tunes the FUOTA orchestrator (spec §4.10).
type FUOTAConfig struct {
	MaxRetryCount        int           `koanf:"max_retry_count"`
	DeviceUplinkInterval time.Duration `koanf:"device_uplink_interval"`
	FragSize             int           `koanf:"frag_size"`
	RedundancyPercentage int           `koanf:"redundancy_percentage"`
	McSetupFPort         uint8         `koanf:"mc_setup_fport"`
	FragmentationFPort   uint8         `koanf:"fragmentation_fport"`
	SchedulerInterval    time.Duration `koanf:"scheduler_interval"`
}

// ClockSyncConfig tunes the Application Layer Clock Synchronization
// handler (TS003, AppTimeReq/Ans).
type ClockSyncConfig struct {
	FPort uint8 `koanf:"fport"`
}

// GatewayConfig holds the Frame Bus transport configuration (spec §4.1).
type GatewayConfig struct {
	Backend BackendConfig `koanf:"backend"`
}

// BackendConfig selects and configures the pluggable Frame Bus backend.
// Type "mqtt" is the only transport implemented, matching upstream's
// default.
type BackendConfig struct {
	Type string     `koanf:"type"`
	MQTT MQTTConfig `koanf:"mqtt"`
}

// MQTTConfig holds the paho.mqtt.golang client settings.
type MQTTConfig struct {
	Server               string        `koanf:"server"`
	Username             string        `koanf:"username"`
	Password             string        `koanf:"password"`
	CleanSession         bool          `koanf:"clean_session"`
	ClientID             string        `koanf:"client_id"`
	UplinkTopic          string        `koanf:"uplink_topic"`
	DownlinkTopic        string        `koanf:"downlink_topic"`
	StatsTopic           string        `koanf:"stats_topic"`
	AckTopic             string        `koanf:"ack_topic"`
	KeepAlive            time.Duration `koanf:"keep_alive"`
	MaxReconnectInterval time.Duration `koanf:"max_reconnect_interval"`
}

// JoinServerConfig holds the default and per-JoinEUI join-server routing
// table used by internal/backend/joinserver.
type JoinServerConfig struct {
	Default JoinServerItem   `koanf:"default"`
	Servers []JoinServerItem `koanf:"servers"`
}

// JoinServerItem is one join-server routing entry (Backend Interfaces over
// HTTPS, optionally mutual-TLS).
type JoinServerItem struct {
	JoinEUI string `koanf:"join_eui"`
	Server  string `koanf:"server"`
	CACert  string `koanf:"ca_cert"`
	TLSCert string `koanf:"tls_cert"`
	TLSKey  string `koanf:"tls_key"`
}

// RoamingConfig holds the passive-roaming FNS/SNS peer table and the
// inbound Backend Interfaces listener this network server exposes for its
// sNS role.
type RoamingConfig struct {
	ResolveNetID bool            `koanf:"resolve_net_id"`
	Bind         string          `koanf:"bind"`
	Servers      []RoamingServer `koanf:"servers"`
}

// RoamingServer is one roaming peer (identified either by NetID or a
// prefix match on DevAddr).
type RoamingServer struct {
	NetID                      string        `koanf:"net_id"`
	Server                     string        `koanf:"server"`
	CACert                     string        `koanf:"ca_cert"`
	TLSCert                    string        `koanf:"tls_cert"`
	TLSKey                     string        `koanf:"tls_key"`
	Async                      bool          `koanf:"async"`
	AsyncTimeout               time.Duration `koanf:"async_timeout"`
	PassiveRoaming             bool          `koanf:"passive_roaming"`
	PassiveRoamingLifetime     time.Duration `koanf:"passive_roaming_lifetime"`
	PassiveRoamingKEKLabel     string        `koanf:"passive_roaming_kek_label"`
	PassiveRoamingKEKKey       string        `koanf:"passive_roaming_kek_key"`
}

// MetricsConfig holds the metrics bind setting. No package in this tree
// reads it and no metrics exporter is started.
type MetricsConfig struct {
	Bind string `koanf:"bind"`
}

// NetworkControllerConfig holds the network-controller dial settings. No
// package in this tree reads it; application-server clients take their
// TLS material from the routing-profile instead.
type NetworkControllerConfig struct {
	Server  string `koanf:"server"`
	CACert  string `koanf:"ca_cert"`
	TLSCert string `koanf:"tls_cert"`
	TLSKey  string `koanf:"tls_key"`
}

// envPrefix is the environment variable prefix for overrides, e.g.
// CHIRPSTACK_NS_REDIS_URL -> redis.url.
const envPrefix = "CHIRPSTACK_NS_"

// Default returns a Config populated with the defaults shipped with the
// binary, used both as the base layer for Load and directly by
// internal/test.GetConfig.
func Default() Config {
	return Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Redis: RedisConfig{
			URL:         "redis://localhost:6379",
			MaxIdle:     10,
			MaxActive:   0,
			IdleTimeout: 240 * time.Second,
			KeyPrefix:   "lora:ns:",
		},
		PostgreSQL: PostgreSQLConfig{
			DSN:                "postgres://localhost/chirpstack_ns?sslmode=disable",
			MaxOpenConnections: 10,
			MaxIdleConnections: 5,
		},
		NetworkServer: NetworkServerConfig{
			NetID:                "000000",
			Band:                 "EU868",
			DeduplicationDelay:   200 * time.Millisecond,
			DeviceSessionTTL:     744 * time.Hour,
			GetDownlinkDataDelay: 100 * time.Millisecond,
			DeviceLockDuration:   5 * time.Second,
			MaxChannelsPerFrame:  3,
			RelayFPort:           226,
			Scheduler: SchedulerConfig{
				Interval:               time.Second,
				BatchSize:              100,
				ClassALockDuration:     5 * time.Second,
				ClassCLockDuration:     5 * time.Second,
				GatewayPreferMinMargin: 5,
			},
			NetworkSettings: NetworkSettingsConfig{
				InstallationMargin: 10,
				ADR: ADRConfig{
					DefaultAlgorithm: "default",
				},
				FUOTA: FUOTAConfig{
					MaxRetryCount:        3,
					DeviceUplinkInterval: time.Hour,
					FragSize:             50,
					RedundancyPercentage: 10,
					McSetupFPort:         200,
					FragmentationFPort:   201,
					SchedulerInterval:    time.Minute,
				},
				ClockSync: ClockSyncConfig{
					FPort: 202,
				},
			},
			Gateway: GatewayConfig{
				Backend: BackendConfig{
					Type: "mqtt",
					MQTT: MQTTConfig{
						Server:        "tcp://localhost:1883",
						CleanSession:  true,
						UplinkTopic:   "gateway/+/event/up",
						DownlinkTopic: "gateway/{{ .GatewayID }}/command/down",
						StatsTopic:    "gateway/+/event/stats",
						AckTopic:      "gateway/+/event/ack",
						KeepAlive:     30 * time.Second,
					},
				},
			},
		},
		Metrics: MetricsConfig{
			Bind: "0.0.0.0:8080",
		},
		Roaming: RoamingConfig{
			Bind: "0.0.0.0:8084",
		},
		API: APIConfig{
			Bind: "0.0.0.0:8000",
		},
	}
}

// Load reads the configuration file at path, overlays environment
// variable overrides, and merges on top of Default(). Missing fields
// inherit the default value.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	defaults := Default()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return Config{}, errors.Wrap(err, "load config defaults")
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, errors.Wrapf(err, "load config file %s", path)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return Config{}, errors.Wrap(err, "load env overrides")
	}

	var conf Config
	if err := k.Unmarshal("", &conf); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}

	return conf, nil
}

// envKeyMapper transforms CHIRPSTACK_NS_REDIS_URL -> redis.url.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}
