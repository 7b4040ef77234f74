// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a message delivery server.
type Config struct {
	Server       ServerConfig    `yaml:"server"`
	Log          LogConfig       `yaml:"log"`
	Storage      StorageConfig   `yaml:"storage"`
	Delivery     DeliveryConfig  `yaml:"delivery"`
	Graph        GraphConfig     `yaml:"graph"`
	Peers        PeerConfig      `yaml:"peers"`
	Applications []Application   `yaml:"applications"`
	Routing      []Route         `yaml:"routing"`
	Telemetry    TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds listener settings of this node.
type ServerConfig struct {
	// Name of this node; it must appear in graph.servers.
	Name            string        `yaml:"name"`
	WSAddr          string        `yaml:"ws_addr"`
	WSPath          string        `yaml:"ws_path"`
	MaxConnections  int           `yaml:"max_connections"` // 0 means unlimited
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Registration rate limiting per remote IP.
	RegisterRate  float64 `yaml:"register_rate"` // registrations per second, 0 disables
	RegisterBurst int     `yaml:"register_burst"`

	// Password required from controllers; empty allows any controller.
	ControllerPassword string `yaml:"controller_password"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig selects the message store.
type StorageConfig struct {
	Type       string        `yaml:"type"` // memory, badger
	BadgerDir  string        `yaml:"badger_dir"`
	SyncWrites bool          `yaml:"sync_writes"`
	Compress   bool          `yaml:"compress"`
	GCInterval time.Duration `yaml:"gc_interval"`
}

// DeliveryConfig holds the timings of the delivery protocol.
type DeliveryConfig struct {
	ResponseTimeout  time.Duration `yaml:"response_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	SuspendDuration  time.Duration `yaml:"suspend_duration"`
	KeepAlive        time.Duration `yaml:"keep_alive"`
	InitialBackoff   time.Duration `yaml:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	MaxInQueue       int           `yaml:"max_in_queue"`
	RefillThreshold  int           `yaml:"refill_threshold"`
	MaxNonPersistent int           `yaml:"max_non_persistent"`
	InboundQueueSize int           `yaml:"inbound_queue_size"`
}

// GraphConfig describes the broker topology.
type GraphConfig struct {
	Servers []ServerNode `yaml:"servers"`
}

// ServerNode is one broker of the graph.
type ServerNode struct {
	Name     string   `yaml:"name"`
	Address  string   `yaml:"address"`
	Port     int      `yaml:"port"`
	Adjacent []string `yaml:"adjacent"`
}

// PeerConfig holds the settings of outgoing links to adjacent servers.
type PeerConfig struct {
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	InitialBackoff   time.Duration `yaml:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`

	// Circuit breaker per neighbour.
	FailureThreshold uint32        `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// Application is a client application hosted on this node.
type Application struct {
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
	// Endpoints lists the web-service endpoints published for the application.
	Endpoints []string `yaml:"endpoints"`
}

// Route rewrites the destination of matching data messages.
type Route struct {
	Name         string             `yaml:"name"`
	Filter       RouteFilter        `yaml:"filter"`
	Strategy     string             `yaml:"strategy"` // sequential, random
	Destinations []RouteDestination `yaml:"destinations"`
}

// RouteFilter matches messages; empty fields match anything.
type RouteFilter struct {
	SourceServer           string `yaml:"source_server"`
	SourceApplication      string `yaml:"source_application"`
	DestinationServer      string `yaml:"destination_server"`
	DestinationApplication string `yaml:"destination_application"`
	TransmitRule           string `yaml:"transmit_rule"`
}

// RouteDestination is one weighted target of a route.
type RouteDestination struct {
	Server      string `yaml:"server"`
	Application string `yaml:"application"`
	Weight      int    `yaml:"weight"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// Default returns a single-node configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Name:            "mds-1",
			WSAddr:          ":8090",
			WSPath:          "/mds",
			MaxConnections:  10000,
			HealthAddr:      ":8091",
			HealthEnabled:   true,
			ShutdownTimeout: 30 * time.Second,
			RegisterRate:    10,
			RegisterBurst:   20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:       "badger",
			BadgerDir:  "/tmp/mds/data",
			Compress:   true,
			GCInterval: 5 * time.Minute,
		},
		Delivery: DeliveryConfig{
			ResponseTimeout:  30 * time.Second,
			SweepInterval:    15 * time.Second,
			SuspendDuration:  15 * time.Second,
			KeepAlive:        60 * time.Second,
			InitialBackoff:   time.Second,
			MaxBackoff:       60 * time.Second,
			MaxInQueue:       50,
			RefillThreshold:  5,
			MaxNonPersistent: 1000,
			InboundQueueSize: 1024,
		},
		Graph: GraphConfig{
			Servers: []ServerNode{{Name: "mds-1", Address: "localhost", Port: 8090}},
		},
		Peers: PeerConfig{
			DialTimeout:      10 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			InitialBackoff:   time.Second,
			MaxBackoff:       30 * time.Second,
			FailureThreshold: 5,
			ResetTimeout:     60 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Endpoint:        "localhost:4317",
			ServiceName:     "mds",
			ServiceVersion:  "1.0.0",
			MetricsEnabled:  false,
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return fmt.Errorf("server.name cannot be empty")
	}
	if c.Server.WSAddr == "" {
		return fmt.Errorf("server.ws_addr cannot be empty")
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections cannot be negative")
	}
	if c.Server.RegisterRate < 0 {
		return fmt.Errorf("server.register_rate cannot be negative")
	}
	if c.Server.RegisterRate > 0 && c.Server.RegisterBurst < 1 {
		return fmt.Errorf("server.register_burst must be at least 1 when register_rate is set")
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLevels, c.Log.Level) {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	switch c.Storage.Type {
	case "memory":
	case "badger":
		if c.Storage.BadgerDir == "" {
			return fmt.Errorf("storage.badger_dir required for badger storage")
		}
	default:
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}

	d := c.Delivery
	if d.ResponseTimeout < 100*time.Millisecond {
		return fmt.Errorf("delivery.response_timeout must be at least 100ms")
	}
	if d.SweepInterval <= 0 || d.SuspendDuration <= 0 {
		return fmt.Errorf("delivery.sweep_interval and delivery.suspend_duration must be positive")
	}
	if d.KeepAlive < 0 {
		return fmt.Errorf("delivery.keep_alive cannot be negative")
	}
	if d.MaxInQueue < 1 {
		return fmt.Errorf("delivery.max_in_queue must be at least 1")
	}
	if d.RefillThreshold < 1 || d.RefillThreshold > d.MaxInQueue {
		return fmt.Errorf("delivery.refill_threshold must be between 1 and max_in_queue")
	}
	if d.MaxNonPersistent < 1 {
		return fmt.Errorf("delivery.max_non_persistent must be at least 1")
	}
	if d.InitialBackoff <= 0 || d.MaxBackoff < d.InitialBackoff {
		return fmt.Errorf("delivery.initial_backoff must be positive and not above max_backoff")
	}

	if err := c.validateGraph(); err != nil {
		return err
	}

	p := c.Peers
	if p.DialTimeout <= 0 || p.HandshakeTimeout <= 0 {
		return fmt.Errorf("peers.dial_timeout and peers.handshake_timeout must be positive")
	}
	if p.InitialBackoff <= 0 || p.MaxBackoff < p.InitialBackoff {
		return fmt.Errorf("peers.initial_backoff must be positive and not above max_backoff")
	}
	if p.FailureThreshold < 1 {
		return fmt.Errorf("peers.failure_threshold must be at least 1")
	}

	apps := make(map[string]bool, len(c.Applications))
	for i, app := range c.Applications {
		if app.Name == "" {
			return fmt.Errorf("applications[%d]: name cannot be empty", i)
		}
		if apps[app.Name] {
			return fmt.Errorf("applications[%d]: duplicate application %q", i, app.Name)
		}
		apps[app.Name] = true
	}

	for i, r := range c.Routing {
		if err := r.validate(); err != nil {
			return fmt.Errorf("routing[%d]: %w", i, err)
		}
	}

	if c.Telemetry.TraceSampleRate < 0 || c.Telemetry.TraceSampleRate > 1 {
		return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
	}
	if (c.Telemetry.MetricsEnabled || c.Telemetry.TracesEnabled) && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint required when metrics or traces are enabled")
	}

	return nil
}

// validateGraph checks names only; reachability is checked when the graph is built.
func (c *Config) validateGraph() error {
	names := make(map[string]bool, len(c.Graph.Servers))
	for i, s := range c.Graph.Servers {
		if s.Name == "" {
			return fmt.Errorf("graph.servers[%d]: name cannot be empty", i)
		}
		if names[s.Name] {
			return fmt.Errorf("graph.servers[%d]: duplicate server %q", i, s.Name)
		}
		if s.Port < 0 || s.Port > 65535 {
			return fmt.Errorf("graph.servers[%d]: invalid port %d", i, s.Port)
		}
		names[s.Name] = true
	}
	if !names[c.Server.Name] {
		return fmt.Errorf("server.name %q is not part of graph.servers", c.Server.Name)
	}
	for _, s := range c.Graph.Servers {
		for _, adj := range s.Adjacent {
			if !names[adj] {
				return fmt.Errorf("graph.servers %q: unknown adjacent server %q", s.Name, adj)
			}
		}
	}
	return nil
}

func (r Route) validate() error {
	if len(r.Destinations) == 0 {
		return fmt.Errorf("at least one destination required")
	}
	if r.Strategy != "" && r.Strategy != "sequential" && r.Strategy != "random" {
		return fmt.Errorf("strategy must be one of: sequential, random")
	}
	switch r.Filter.TransmitRule {
	case "", "directly_send", "store_and_forward", "non_persistent":
	default:
		return fmt.Errorf("filter.transmit_rule must be one of: directly_send, store_and_forward, non_persistent")
	}
	for i, d := range r.Destinations {
		if d.Server == "" && d.Application == "" {
			return fmt.Errorf("destinations[%d]: server or application required", i)
		}
		if d.Weight < 0 {
			return fmt.Errorf("destinations[%d]: weight cannot be negative", i)
		}
	}
	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
