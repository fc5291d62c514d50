//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

// Package config loads the YAML configuration of the omerolink tools.
//
// The password is best kept out of the file: OMERO_PASSWORD overrides
// server.password, and OMERO_LOG_LEVEL overrides log.level.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"trpc.group/trpc-go/trpc-omero-go/acquire"
	"trpc.group/trpc-go/trpc-omero-go/gateway"
	"trpc.group/trpc-go/trpc-omero-go/link"
	"trpc.group/trpc-go/trpc-omero-go/log"
	"trpc.group/trpc-go/trpc-omero-go/transfer"
)

// Environment variables applied over the file.
const (
	EnvPassword = "OMERO_PASSWORD"
	EnvLogLevel = "OMERO_LOG_LEVEL"
)

// Default values.
const (
	DefaultPort        = 4064
	DefaultGatewayURL  = "http://127.0.0.1:8765"
	DefaultListenAddr  = ":8080"
	DefaultLogLevel    = "info"
	DefaultProtocol    = "grpc"
	DefaultWorkers     = 4
	DefaultGatewayWait = 60 * time.Second
	DefaultTokenTTL    = 10 * time.Minute
)

// Config is the top-level configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Acquire   AcquireConfig   `yaml:"acquire"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Session   SessionConfig   `yaml:"session"`
	Batch     BatchConfig     `yaml:"batch"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig identifies the OMERO server and the login.
type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// SessionToken resumes an existing session instead of logging in.
	SessionToken string `yaml:"session_token"`
	// ServerID is the web client server index embedded in links.
	ServerID int `yaml:"server_id"`
}

// GatewayConfig locates the JSON/HTTP gateway bridge.
type GatewayConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// AcquireConfig tunes the acquisition pipeline.
type AcquireConfig struct {
	TempDir         string        `yaml:"temp_dir"`
	ChunkSize       int           `yaml:"chunk_size"`
	Window          int           `yaml:"window"`
	KeepFile        bool          `yaml:"keep_file"`
	ForceRegenerate bool          `yaml:"force_regenerate"`
	ReplacePolicy   string        `yaml:"replace_policy"`
	NamePatterns    []string      `yaml:"name_patterns"`
	Timeout         time.Duration `yaml:"timeout"`
}

// ArchiveConfig enables the COS mirror of generated files. An empty
// BucketURL disables it.
type ArchiveConfig struct {
	BucketURL string        `yaml:"bucket_url"`
	Prefix    string        `yaml:"prefix"`
	SecretID  string        `yaml:"secret_id"`
	SecretKey string        `yaml:"secret_key"`
	Timeout   time.Duration `yaml:"timeout"`
}

// SessionConfig enables the redis token store that lets successive runs
// share one server session. An empty StoreURL disables it.
type SessionConfig struct {
	StoreURL string        `yaml:"store_url"`
	TTL      time.Duration `yaml:"ttl"`
}

// BatchConfig sizes the batch worker pool.
type BatchConfig struct {
	Workers int `yaml:"workers"`
}

// HTTPConfig configures the link server.
type HTTPConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// TelemetryConfig enables OTLP export. Empty endpoints disable it.
type TelemetryConfig struct {
	TracesEndpoint  string `yaml:"traces_endpoint"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
	Protocol        string `yaml:"protocol"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

// Load reads, overrides from the environment, defaults and validates the
// file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse is Load for in-memory YAML.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	c.applyEnv()
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyEnv() {
	if v, ok := os.LookupEnv(EnvPassword); ok {
		c.Server.Password = v
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
}

func (c *Config) setDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.ServerID == 0 {
		c.Server.ServerID = link.DefaultServerID
	}
	if c.Gateway.URL == "" {
		c.Gateway.URL = DefaultGatewayURL
	}
	if c.Gateway.Timeout == 0 {
		c.Gateway.Timeout = DefaultGatewayWait
	}
	if c.Acquire.ChunkSize == 0 {
		c.Acquire.ChunkSize = transfer.DefaultChunkSize
	}
	if c.Acquire.Window == 0 {
		c.Acquire.Window = transfer.DefaultWindow
	}
	if c.Acquire.TempDir == "" {
		c.Acquire.TempDir = os.TempDir()
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = DefaultTokenTTL
	}
	if c.Batch.Workers == 0 {
		c.Batch.Workers = DefaultWorkers
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultListenAddr
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Telemetry.Protocol == "" {
		c.Telemetry.Protocol = DefaultProtocol
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Host == "" {
		errs = append(errs, errors.New("server.host is required"))
	}
	if c.Server.SessionToken == "" && c.Server.Username == "" {
		errs = append(errs, errors.New("server.username or server.session_token is required"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.ServerID < 0 {
		errs = append(errs, fmt.Errorf("server.server_id must be positive, got %d", c.Server.ServerID))
	}
	if c.Acquire.ChunkSize < 0 {
		errs = append(errs, fmt.Errorf("acquire.chunk_size must be positive, got %d", c.Acquire.ChunkSize))
	}
	if c.Acquire.Window < 0 {
		errs = append(errs, fmt.Errorf("acquire.window must be positive, got %d", c.Acquire.Window))
	}
	if _, err := acquire.ParseReplacePolicy(c.Acquire.ReplacePolicy); err != nil {
		errs = append(errs, fmt.Errorf("acquire.replace_policy: %w", err))
	}
	if c.Acquire.Timeout < 0 {
		errs = append(errs, errors.New("acquire.timeout must not be negative"))
	}
	if c.Session.TTL < 0 {
		errs = append(errs, errors.New("session.ttl must not be negative"))
	}
	if c.Batch.Workers < 0 {
		errs = append(errs, fmt.Errorf("batch.workers must be positive, got %d", c.Batch.Workers))
	}
	if _, ok := log.ParseLevel(c.Log.Level); !ok {
		errs = append(errs, fmt.Errorf("log.level %q is not a known level", c.Log.Level))
	}
	if p := c.Telemetry.Protocol; p != "grpc" && p != "http" {
		errs = append(errs, fmt.Errorf("telemetry.protocol must be grpc or http, got %q", p))
	}
	return errors.Join(errs...)
}

// Credentials returns the login credentials.
func (c *Config) Credentials() gateway.Credentials {
	return gateway.Credentials{
		Username: c.Server.Username,
		Password: c.Server.Password,
		Host:     c.Server.Host,
		Port:     c.Server.Port,
	}
}

// AcquireOptions translates the acquire section into pipeline options.
func (c *Config) AcquireOptions() []acquire.Option {
	policy, _ := acquire.ParseReplacePolicy(c.Acquire.ReplacePolicy)
	return []acquire.Option{
		acquire.WithTempDir(c.Acquire.TempDir),
		acquire.WithChunkSize(c.Acquire.ChunkSize),
		acquire.WithWindow(c.Acquire.Window),
		acquire.WithKeepFile(c.Acquire.KeepFile),
		acquire.WithForceRegenerate(c.Acquire.ForceRegenerate),
		acquire.WithReplacePolicy(policy),
		acquire.WithNamePatterns(c.Acquire.NamePatterns...),
		acquire.WithServerID(c.Server.ServerID),
	}
}
