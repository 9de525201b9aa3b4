package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// gatewayFile is the TOML-file overlay shape for Gateway. Every field is a
// pointer so an absent key is distinguishable from an explicit zero value —
// LoadGatewayFile only overwrites what the file actually sets.
type gatewayFile struct {
	HTTPAddr           *string `toml:"http_addr"`
	DatabaseDSN        *string `toml:"database_dsn"`
	RedisAddr          *string `toml:"redis_addr"`
	UseRedisQueue      *bool   `toml:"use_redis_queue"`
	Pools              []string `toml:"pools"`
	QueueHighWatermark *int64  `toml:"queue_high_watermark"`
	QueueLowWatermark  *int64  `toml:"queue_low_watermark"`
	TaskDeadline       *string `toml:"task_deadline"`
	HeartbeatInterval  *string `toml:"heartbeat_interval"`
	DialTimeout        *string `toml:"dial_timeout"`
	LogLevel           *string `toml:"log_level"`
	SigningKeyFile     *string `toml:"signing_key_file"`
}

// workerFile is the TOML-file overlay shape for Worker.
type workerFile struct {
	GatewayAddr          *string  `toml:"gateway_addr"`
	ListenAddr           *string  `toml:"listen_addr"`
	Pool                 *string  `toml:"pool"`
	Capabilities         []string `toml:"capabilities"`
	Concurrency          *int     `toml:"concurrency"`
	StateFile            *string  `toml:"state_file"`
	HeartbeatInterval    *string  `toml:"heartbeat_interval"`
	LogLevel             *string  `toml:"log_level"`
	SigningKeyFile       *string  `toml:"signing_key_file"`
	GatewayPublicKeyFile *string  `toml:"gateway_public_key_file"`
	TenantID             *string  `toml:"tenant_id"`
}

// LoadGatewayFile parses a TOML config file at path into cfg, skipping any
// field named in skip — the flag/env layer a caller has already resolved
// from a higher-precedence source. Unknown keys in the file are ignored;
// a malformed duration string is reported rather than silently dropped.
func LoadGatewayFile(path string, cfg *Gateway, skip map[string]bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var f gatewayFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	set := func(key string) bool { return !skip[key] }

	if f.HTTPAddr != nil && set("http_addr") {
		cfg.HTTPAddr = *f.HTTPAddr
	}
	if f.DatabaseDSN != nil && set("database_dsn") {
		cfg.DatabaseDSN = *f.DatabaseDSN
	}
	if f.RedisAddr != nil && set("redis_addr") {
		cfg.RedisAddr = *f.RedisAddr
	}
	if f.UseRedisQueue != nil && set("use_redis_queue") {
		cfg.UseRedisQueue = *f.UseRedisQueue
	}
	if f.Pools != nil && set("pools") {
		cfg.Pools = f.Pools
	}
	if f.QueueHighWatermark != nil && set("queue_high_watermark") {
		cfg.QueueHighWatermark = *f.QueueHighWatermark
	}
	if f.QueueLowWatermark != nil && set("queue_low_watermark") {
		cfg.QueueLowWatermark = *f.QueueLowWatermark
	}
	if f.LogLevel != nil && set("log_level") {
		cfg.LogLevel = *f.LogLevel
	}
	if f.SigningKeyFile != nil && set("signing_key_file") {
		cfg.SigningKeyFile = *f.SigningKeyFile
	}
	if f.TaskDeadline != nil && set("task_deadline") {
		d, err := time.ParseDuration(*f.TaskDeadline)
		if err != nil {
			return fmt.Errorf("config: task_deadline: %w", err)
		}
		cfg.TaskDeadline = d
	}
	if f.HeartbeatInterval != nil && set("heartbeat_interval") {
		d, err := time.ParseDuration(*f.HeartbeatInterval)
		if err != nil {
			return fmt.Errorf("config: heartbeat_interval: %w", err)
		}
		cfg.HeartbeatInterval = d
	}
	if f.DialTimeout != nil && set("dial_timeout") {
		d, err := time.ParseDuration(*f.DialTimeout)
		if err != nil {
			return fmt.Errorf("config: dial_timeout: %w", err)
		}
		cfg.DialTimeout = d
	}
	return nil
}

// LoadWorkerFile parses a TOML config file at path into cfg, with the same
// skip-already-resolved-fields contract as LoadGatewayFile.
func LoadWorkerFile(path string, cfg *Worker, skip map[string]bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var f workerFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	set := func(key string) bool { return !skip[key] }

	if f.GatewayAddr != nil && set("gateway_addr") {
		cfg.GatewayAddr = *f.GatewayAddr
	}
	if f.ListenAddr != nil && set("listen_addr") {
		cfg.ListenAddr = *f.ListenAddr
	}
	if f.Pool != nil && set("pool") {
		cfg.Pool = *f.Pool
	}
	if f.Capabilities != nil && set("capabilities") {
		cfg.Capabilities = f.Capabilities
	}
	if f.Concurrency != nil && set("concurrency") {
		cfg.Concurrency = *f.Concurrency
	}
	if f.StateFile != nil && set("state_file") {
		cfg.StateFile = *f.StateFile
	}
	if f.LogLevel != nil && set("log_level") {
		cfg.LogLevel = *f.LogLevel
	}
	if f.SigningKeyFile != nil && set("signing_key_file") {
		cfg.SigningKeyFile = *f.SigningKeyFile
	}
	if f.GatewayPublicKeyFile != nil && set("gateway_public_key_file") {
		cfg.GatewayPublicKeyFile = *f.GatewayPublicKeyFile
	}
	if f.TenantID != nil && set("tenant_id") {
		cfg.TenantID = *f.TenantID
	}
	if f.HeartbeatInterval != nil && set("heartbeat_interval") {
		d, err := time.ParseDuration(*f.HeartbeatInterval)
		if err != nil {
			return fmt.Errorf("config: heartbeat_interval: %w", err)
		}
		cfg.HeartbeatInterval = d
	}
	return nil
}
