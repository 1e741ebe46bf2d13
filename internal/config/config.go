// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// LiveStreamer - FFmpeg 直播推流调度工具

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
	// 精简镜像里没有系统时区库
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 应用配置
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	FFmpeg     FFmpegConfig     `yaml:"ffmpeg"`
	Database   DatabaseConfig   `yaml:"database"`
	Media      MediaConfig      `yaml:"media"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig 服务配置
type ServerConfig struct {
	Bind string `yaml:"bind"`
}

// FFmpegConfig FFmpeg 配置
type FFmpegConfig struct {
	Path        string `yaml:"path"`
	MaxLogLines int    `yaml:"max_log_lines"`
	// 推流地址白名单/黑名单 (正则)
	AllowDestinations []string `yaml:"allow_destinations"`
	BlockDestinations []string `yaml:"block_destinations"`
}

// DatabaseConfig sqlite 配置
type DatabaseConfig struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// MediaConfig 媒体目录
type MediaConfig struct {
	Root string `yaml:"root"`
}

// SchedulerConfig holds the scheduling policy knobs.
type SchedulerConfig struct {
	Tick           time.Duration `yaml:"tick"`
	TriggerWindow  time.Duration `yaml:"trigger_window"`
	ForceStopGrace time.Duration `yaml:"force_stop_grace"`
	RecoveryWindow time.Duration `yaml:"recovery_window"`
	SyncInterval   time.Duration `yaml:"sync_interval"`
	Timezone       string        `yaml:"timezone"`
}

// SupervisorConfig 进程守护配置
type SupervisorConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	StopTimeout  time.Duration `yaml:"stop_timeout"`
	EndTolerance time.Duration `yaml:"end_tolerance"`
	StaleTimeout time.Duration `yaml:"stale_timeout"`
	// 连续运行超过该时长后重试计数清零
	StableAfter time.Duration `yaml:"stable_after"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Bind: ":8080"},
		FFmpeg:   FFmpegConfig{Path: "ffmpeg", MaxLogLines: 100},
		Database: DatabaseConfig{Path: "livestreamer.db", BusyTimeout: 5 * time.Second},
		Media:    MediaConfig{Root: "media"},
		Scheduler: SchedulerConfig{
			Tick:           30 * time.Second,
			TriggerWindow:  5 * time.Minute,
			ForceStopGrace: 90 * time.Second,
			RecoveryWindow: 12 * time.Hour,
			SyncInterval:   5 * time.Minute,
			Timezone:       "Local",
		},
		Supervisor: SupervisorConfig{
			MaxRetries:   3,
			RetryBackoff: 3 * time.Second,
			StopTimeout:  5 * time.Second,
			EndTolerance: 5 * time.Second,
			StaleTimeout: 60 * time.Second,
			StableAfter:  5 * time.Minute,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load 从 YAML 文件加载配置. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	cfg.fillDefaults()
	return cfg, nil
}

// LoadEnv reads .env style files into the process environment and applies
// LIVESTREAMER_* overrides. Missing env files are ignored.
func (c *Config) LoadEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}

	c.Server.Bind = getEnv("LIVESTREAMER_BIND", c.Server.Bind)
	c.FFmpeg.Path = getEnv("LIVESTREAMER_FFMPEG", c.FFmpeg.Path)
	c.Database.Path = getEnv("LIVESTREAMER_DB", c.Database.Path)
	c.Media.Root = getEnv("LIVESTREAMER_MEDIA_ROOT", c.Media.Root)
	c.Scheduler.Timezone = getEnv("LIVESTREAMER_TIMEZONE", c.Scheduler.Timezone)
	c.Log.Level = getEnv("LIVESTREAMER_LOG_LEVEL", c.Log.Level)
	c.Supervisor.MaxRetries = getEnvInt("LIVESTREAMER_MAX_RETRIES", c.Supervisor.MaxRetries)

	var err error
	if c.Scheduler.TriggerWindow, err = getEnvDuration("LIVESTREAMER_TRIGGER_WINDOW", c.Scheduler.TriggerWindow); err != nil {
		return err
	}
	if c.Scheduler.ForceStopGrace, err = getEnvDuration("LIVESTREAMER_FORCE_STOP_GRACE", c.Scheduler.ForceStopGrace); err != nil {
		return err
	}
	return nil
}

// Location resolves the configured site timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Scheduler.Timezone == "" || c.Scheduler.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Scheduler.Timezone, err)
	}
	return loc, nil
}

// 填充空值
func (c *Config) fillDefaults() {
	d := Default()
	if c.Server.Bind == "" {
		c.Server.Bind = d.Server.Bind
	}
	if c.FFmpeg.Path == "" {
		c.FFmpeg.Path = d.FFmpeg.Path
	}
	if c.FFmpeg.MaxLogLines <= 0 {
		c.FFmpeg.MaxLogLines = d.FFmpeg.MaxLogLines
	}
	if c.Database.Path == "" {
		c.Database.Path = d.Database.Path
	}
	if c.Database.BusyTimeout <= 0 {
		c.Database.BusyTimeout = d.Database.BusyTimeout
	}
	if c.Scheduler.Tick <= 0 {
		c.Scheduler.Tick = d.Scheduler.Tick
	}
	if c.Scheduler.TriggerWindow <= 0 {
		c.Scheduler.TriggerWindow = d.Scheduler.TriggerWindow
	}
	if c.Scheduler.ForceStopGrace <= 0 {
		c.Scheduler.ForceStopGrace = d.Scheduler.ForceStopGrace
	}
	if c.Scheduler.RecoveryWindow <= 0 {
		c.Scheduler.RecoveryWindow = d.Scheduler.RecoveryWindow
	}
	if c.Scheduler.SyncInterval <= 0 {
		c.Scheduler.SyncInterval = d.Scheduler.SyncInterval
	}
	if c.Supervisor.MaxRetries < 0 {
		c.Supervisor.MaxRetries = d.Supervisor.MaxRetries
	}
	if c.Supervisor.RetryBackoff <= 0 {
		c.Supervisor.RetryBackoff = d.Supervisor.RetryBackoff
	}
	if c.Supervisor.StopTimeout <= 0 {
		c.Supervisor.StopTimeout = d.Supervisor.StopTimeout
	}
	if c.Supervisor.EndTolerance <= 0 {
		c.Supervisor.EndTolerance = d.Supervisor.EndTolerance
	}
	if c.Supervisor.StableAfter <= 0 {
		c.Supervisor.StableAfter = d.Supervisor.StableAfter
	}
}

func getEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
