// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "time"

// Config is the unmarshaled config.toml.
type Config struct {
	Version string `toml:"-" mapstructure:"-"`

	Host          string `toml:"host" mapstructure:"host"`
	Port          int    `toml:"port" mapstructure:"port"`
	BaseURL       string `toml:"baseUrl" mapstructure:"baseUrl"`
	LogLevel      string `toml:"logLevel" mapstructure:"logLevel"`
	LogPath       string `toml:"logPath" mapstructure:"logPath"`
	LogMaxSize    int    `toml:"logMaxSize" mapstructure:"logMaxSize"`
	LogMaxBackups int    `toml:"logMaxBackups" mapstructure:"logMaxBackups"`
	DataDir       string `toml:"dataDir" mapstructure:"dataDir"`

	APITimeout        time.Duration `toml:"apiTimeout" mapstructure:"apiTimeout"`
	StatePollInterval time.Duration `toml:"statePollInterval" mapstructure:"statePollInterval"`
	MaxBackoff        time.Duration `toml:"maxBackoff" mapstructure:"maxBackoff"`
	HistoryRetention  time.Duration `toml:"historyRetention" mapstructure:"historyRetention"`
	ShutdownTimeout   time.Duration `toml:"shutdownTimeout" mapstructure:"shutdownTimeout"`
	ValidateInterval  time.Duration `toml:"validateInterval" mapstructure:"validateInterval"`

	MetricsEnabled        bool   `toml:"metricsEnabled" mapstructure:"metricsEnabled"`
	MetricsHost           string `toml:"metricsHost" mapstructure:"metricsHost"`
	MetricsPort           int    `toml:"metricsPort" mapstructure:"metricsPort"`
	MetricsBasicAuthUsers string `toml:"metricsBasicAuthUsers" mapstructure:"metricsBasicAuthUsers"`

	Instances []InstanceConfig `toml:"instances" mapstructure:"instances"`
}

// InstanceConfig is one [[instances]] table. Pointer fields distinguish
// "not set" from an explicit zero so defaults can be applied later.
type InstanceConfig struct {
	App     string `toml:"app" mapstructure:"app"`
	Name    string `toml:"name" mapstructure:"name"`
	URL     string `toml:"url" mapstructure:"url"`
	APIKey  string `toml:"apiKey" mapstructure:"apiKey"`
	Enabled *bool  `toml:"enabled" mapstructure:"enabled"`

	MissingPerCycle  *int   `toml:"missingPerCycle" mapstructure:"missingPerCycle"`
	UpgradesPerCycle *int   `toml:"upgradesPerCycle" mapstructure:"upgradesPerCycle"`
	HourlyCap        int    `toml:"hourlyCap" mapstructure:"hourlyCap"`
	BudgetScope      string `toml:"budgetScope" mapstructure:"budgetScope"`

	DedupWindow        time.Duration `toml:"dedupWindow" mapstructure:"dedupWindow"`
	Sleep              time.Duration `toml:"sleep" mapstructure:"sleep"`
	SelectionOrder     string        `toml:"selectionOrder" mapstructure:"selectionOrder"`
	MonitoredOnly      *bool         `toml:"monitoredOnly" mapstructure:"monitoredOnly"`
	SkipFutureReleases *bool         `toml:"skipFutureReleases" mapstructure:"skipFutureReleases"`
	MaxQueueSize       int           `toml:"maxQueueSize" mapstructure:"maxQueueSize"`
	CandidateFilter    string        `toml:"candidateFilter" mapstructure:"candidateFilter"`
	WaitForCommand     bool          `toml:"waitForCommand" mapstructure:"waitForCommand"`

	Paused   bool                   `toml:"paused" mapstructure:"paused"`
	Timezone string                 `toml:"timezone" mapstructure:"timezone"`
	Windows  []ScheduleWindowConfig `toml:"windows" mapstructure:"windows"`

	Stall StallConfig `toml:"stall" mapstructure:"stall"`
}

// ScheduleWindowConfig restricts hunting to the given days between Start and End (HH:MM).
type ScheduleWindowConfig struct {
	Days  []string `toml:"days" mapstructure:"days"`
	Start string   `toml:"start" mapstructure:"start"`
	End   string   `toml:"end" mapstructure:"end"`
}

type StallConfig struct {
	Enabled          bool          `toml:"enabled" mapstructure:"enabled"`
	Threshold        time.Duration `toml:"threshold" mapstructure:"threshold"`
	PollInterval     time.Duration `toml:"pollInterval" mapstructure:"pollInterval"`
	StrikeLimit      int           `toml:"strikeLimit" mapstructure:"strikeLimit"`
	RemoveFromClient *bool         `toml:"removeFromClient" mapstructure:"removeFromClient"`
	Blocklist        bool          `toml:"blocklist" mapstructure:"blocklist"`
	Research         bool          `toml:"research" mapstructure:"research"`
}
