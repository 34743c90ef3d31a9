// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds configuration for the workflow engine.
type Config struct {
	// WorkflowRoot is the directory new workflows are created under.
	WorkflowRoot string

	// DefaultShell is the shell used to compose jobscripts when a task
	// does not request one explicitly.
	DefaultShell string

	// DefaultScheduler is the scheduler adapter used when a task's
	// resource request does not name one ("direct", "sge", "slurm").
	DefaultScheduler string

	// SubmitTimeout bounds a single scheduler submit invocation.
	SubmitTimeout time.Duration

	// MaxSubmitRetries is the number of times a failed submit command is
	// retried.
	MaxSubmitRetries int

	// RetryWaitMin is a minimum wait between submit retries. The submit
	// retry chain does not read it; its waits come from the middleware's
	// own backoff.
	RetryWaitMin time.Duration

	// RetryWaitMax is a maximum wait between submit retries. The submit
	// retry chain does not read it either.
	RetryWaitMax time.Duration

	// ControlChannelHost is the loopback address the executor's control
	// channel binds to.
	ControlChannelHost string

	// Debug enables debug logging.
	Debug bool
}

// NewDefault creates a new configuration with default values, overlaid
// with any FLOWENGINE_* environment variables present.
func NewDefault() *Config {
	c := &Config{
		WorkflowRoot:       getEnvOrDefault("FLOWENGINE_WORKFLOW_ROOT", "."),
		DefaultShell:       getEnvOrDefault("FLOWENGINE_DEFAULT_SHELL", "bash"),
		DefaultScheduler:   getEnvOrDefault("FLOWENGINE_DEFAULT_SCHEDULER", "direct"),
		SubmitTimeout:      30 * time.Second,
		MaxSubmitRetries:   3,
		RetryWaitMin:       1 * time.Second,
		RetryWaitMax:       30 * time.Second,
		ControlChannelHost: "127.0.0.1:0",
		Debug:              getEnvBoolOrDefault("FLOWENGINE_DEBUG", false),
	}
	c.Load()
	return c
}

// Load overlays environment variables onto an existing configuration.
func (c *Config) Load() {
	if root := os.Getenv("FLOWENGINE_WORKFLOW_ROOT"); root != "" {
		c.WorkflowRoot = root
	}

	if shell := os.Getenv("FLOWENGINE_DEFAULT_SHELL"); shell != "" {
		c.DefaultShell = shell
	}

	if sched := os.Getenv("FLOWENGINE_DEFAULT_SCHEDULER"); sched != "" {
		c.DefaultScheduler = sched
	}

	if timeout := os.Getenv("FLOWENGINE_SUBMIT_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			c.SubmitTimeout = d
		}
	}

	if maxRetries := os.Getenv("FLOWENGINE_MAX_SUBMIT_RETRIES"); maxRetries != "" {
		if i, err := strconv.Atoi(maxRetries); err == nil {
			c.MaxSubmitRetries = i
		}
	}

	if host := os.Getenv("FLOWENGINE_CONTROL_CHANNEL_HOST"); host != "" {
		c.ControlChannelHost = host
	}

	c.Debug = getEnvBoolOrDefault("FLOWENGINE_DEBUG", c.Debug)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.WorkflowRoot == "" {
		return ErrMissingWorkflowRoot
	}

	if c.SubmitTimeout <= 0 {
		return ErrInvalidTimeout
	}

	if c.MaxSubmitRetries < 0 {
		return ErrInvalidMaxRetries
	}

	switch c.DefaultScheduler {
	case "direct", "sge", "slurm":
	default:
		return ErrUnknownScheduler
	}

	return nil
}

// MachineProfile describes the resource defaults and capabilities of a
// target machine, loaded from a YAML file alongside the workflow.
type MachineProfile struct {
	Name              string            `yaml:"name"`
	Scheduler         string            `yaml:"scheduler"`
	Shell             string            `yaml:"shell"`
	NumCores          []int             `yaml:"num_cores"`
	NumCoresPerNode   int               `yaml:"num_cores_per_node"`
	NumNodes          int               `yaml:"num_nodes"`
	DefaultPartitions map[string]string `yaml:"default_partitions"`
	SupportsArrayJobs bool              `yaml:"supports_array_jobs"`
}

// LoadMachineDefaults reads machine resource profiles from a YAML file.
func LoadMachineDefaults(path string) (map[string]MachineProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var profiles map[string]MachineProfile
	if err := yaml.Unmarshal(data, &profiles); err != nil {
		return nil, err
	}
	return profiles, nil
}

// getEnvOrDefault returns the environment variable value or a default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBoolOrDefault returns the environment variable value as a boolean or a default value.
func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
