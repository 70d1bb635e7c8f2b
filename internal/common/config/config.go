// Package config loads orchestrator configuration from file, environment,
// and defaults using viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level orchestrator configuration.
type Config struct {
	Workspace  WorkspaceConfig  `mapstructure:"workspace"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	VendorTool VendorToolConfig `mapstructure:"vendorTool"`
	RPC        RPCConfig        `mapstructure:"rpc"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// WorkspaceConfig controls where on-disk task state lives.
type WorkspaceConfig struct {
	Root      string `mapstructure:"root"`
	Namespace string `mapstructure:"namespace"` // the "<ns>" segment of .<ns>/tasks
}

// SupervisorConfig holds supervisor settings. PollIntervalMillis sets the
// Supervisor's poll interval and MaxConcurrentAgents is the maximum that
// Orchestrator.Status reports; new tasks take their TaskConfig from
// model.DefaultTaskConfig, not from these fields.
type SupervisorConfig struct {
	MaxConcurrentAgents int  `mapstructure:"maxConcurrentAgents"`
	TimeoutSeconds      int  `mapstructure:"timeoutSeconds"`
	AutoApprove         bool `mapstructure:"autoApprove"`
	PollIntervalMillis  int  `mapstructure:"pollIntervalMillis"`
}

// VendorToolConfig names the external coding-agent CLI binary and how it is
// invoked.
type VendorToolConfig struct {
	Bin            string `mapstructure:"bin"`
	DefaultProfile string `mapstructure:"defaultProfile"`
	MaxPoolServers int    `mapstructure:"maxPoolServers"`
}

// RPCConfig holds JSON-RPC session settings. The rpc package does not read
// them: sessions use DefaultRequestTimeout and the buffer size each
// subscriber passes to Subscribe.
type RPCConfig struct {
	RequestTimeoutSeconds int `mapstructure:"requestTimeoutSeconds"`
	BroadcastBufferSize   int `mapstructure:"broadcastBufferSize"`
}

// LoggingConfig mirrors logger.LoggingConfig so config files can set it
// directly without importing the logger package.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

func (s *SupervisorConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMillis) * time.Millisecond
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("workspace.root", defaultWorkspaceRoot())
	v.SetDefault("workspace.namespace", "taskmesh")

	v.SetDefault("supervisor.maxConcurrentAgents", 3)
	v.SetDefault("supervisor.timeoutSeconds", 3600)
	v.SetDefault("supervisor.autoApprove", false)
	v.SetDefault("supervisor.pollIntervalMillis", 250)

	v.SetDefault("vendorTool.bin", "codex")
	v.SetDefault("vendorTool.defaultProfile", "")
	v.SetDefault("vendorTool.maxPoolServers", 8)

	v.SetDefault("rpc.requestTimeoutSeconds", 30)
	v.SetDefault("rpc.broadcastBufferSize", 128)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TASKMESH_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultWorkspaceRoot() string {
	if root := os.Getenv("TASKMESH_WORKSPACE_ROOT"); root != "" {
		return root
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}

// Load reads configuration from (in order of increasing precedence) built-in
// defaults, a config file named taskmesh.{yaml,json,toml} on the standard
// search path, and TASKMESH_-prefixed environment variables.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath behaves like Load but also searches configPath (a directory
// or an explicit file) for a config file, taking precedence over the
// standard search path.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("TASKMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("taskmesh")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "taskmesh"))
	}
	if configPath != "" {
		if info, err := os.Stat(configPath); err == nil && info.IsDir() {
			v.AddConfigPath(configPath)
		} else {
			v.SetConfigFile(configPath)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Supervisor.MaxConcurrentAgents <= 0 {
		return fmt.Errorf("supervisor.maxConcurrentAgents must be positive, got %d", cfg.Supervisor.MaxConcurrentAgents)
	}
	if cfg.Supervisor.TimeoutSeconds <= 0 {
		return fmt.Errorf("supervisor.timeoutSeconds must be positive, got %d", cfg.Supervisor.TimeoutSeconds)
	}
	if cfg.Workspace.Namespace == "" {
		return fmt.Errorf("workspace.namespace must not be empty")
	}
	if cfg.VendorTool.Bin == "" {
		return fmt.Errorf("vendorTool.bin must not be empty")
	}
	return nil
}
