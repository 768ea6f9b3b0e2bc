// Package config loads sherlog's layered configuration: built-in defaults,
// an optional YAML file, then SHERLOG_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/martinemde/sherlog/agentloop"
	"github.com/martinemde/sherlog/toolprovider"
)

// Config is the resolved sherlog configuration.
type Config struct {
	LLM          LLMConfig          `mapstructure:"llm"`
	ToolProvider ToolProviderConfig `mapstructure:"tool_provider"`
	Agent        AgentConfig        `mapstructure:"agent"`
	Report       ReportConfig       `mapstructure:"report"`
	Log          LogConfig          `mapstructure:"log"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

// LLMConfig selects the model provider.
type LLMConfig struct {
	Provider    string  `mapstructure:"provider"`
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

// ToolProviderConfig describes how to launch the tool server subprocess.
type ToolProviderConfig struct {
	Command            string        `mapstructure:"command"`
	Args               []string      `mapstructure:"args"`
	Image              string        `mapstructure:"image"`
	HostFSRoot         string        `mapstructure:"host_fs_root"`
	FilterSensitiveEnv bool          `mapstructure:"filter_sensitive_env"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	CallTimeout        time.Duration `mapstructure:"call_timeout"`
}

// AgentConfig bounds the agent loop. Zero values use agentloop defaults.
type AgentConfig struct {
	MaxModelRequests    int `mapstructure:"max_model_requests"`
	LoopDetectionWindow int `mapstructure:"loop_detection_window"`
	ToolOutputLimit     int `mapstructure:"tool_output_limit"`
}

// ReportConfig configures report generation. An empty Model falls back to llm.model.
type ReportConfig struct {
	Model       string `mapstructure:"model"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the metrics listener
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", "openrouter")
	v.SetDefault("llm.model", "openai/gpt-4.1")
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.temperature", 0.2)

	v.SetDefault("llm.api_key", "")

	v.SetDefault("tool_provider.command", "")
	v.SetDefault("tool_provider.args", []string{})
	v.SetDefault("tool_provider.image", toolprovider.DefaultImage)
	v.SetDefault("tool_provider.host_fs_root", "")
	v.SetDefault("tool_provider.filter_sensitive_env", false)
	v.SetDefault("tool_provider.shutdown_timeout", toolprovider.DefaultShutdownTimeout)
	v.SetDefault("tool_provider.call_timeout", time.Duration(0))

	v.SetDefault("agent.max_model_requests", 50)
	v.SetDefault("agent.loop_detection_window", 10)
	v.SetDefault("agent.tool_output_limit", 30000)

	v.SetDefault("report.model", "")
	v.SetDefault("report.max_attempts", 2)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("metrics.addr", "")
}

// Load reads configuration. path may be empty, in which case only defaults and
// the environment apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SHERLOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Variables the deployment already sets under their historical names.
	_ = v.BindEnv("tool_provider.host_fs_root", "SHERLOG_HOST_FS_ROOT")
	_ = v.BindEnv("llm.api_key", "SHERLOG_LLM_API_KEY", "OPENROUTER_API_KEY")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects limits that would make runs impossible.
func (c *Config) Validate() error {
	var errs []error
	if c.Agent.MaxModelRequests <= 0 {
		errs = append(errs, errors.New("agent.max_model_requests must be positive"))
	}
	if c.Agent.LoopDetectionWindow < 0 {
		errs = append(errs, errors.New("agent.loop_detection_window must not be negative"))
	}
	if c.Agent.ToolOutputLimit <= 0 {
		errs = append(errs, errors.New("agent.tool_output_limit must be positive"))
	}
	if c.Report.MaxAttempts <= 0 {
		errs = append(errs, errors.New("report.max_attempts must be positive"))
	}
	if c.ToolProvider.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("tool_provider.shutdown_timeout must be positive"))
	}
	if c.ToolProvider.CallTimeout < 0 {
		errs = append(errs, errors.New("tool_provider.call_timeout must not be negative"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ProviderConfig returns the subprocess configuration. Without an
// explicit command the Log-AI docker image is used.
func (c *Config) ProviderConfig() toolprovider.Config {
	var pc toolprovider.Config
	if c.ToolProvider.Command != "" {
		pc = toolprovider.Config{Command: c.ToolProvider.Command, Args: c.ToolProvider.Args}
	} else {
		pc = toolprovider.DockerConfig(c.ToolProvider.Image, c.ToolProvider.HostFSRoot)
	}
	pc.FilterSensitiveEnv = c.ToolProvider.FilterSensitiveEnv
	pc.ShutdownTimeout = c.ToolProvider.ShutdownTimeout
	pc.CallTimeout = c.ToolProvider.CallTimeout
	return pc
}

// AgentLoopConfig returns the step graph limits.
func (c *Config) AgentLoopConfig() agentloop.Config {
	cfg := agentloop.DefaultConfig()
	cfg.MaxModelRequests = c.Agent.MaxModelRequests
	cfg.LoopDetectionWindow = c.Agent.LoopDetectionWindow
	cfg.ToolOutputLimit = c.Agent.ToolOutputLimit
	return cfg
}

// ReportModel is the model used for report generation, defaulting to the
// agent model.
func (c *Config) ReportModel() string {
	if c.Report.Model != "" {
		return c.Report.Model
	}
	return c.LLM.Model
}
