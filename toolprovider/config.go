package toolprovider

import (
	"os"
	"sort"
	"strings"
	"time"
)

const (
	// DefaultImage is the Log-AI MCP server image.
	DefaultImage = "ghcr.io/navneet-mkr/logai-mcp:0.1.3"

	// ProtocolVersion is the MCP protocol revision sent in initialize.
	ProtocolVersion = "2024-11-05"

	DefaultShutdownTimeout = 5 * time.Second
)

// Config describes how to launch a tool provider subprocess.
type Config struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env,omitempty"` // applied on top of the inherited environment
	Dir     string            `json:"dir,omitempty"`

	// FilterSensitiveEnv drops inherited variables that look like secrets
	// (*_API_KEY, *_TOKEN, ...) before Env is applied.
	FilterSensitiveEnv bool `json:"filter_sensitive_env,omitempty"`

	ShutdownTimeout time.Duration `json:"shutdown_timeout,omitempty"` // 0 = DefaultShutdownTimeout
	CallTimeout     time.Duration `json:"call_timeout,omitempty"`     // 0 = wait indefinitely

	ClientName    string `json:"client_name,omitempty"`
	ClientVersion string `json:"client_version,omitempty"`
}

// DockerConfig returns the configuration that runs image with docker, keeping
// stdin open for the protocol session. A non-empty hostFSRoot is bind-mounted
// read-only at the same path inside the container.
func DockerConfig(image, hostFSRoot string) Config {
	if image == "" {
		image = DefaultImage
	}
	args := []string{
		"run",
		"--rm",
		"-i",
		"--volume=/var/run/docker.sock:/var/run/docker.sock",
	}
	if root := strings.TrimSpace(hostFSRoot); root != "" {
		args = append(args, "-v", root+":"+root+":ro")
	}
	args = append(args, image)
	return Config{Command: "docker", Args: args}
}

func (c Config) shutdownTimeout() time.Duration {
	if c.ShutdownTimeout > 0 {
		return c.ShutdownTimeout
	}
	return DefaultShutdownTimeout
}

// environ builds the subprocess environment: a copy of the current process
// environment, optionally filtered, with Env overrides applied in key order.
func (c Config) environ() []string {
	base := os.Environ()
	env := make([]string, 0, len(base)+len(c.Env))
	for _, kv := range base {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if _, overridden := c.Env[name]; overridden {
			continue
		}
		if c.FilterSensitiveEnv && !safeEnvVars[name] && isSensitiveEnvVar(name) {
			continue
		}
		env = append(env, kv)
	}

	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+c.Env[k])
	}
	return env
}

// sensitiveEnvPatterns are case-insensitive suffixes for environment variables
// that FilterSensitiveEnv excludes.
var sensitiveEnvPatterns = []string{
	"_API_KEY",
	"_SECRET",
	"_TOKEN",
	"_PASSWORD",
	"_CREDENTIAL",
}

// safeEnvVars are always inherited.
var safeEnvVars = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "SHELL": true,
	"LANG": true, "TERM": true, "TMPDIR": true,
	"DOCKER_HOST": true, "DOCKER_CONFIG": true, "DOCKER_CONTEXT": true,
	"XDG_CONFIG_HOME": true, "XDG_RUNTIME_DIR": true,
}

func isSensitiveEnvVar(name string) bool {
	upper := strings.ToUpper(name)
	for _, pattern := range sensitiveEnvPatterns {
		if strings.HasSuffix(upper, pattern) {
			return true
		}
	}
	return false
}
