package agent

import (
	"time"

	"github.com/d53dave/cgopt/internal/config"
)

// Config holds configuration for the execution agent. The provisioning
// gateway injects JOB_ID, AGENT_PORT and AGENT_TOKEN into the container or
// instance environment; everything else has local defaults.
type Config struct {
	JobID        string
	Port         int
	Token        string
	WorkDir      string
	DrainTimeout time.Duration
	SolveTimeout time.Duration
}

// LoadConfigFromEnv loads agent configuration from environment variables.
func LoadConfigFromEnv() *Config {
	return &Config{
		JobID:        config.GetEnv("JOB_ID", ""),
		Port:         config.GetIntEnv("AGENT_PORT", 8090),
		Token:        config.GetEnv("AGENT_TOKEN", ""),
		WorkDir:      config.GetEnv("AGENT_WORKDIR", "/tmp/cgopt-agent"),
		DrainTimeout: config.GetDurationEnv("AGENT_DRAIN_TIMEOUT", 10*time.Second),
		SolveTimeout: config.GetDurationEnv("AGENT_SOLVE_TIMEOUT", 30*time.Minute),
	}
}
