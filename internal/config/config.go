// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the cgopt orchestration service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)

	Provider         string        // Compute provider: "docker" or "ec2"
	PollInterval     time.Duration // Delay between result polls for a running job
	MaxPollFailures  int           // Consecutive poll failures before a job is failed
	ProvisionTimeout time.Duration // Budget for acquiring compute resources
	DeployTimeout    time.Duration // Budget for pushing a bundle and launching a run
	TeardownTimeout  time.Duration // Budget for terminate/release after abort or completion

	AgentPort  int    // Port the execution agent listens on
	AgentImage string // Agent image used by the docker provider

	EC2 EC2Config
}

// EC2Config holds settings for the EC2 provider.
type EC2Config struct {
	Region         string
	ImageID        string // AMI whose user data installs and starts the agent
	InstanceType   string
	KeyName        string // Optional SSH key pair for operator debugging
	AgentBinaryURL string // Where instance user data fetches the agent binary
	SubnetID       string // Optional; the account default subnet when empty
	VpcID          string // VPC for per-job security groups; default VPC when empty
	AllowedCIDR    string // Ingress source for the agent port
	UsePublicIP    bool   // Reach agents via public instead of private address
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),

		Provider:         GetEnv("PROVIDER", "docker"),
		PollInterval:     GetDurationEnv("POLL_INTERVAL", 2*time.Second),
		MaxPollFailures:  GetIntEnv("MAX_POLL_FAILURES", 5),
		ProvisionTimeout: GetDurationEnv("PROVISION_TIMEOUT", 5*time.Minute),
		DeployTimeout:    GetDurationEnv("DEPLOY_TIMEOUT", 2*time.Minute),
		TeardownTimeout:  GetDurationEnv("TEARDOWN_TIMEOUT", 30*time.Second),

		AgentPort:  GetIntEnv("AGENT_PORT", 8090),
		AgentImage: GetEnv("AGENT_IMAGE", "cgopt-agent:latest"),

		EC2: EC2Config{
			Region:         GetEnv("EC2_REGION", "eu-central-1"),
			ImageID:        GetEnv("EC2_IMAGE_ID", ""),
			InstanceType:   GetEnv("EC2_INSTANCE_TYPE", "t2.micro"),
			KeyName:        GetEnv("EC2_KEY_NAME", ""),
			AgentBinaryURL: GetEnv("EC2_AGENT_BINARY_URL", ""),
			SubnetID:       GetEnv("EC2_SUBNET_ID", ""),
			VpcID:          GetEnv("EC2_VPC_ID", ""),
			AllowedCIDR:    GetEnv("EC2_ALLOWED_CIDR", ""),
			UsePublicIP:    GetBoolEnv("EC2_USE_PUBLIC_IP", false),
		},
	}
}
