package ec2

import (
	"encoding/base64"
	"fmt"

	"github.com/d53dave/cgopt/internal/gateway"
)

// userData renders the base64 cloud-init script that installs the agent
// binary and starts it under systemd with the per-job credentials.
func userData(cfg Config, spec gateway.ResourceSpec) string {
	script := fmt.Sprintf(`#!/bin/bash
set -e

curl -fsSL %s -o /usr/local/bin/cgopt-agent
chmod +x /usr/local/bin/cgopt-agent

cat > /etc/systemd/system/cgopt-agent.service <<UNIT
[Unit]
Description=cgopt agent
After=network-online.target
Wants=network-online.target

[Service]
Environment=AGENT_PORT=%d
Environment=AGENT_TOKEN=%s
Environment=JOB_ID=%s
ExecStart=/usr/local/bin/cgopt-agent
Restart=on-failure

[Install]
WantedBy=multi-user.target
UNIT

systemctl daemon-reload
systemctl enable --now cgopt-agent

echo "cgopt agent initialization complete" >> /var/log/cgopt-init.log
`, cfg.AgentBinaryURL, cfg.AgentPort, spec.Token, spec.JobID)

	return base64.StdEncoding.EncodeToString([]byte(script))
}
