package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// configTemplate is the commented starter configuration written by
// InitConfig. It mirrors GetDefaultConfig but keeps every section visible
// so users can discover the knobs without reading docs.
const configTemplate = `# esgfetch Configuration File
#
# Environment variables override any value here using the ESGFETCH_ prefix,
# e.g. ESGFETCH_LOGGING_LEVEL=DEBUG or ESGFETCH_DATABASE_TYPE=postgres.

logging:
  # DEBUG, INFO, WARN, ERROR
  level: "INFO"
  # text or json
  format: "text"
  # stdout, stderr, or a file path
  output: "stdout"

# Transfer catalog. SQLite needs no setup; switch to postgres for a shared
# catalog across machines.
database:
  type: sqlite
  sqlite:
    path: ""          # default: $XDG_CONFIG_HOME/esgfetch/catalog.db
  # postgres:
  #   host: localhost
  #   port: 5432
  #   database: esgfetch
  #   user: esgfetch
  #   password: ""
  #   ssl_mode: disable

# Download engine tuning.
download:
  # Root directory under which the ESGF directory layout materializes.
  base_path: "%s"
  initial_workers_per_host: 3
  max_total_workers: 100
  # Streaming chunk size, e.g. 1Mi, 512Ki
  blocksize: 1Mi

# Authenticated sessions to data nodes.
session:
  credentials: ""     # default: $HOME/.esg/credentials.pem
  tls_verify: false

# MyProxy logon. The password is prompted for, never stored.
auth:
  username: ""
  server: ""

# esg-search discovery.
discovery:
  search_host: "https://esgf-node.llnl.gov/esg-search/search"
  distrib: true

# Prometheus metrics, exposed on the status server at /metrics.
metrics:
  enabled: false

# Read-only status HTTP server.
api:
  enabled: true
  port: 9095
`

// InitConfig writes a starter configuration file at the default location.
//
// Returns the path of the written file. Refuses to overwrite an existing
// file unless force is true.
func InitConfig(force bool) (string, error) {
	configDir := getConfigDir()
	configPath := filepath.Join(configDir, "config.yaml")

	if _, err := os.Stat(configPath); err == nil && !force {
		return configPath, fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	// Forward slashes keep the YAML valid on Windows too.
	content := fmt.Sprintf(configTemplate, filepath.ToSlash(defaultBasePath()))
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}

	return configPath, nil
}
