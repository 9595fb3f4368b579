package main

import (
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is vfsdemo's resolved configuration, built by layering, in
// increasing precedence: built-in defaults, the YAML config file, process
// environment variables (VFSDEMO_*), then CLI flags — the same precedence
// dotcommander-vybe's app config resolver uses, generalized from its
// single db-path override to vfsdemo's full settings set.
type Config struct {
	DBPath      string `yaml:"db_path"`
	Agents      int    `yaml:"agents"`
	BlockSize   int    `yaml:"block_size"`
	LockPolicy  string `yaml:"lock_policy"`  // exclusive | shared | shared+hint
	Synchronous string `yaml:"synchronous"`  // normal | full
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`
}

func defaultConfig() Config {
	return Config{
		DBPath:      filepath.Join(os.TempDir(), "vfsdemo.db"),
		Agents:      3,
		BlockSize:   4096,
		LockPolicy:  "shared",
		Synchronous: "normal",
		LogLevel:    "info",
		MetricsAddr: ":9090",
	}
}

func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "vfsdemo"), nil
}

// loadConfig layers the YAML file (if present) and environment variables
// over the defaults; CLI flags are applied afterward by the caller, since
// cobra already knows which flags the user explicitly set.
func loadConfig() (Config, error) {
	cfg := defaultConfig()

	dir, err := configDir()
	if err == nil {
		data, readErr := os.ReadFile(filepath.Join(dir, "config.yaml"))
		if readErr == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, err
			}
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("VFSDEMO_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("VFSDEMO_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Agents = n
		}
	}
	if v := os.Getenv("VFSDEMO_BLOCK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BlockSize = n
		}
	}
	if v := os.Getenv("VFSDEMO_LOCK_POLICY"); v != "" {
		cfg.LockPolicy = v
	}
	if v := os.Getenv("VFSDEMO_SYNCHRONOUS"); v != "" {
		cfg.Synchronous = v
	}
	if v := os.Getenv("VFSDEMO_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("VFSDEMO_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
}

// ensureConfigDir writes a starter config.yaml if none exists yet,
// mirroring dotcommander-vybe's EnsureConfigDir.
func ensureConfigDir() error {
	dir, err := configDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.WriteFile(path, []byte(defaultConfigYAML), 0600)
	}
	return nil
}

const defaultConfigYAML = `# vfsdemo configuration
# Run: vfsdemo --help

# db_path: /tmp/vfsdemo.db
# agents: 3
# block_size: 4096
# lock_policy: shared
# synchronous: normal
# log_level: info
# metrics_addr: ":9090"
`
