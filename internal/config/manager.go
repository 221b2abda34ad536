package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/aelpxy/roll/pkg/models"
)

const (
	homeEnv    = "ROLL_HOME"
	rollDir    = ".roll"
	configFile = "config.toml"
)

type ConfigManager struct {
	configPath string
	config     *models.GlobalConfig
}

// HomeDir is where roll keeps its config, locks and rollout log.
func HomeDir() (string, error) {
	if dir := os.Getenv(homeEnv); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, rollDir), nil
}

func NewConfigManager() (*ConfigManager, error) {
	dir, err := HomeDir()
	if err != nil {
		return nil, err
	}
	return NewConfigManagerAt(filepath.Join(dir, configFile))
}

func NewConfigManagerAt(configPath string) (*ConfigManager, error) {
	cm := &ConfigManager{
		configPath: configPath,
	}

	if err := cm.Load(); err != nil {
		if os.IsNotExist(err) {
			cm.config = &models.GlobalConfig{}
			if err := validateAndSetDefaults(cm.config, filepath.Dir(configPath)); err != nil {
				return nil, err
			}
			return cm, nil
		}
		return nil, err
	}

	return cm, nil
}

func (cm *ConfigManager) Load() error {
	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		return err
	}

	var config models.GlobalConfig
	if _, err := toml.DecodeFile(cm.configPath, &config); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}

	if err := validateAndSetDefaults(&config, filepath.Dir(cm.configPath)); err != nil {
		return fmt.Errorf("invalid config %s: %w", cm.configPath, err)
	}

	cm.config = &config
	return nil
}

func (cm *ConfigManager) Save() error {
	dir := filepath.Dir(cm.configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	f, err := os.Create(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(cm.config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

func (cm *ConfigManager) GetConfig() *models.GlobalConfig {
	return cm.config
}

func (cm *ConfigManager) Path() string {
	return cm.configPath
}

func validateAndSetDefaults(cfg *models.GlobalConfig, home string) error {
	if cfg.Cluster.Backend == "" {
		cfg.Cluster.Backend = models.ClusterBackendKubernetes
	}
	if cfg.Cluster.Namespace == "" {
		cfg.Cluster.Namespace = "default"
	}

	if cfg.Rollout.PollInterval == 0 {
		cfg.Rollout.PollInterval = 2
	}
	if cfg.Rollout.MaxPolls == 0 {
		cfg.Rollout.MaxPolls = 60
	}
	if cfg.Rollout.VerifyTimeout == 0 {
		cfg.Rollout.VerifyTimeout = 120
	}
	if cfg.Rollout.Timeout == 0 {
		cfg.Rollout.Timeout = 900
	}

	if cfg.Publish.Attempts == 0 {
		cfg.Publish.Attempts = 3
	}
	if cfg.Publish.Backoff == 0 {
		cfg.Publish.Backoff = 2
	}
	if cfg.Publish.MaxBackoff == 0 {
		cfg.Publish.MaxBackoff = 30
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = models.StoreBackendFile
	}
	if cfg.Store.Path == "" {
		switch cfg.Store.Backend {
		case models.StoreBackendSQLite:
			cfg.Store.Path = filepath.Join(home, "rollouts.db")
		default:
			cfg.Store.Path = filepath.Join(home, "rollouts.json")
		}
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "logfmt"
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":7070"
	}

	switch cfg.Cluster.Backend {
	case models.ClusterBackendKubernetes, models.ClusterBackendDocker:
	default:
		return fmt.Errorf("invalid cluster backend: %s (must be kubernetes or docker)", cfg.Cluster.Backend)
	}
	switch cfg.Store.Backend {
	case models.StoreBackendFile, models.StoreBackendSQLite:
	default:
		return fmt.Errorf("invalid store backend: %s (must be file or sqlite)", cfg.Store.Backend)
	}

	if cfg.Rollout.PollInterval < 0 || cfg.Rollout.MaxPolls < 0 || cfg.Rollout.VerifyTimeout < 0 {
		return fmt.Errorf("rollout poll settings must not be negative")
	}
	if cfg.Publish.Attempts < 1 {
		return fmt.Errorf("publish attempts must be at least 1, got: %d", cfg.Publish.Attempts)
	}

	return nil
}

func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
