// Package config holds the worker-side configuration of the bridge:
// tool locations, transient-failure classification and the optional
// archive cache. Values come from /etc/scmbridge/config.yaml, a user
// config file, or SCMBRIDGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Credential is one host credential handed to the checkout tool.
type Credential struct {
	Host     string `mapstructure:"host"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Config holds all runtime configuration of one bridge invocation.
type Config struct {
	GitPath            string       `mapstructure:"git_path"`
	DownloadAssetsPath string       `mapstructure:"download_assets_path"`
	ExportDebianPath   string       `mapstructure:"export_debian_path"`
	CriticalServers    []string     `mapstructure:"critical_servers"`
	CacheURL           string       `mapstructure:"cache_url"`
	Credentials        []Credential `mapstructure:"credentials"`
}

// Load reads configuration, applying built-in defaults for any value
// not set by config file or environment.
func Load() (Config, error) {
	viper.SetDefault("git_path", "git")
	viper.SetDefault("download_assets_path", "/usr/lib/obs/service/download_assets")
	viper.SetDefault("export_debian_path", "/usr/lib/obs/service/export_debian_orig_from_git")
	viper.SetDefault("critical_servers", []string{"src.opensuse.org"})
	viper.SetDefault("cache_url", "")

	viper.SetEnvPrefix("SCMBRIDGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/scmbridge")
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".config", "scmbridge"))
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}
