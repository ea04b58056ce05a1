// Package config layers launcher settings from defaults, a config file, FC_
// environment variables and command line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	controller "github.com/featurecloud/fc-controller"
)

const (
	EnvPrefix      = "FC"
	configFileName = "fc-controller"
)

// Config holds the launcher settings. Keys match the flag names.
type Config struct {
	Name        string        `mapstructure:"name"`
	Image       string        `mapstructure:"image"`
	DataDir     string        `mapstructure:"data-dir"`
	Port        int           `mapstructure:"port"`
	Socket      string        `mapstructure:"socket"`
	StopTimeout time.Duration `mapstructure:"stop-timeout"`
	// Endpoint overrides how the launcher reaches the engine. When empty the
	// environment or the control socket is used.
	Endpoint string `mapstructure:"endpoint"`
}

// AddFlags registers the settings on fs with their defaults.
func AddFlags(fs *pflag.FlagSet) {
	defaults := controller.NewOptions()
	fs.String("name", defaults.Name, "The name of the controller instance.")
	fs.String("image", defaults.Image, "The controller image to pull and run. The latest tag is used when none is given.")
	fs.String("data-dir", defaults.HostDataDir, "The host directory mounted into the controller at "+controller.InternalDataDir+". Created if missing.")
	fs.Int("port", defaults.Port, "The port published on the host and inside the controller.")
	fs.String("socket", defaults.ControlSocket, "The host engine socket mounted into the controller.")
	fs.Duration("stop-timeout", defaults.StopTimeout, "How long a previous controller may take to stop before it is killed.")
	fs.String("endpoint", "", "The engine endpoint used by this command. Defaults to DOCKER_HOST, then the control socket.")
}

// Load reads path, or fc-controller.yaml from $HOME/.featurecloud and the
// working directory when path is empty, and overlays environment and flags.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if len(path) > 0 {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configFileName)
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".featurecloud"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	defaults := controller.NewOptions()
	v.SetDefault("name", defaults.Name)
	v.SetDefault("image", defaults.Image)
	v.SetDefault("data-dir", defaults.HostDataDir)
	v.SetDefault("port", defaults.Port)
	v.SetDefault("socket", defaults.ControlSocket)
	v.SetDefault("stop-timeout", defaults.StopTimeout)
	v.SetDefault("endpoint", "")

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || len(path) > 0 {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Options converts the settings into launcher options.
func (c *Config) Options() controller.Options {
	return controller.Options{
		Name:          c.Name,
		Image:         c.Image,
		HostDataDir:   c.DataDir,
		Port:          c.Port,
		ControlSocket: c.Socket,
		StopTimeout:   c.StopTimeout,
	}
}
