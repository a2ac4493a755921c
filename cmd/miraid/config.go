package main

import (
	"strings"
	"time"

	"github.com/gaborcsardi/mirai/pkg/daemon"
	"github.com/gaborcsardi/mirai/pkg/utils"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

type Config struct {
	// URL of the host socket to dial.
	Dial string `mapstructure:"dial"`

	// TLS certificate, either inline PEM or a file path.
	TLS string `mapstructure:"tls"`

	// Wait for reconnection instead of exiting on transport loss.
	NoAutoexit bool `mapstructure:"no_autoexit"`

	// Exit after this long without receiving a task.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// Exit after completing this many tasks.
	MaxTasks int `mapstructure:"max_tasks"`

	// Random seed, for reproducible worker-side randomness.
	Seed int64 `mapstructure:"rs"`
}

func LoadConfig() (*Config, error) {
	config := &Config{}

	err := utils.UnmarshalConfig(*viper.GetViper(), config)
	if err != nil {
		return nil, err
	}

	return config, nil
}

// DaemonConfig resolves the command line configuration into the
// daemon's. The --tls value may be the certificate PEM itself, as
// emitted by launch commands, or a path to a PEM file.
func (c *Config) DaemonConfig(fs afero.Fs) (*daemon.Config, error) {
	config := &daemon.Config{
		URL:         c.Dial,
		Autoexit:    !c.NoAutoexit,
		IdleTimeout: c.IdleTimeout,
		MaxTasks:    c.MaxTasks,
		Seed:        c.Seed,
	}

	switch {
	case c.TLS == "":

	case strings.HasPrefix(c.TLS, "-----BEGIN"):
		config.CertPEM = []byte(c.TLS)

	default:
		pem, err := afero.ReadFile(fs, c.TLS)
		if err != nil {
			return nil, err
		}
		config.CertPEM = pem
	}

	return config, nil
}
