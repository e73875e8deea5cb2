package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/yoshigion/uvc-gadget-upst/pkg/configfs"
)

const (
	appName   = "uvc-gadget"
	envPrefix = "UVC_GADGET"

	maxBuffers = 32
)

const (
	SourceV4L2 = "v4l2"
	SourceTest = "test"
)

// Config holds the settings of the uvc-gadget command.
type Config struct {
	Function string       `mapstructure:"function"`
	Configfs RootConfig   `mapstructure:"configfs"`
	Sysfs    RootConfig   `mapstructure:"sysfs"`
	Source   SourceConfig `mapstructure:"source"`
	Stream   StreamConfig `mapstructure:"stream"`
	Log      LogConfig    `mapstructure:"log"`
	Monitor  bool         `mapstructure:"monitor"`
}

type RootConfig struct {
	Root string `mapstructure:"root"`
}

type SourceConfig struct {
	Type    string `mapstructure:"type"`
	Device  string `mapstructure:"device"`
	Pattern string `mapstructure:"pattern"`
	Image   string `mapstructure:"image"`
	FPS     int    `mapstructure:"fps"`
}

type StreamConfig struct {
	Buffers int `mapstructure:"buffers"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// New returns a viper instance with defaults, environment bindings and
// config search paths set.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("function", "")
	v.SetDefault("configfs.root", configfs.DefaultConfigfsRoot)
	v.SetDefault("sysfs.root", configfs.DefaultSysfsRoot)
	v.SetDefault("source.type", SourceTest)
	v.SetDefault("source.device", "/dev/video0")
	v.SetDefault("source.pattern", "bars")
	v.SetDefault("source.image", "")
	v.SetDefault("source.fps", 30)
	v.SetDefault("stream.buffers", 4)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("monitor", false)

	// UVC_GADGET_SOURCE_DEVICE overrides source.device
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, path := range []string{
		".",
		filepath.Join(xdg.ConfigHome, appName),
		filepath.Join("/etc", appName),
	} {
		v.AddConfigPath(path)
	}
	return v
}

// Load reads the config file, if any, and returns the validated settings.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Source.Type {
	case SourceV4L2:
		if c.Source.Device == "" {
			return errors.New("source.device is required for a v4l2 source")
		}
	case SourceTest:
		switch c.Source.Pattern {
		case "bars":
		case "image":
			if c.Source.Image == "" {
				return errors.New("source.image is required for the image pattern")
			}
		default:
			return fmt.Errorf("unknown source.pattern %q", c.Source.Pattern)
		}
		if c.Source.FPS <= 0 {
			return fmt.Errorf("source.fps must be positive, got %d", c.Source.FPS)
		}
	default:
		return fmt.Errorf("unknown source.type %q", c.Source.Type)
	}

	if c.Stream.Buffers < 1 || c.Stream.Buffers > maxBuffers {
		return fmt.Errorf("stream.buffers must be between 1 and %d, got %d", maxBuffers, c.Stream.Buffers)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	return nil
}
