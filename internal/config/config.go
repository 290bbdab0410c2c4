package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/AMDEPYC/gpu-power-manager/internal/scaling"
	"github.com/AMDEPYC/gpu-power-manager/pkg/dfrgx"
)

const (
	envPrefix = "dfrgx"

	DefaultConfigPath   = "/etc/gpu-power-manager/dfrgx.yaml"
	DefaultSamplePeriod = 100 * time.Millisecond
	DefaultGovernor     = dfrgx.GovernorSimpleOndemand
)

var ErrInvalidConfig = errors.New("invalid configuration")

type DeviceConfig struct {
	Name            string        `yaml:"name"`
	Governor        string        `yaml:"governor,omitempty"`
	SamplePeriod    time.Duration `yaml:"samplePeriod,omitempty"`
	MinFreqIndex    *int          `yaml:"minFreqIndex,omitempty"`
	MaxFreqIndex    *int          `yaml:"maxFreqIndex,omitempty"`
	FallbackFreq    uint          `yaml:"fallbackFreq,omitempty"`
	UtilizationPath string        `yaml:"utilizationPath,omitempty"`
	FusePath        string        `yaml:"fusePath,omitempty"`
}

type Defaults struct {
	Governor     string        `yaml:"governor,omitempty"`
	SamplePeriod time.Duration `yaml:"samplePeriod,omitempty"`
}

type Config struct {
	MetricsBindAddress string         `yaml:"metricsBindAddress,omitempty"`
	ProbeBindAddress   string         `yaml:"probeBindAddress,omitempty"`
	Defaults           Defaults       `yaml:"defaults,omitempty"`
	Devices            []DeviceConfig `yaml:"devices"`
}

// EnvOverrides are read from DFRGX_* environment variables and win over the
// values in the configuration file.
type EnvOverrides struct {
	ConfigPath         string        `envconfig:"CONFIG_PATH" default:"/etc/gpu-power-manager/dfrgx.yaml"`
	MetricsBindAddress string        `envconfig:"METRICS_BIND_ADDRESS"`
	ProbeBindAddress   string        `envconfig:"PROBE_BIND_ADDRESS"`
	Governor           string        `envconfig:"GOVERNOR"`
	SamplePeriod       time.Duration `envconfig:"SAMPLE_PERIOD"`
}

func LoadEnvOverrides() (*EnvOverrides, error) {
	env := &EnvOverrides{}
	if err := envconfig.Process(envPrefix, env); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	return env, nil
}

// Parse decodes a YAML configuration, applies overrides and defaults, and
// validates the result.
func Parse(data []byte, env *EnvOverrides) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg.applyOverrides(env)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Load reads and parses the configuration file at path.
func Load(path string, env *EnvOverrides) (*Config, error) {
	// #nosec G304 -- path is configured at startup
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}
	return Parse(data, env)
}

func (c *Config) applyOverrides(env *EnvOverrides) {
	if env == nil {
		return
	}
	if env.MetricsBindAddress != "" {
		c.MetricsBindAddress = env.MetricsBindAddress
	}
	if env.ProbeBindAddress != "" {
		c.ProbeBindAddress = env.ProbeBindAddress
	}
	if env.Governor != "" {
		c.Defaults.Governor = env.Governor
	}
	if env.SamplePeriod != 0 {
		c.Defaults.SamplePeriod = env.SamplePeriod
	}
}

func (c *Config) applyDefaults() {
	if c.Defaults.Governor == "" {
		c.Defaults.Governor = DefaultGovernor
	}
	if c.Defaults.SamplePeriod == 0 {
		c.Defaults.SamplePeriod = DefaultSamplePeriod
	}
	for i := range c.Devices {
		dev := &c.Devices[i]
		if dev.Governor == "" {
			dev.Governor = c.Defaults.Governor
		}
		if dev.SamplePeriod == 0 {
			dev.SamplePeriod = c.Defaults.SamplePeriod
		}
	}
}

func (c *Config) Validate() error {
	if _, ok := dfrgx.ParseProfile(c.Defaults.Governor); !ok {
		return fmt.Errorf("%w: unknown default governor %q", ErrInvalidConfig, c.Defaults.Governor)
	}

	seen := map[string]struct{}{}
	for _, dev := range c.Devices {
		if dev.Name == "" {
			return fmt.Errorf("%w: device without name", ErrInvalidConfig)
		}
		if _, dup := seen[dev.Name]; dup {
			return fmt.Errorf("%w: device %s listed twice", ErrInvalidConfig, dev.Name)
		}
		seen[dev.Name] = struct{}{}

		if _, ok := dfrgx.ParseProfile(dev.Governor); !ok {
			return fmt.Errorf("%w: unknown governor %q for device %s", ErrInvalidConfig, dev.Governor, dev.Name)
		}
		if dev.SamplePeriod <= 0 {
			return fmt.Errorf("%w: sample period of device %s must be positive", ErrInvalidConfig, dev.Name)
		}
		if dev.MinFreqIndex != nil && *dev.MinFreqIndex < 0 {
			return fmt.Errorf("%w: negative min frequency index for device %s", ErrInvalidConfig, dev.Name)
		}
		if dev.MaxFreqIndex != nil && *dev.MaxFreqIndex < 0 {
			return fmt.Errorf("%w: negative max frequency index for device %s", ErrInvalidConfig, dev.Name)
		}
		if dev.MinFreqIndex != nil && dev.MaxFreqIndex != nil && *dev.MinFreqIndex > *dev.MaxFreqIndex {
			return fmt.Errorf("%w: min frequency index above max for device %s", ErrInvalidConfig, dev.Name)
		}
	}

	return nil
}

func indexOrNotSet(index *int) int {
	if index == nil {
		return scaling.IndexNotSet
	}
	return *index
}

// ScalingOpts converts the device list into scaling worker options.
func (c *Config) ScalingOpts() []scaling.GPUScalingOpts {
	optsList := make([]scaling.GPUScalingOpts, 0, len(c.Devices))
	for _, dev := range c.Devices {
		optsList = append(optsList, scaling.GPUScalingOpts{
			Device:          dev.Name,
			SamplePeriod:    dev.SamplePeriod,
			Governor:        dev.Governor,
			MinFreqIndex:    indexOrNotSet(dev.MinFreqIndex),
			MaxFreqIndex:    indexOrNotSet(dev.MaxFreqIndex),
			FallbackFreq:    dev.FallbackFreq,
			UtilizationPath: dev.UtilizationPath,
			FusePath:        dev.FusePath,
		})
	}
	return optsList
}
