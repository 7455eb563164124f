// Package config loads the backpressure service configuration through viper.
package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pako-23/backpressure/internal/controller"
	"github.com/pako-23/backpressure/internal/estimator"
	"github.com/pako-23/backpressure/internal/observer"
	"github.com/pako-23/backpressure/internal/receiver"
	"github.com/spf13/viper"
	apiv1 "k8s.io/api/core/v1"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// EnvPrefix is prepended to environment variables overriding config keys,
// e.g. BACKPRESSURE_ESTIMATOR_NAME.
const EnvPrefix = "BACKPRESSURE"

type Config struct {
	Estimator EstimatorConfig `mapstructure:"estimator"`
	Receiver  ReceiverConfig  `mapstructure:"receiver"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Observer  ObserverConfig  `mapstructure:"observer"`
	Kube      KubeConfig      `mapstructure:"kube"`
	Log       LogConfig       `mapstructure:"log"`
}

type EstimatorConfig struct {
	// Name selects the estimator: "pid", "ewma" or "noop"
	Name            string     `mapstructure:"name"`
	BatchIntervalMs int64      `mapstructure:"batch_interval_ms"`
	PID             PIDConfig  `mapstructure:"pid"`
	EWMA            EWMAConfig `mapstructure:"ewma"`
}

type PIDConfig struct {
	Proportional float64 `mapstructure:"proportional"`
	Integral     float64 `mapstructure:"integral"`
	Derived      float64 `mapstructure:"derived"`
	MinRate      float64 `mapstructure:"min_rate"`
}

type EWMAConfig struct {
	Alpha float64 `mapstructure:"alpha"`
}

type ReceiverConfig struct {
	Address string `mapstructure:"address"`
}

type HTTPConfig struct {
	Address string `mapstructure:"address"`
}

type ObserverConfig struct {
	PublishInterval time.Duration `mapstructure:"publish_interval"`
	// Stream is the service name of the only stream whose batches are
	// estimated; batches reported by other services are ignored.
	Stream string `mapstructure:"stream"`
}

// KubeConfig controls publishing the rate on the receivers' deployment.
type KubeConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Namespace  string `mapstructure:"namespace"`
	Deployment string `mapstructure:"deployment"`
	Annotation string `mapstructure:"annotation"`
}

type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error"
	Level string `mapstructure:"level"`
}

func Default() *Config {
	return &Config{
		Estimator: EstimatorConfig{
			Name:            estimator.PID,
			BatchIntervalMs: 1000,
			PID: PIDConfig{
				Proportional: estimator.DefaultProportional,
				Integral:     estimator.DefaultIntegral,
				Derived:      estimator.DefaultDerivative,
				MinRate:      0,
			},
			EWMA: EWMAConfig{Alpha: estimator.DefaultAlpha},
		},
		Receiver: ReceiverConfig{Address: receiver.DefaultAddress},
		HTTP:     HTTPConfig{Address: ":8080"},
		Observer: ObserverConfig{PublishInterval: observer.DefaultInterval},
		Kube: KubeConfig{
			Enabled:    false,
			Namespace:  apiv1.NamespaceDefault,
			Annotation: controller.DefaultAnnotation,
		},
		Log: LogConfig{Level: "info"},
	}
}

// SetDefaults registers default values and environment overrides with v.
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("estimator.name", defaults.Estimator.Name)
	v.SetDefault("estimator.batch_interval_ms", defaults.Estimator.BatchIntervalMs)
	v.SetDefault("estimator.pid.proportional", defaults.Estimator.PID.Proportional)
	v.SetDefault("estimator.pid.integral", defaults.Estimator.PID.Integral)
	v.SetDefault("estimator.pid.derived", defaults.Estimator.PID.Derived)
	v.SetDefault("estimator.pid.min_rate", defaults.Estimator.PID.MinRate)
	v.SetDefault("estimator.ewma.alpha", defaults.Estimator.EWMA.Alpha)

	v.SetDefault("receiver.address", defaults.Receiver.Address)
	v.SetDefault("http.address", defaults.HTTP.Address)
	v.SetDefault("observer.publish_interval", defaults.Observer.PublishInterval)
	v.SetDefault("observer.stream", defaults.Observer.Stream)

	v.SetDefault("kube.enabled", defaults.Kube.Enabled)
	v.SetDefault("kube.namespace", defaults.Kube.Namespace)
	v.SetDefault("kube.deployment", defaults.Kube.Deployment)
	v.SetDefault("kube.annotation", defaults.Kube.Annotation)

	v.SetDefault("log.level", defaults.Log.Level)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the configuration from v into a Config struct and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) BatchInterval() time.Duration {
	return time.Duration(c.Estimator.BatchIntervalMs) * time.Millisecond
}

func (c *Config) Validate() error {
	var problems []string

	switch c.Estimator.Name {
	case estimator.PID, estimator.EWMA, estimator.Noop:
	default:
		problems = append(problems, fmt.Sprintf("estimator.name: unknown estimator %q", c.Estimator.Name))
	}

	if c.Estimator.BatchIntervalMs <= 0 {
		problems = append(problems, "estimator.batch_interval_ms: must be positive")
	}

	for key, gain := range map[string]float64{
		"estimator.pid.proportional": c.Estimator.PID.Proportional,
		"estimator.pid.integral":     c.Estimator.PID.Integral,
		"estimator.pid.derived":      c.Estimator.PID.Derived,
	} {
		if math.IsNaN(gain) || math.IsInf(gain, 0) {
			problems = append(problems, key+": must be finite")
		}
	}

	if c.Estimator.PID.MinRate < 0 {
		problems = append(problems, "estimator.pid.min_rate: must be non-negative")
	}

	if c.Estimator.EWMA.Alpha <= 0 || c.Estimator.EWMA.Alpha > 1 {
		problems = append(problems, "estimator.ewma.alpha: must be in (0, 1]")
	}

	if c.Observer.PublishInterval <= 0 {
		problems = append(problems, "observer.publish_interval: must be positive")
	}

	if c.Kube.Enabled && c.Kube.Deployment == "" {
		problems = append(problems, "kube.deployment: required when kube.enabled is set")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level: unknown level %q", c.Log.Level))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}

	return nil
}

// EstimatorOptions translates the configuration into estimator options.
func (c *Config) EstimatorOptions() []estimator.Option {
	return []estimator.Option{
		estimator.WithProportional(c.Estimator.PID.Proportional),
		estimator.WithIntegral(c.Estimator.PID.Integral),
		estimator.WithDerivative(c.Estimator.PID.Derived),
		estimator.WithMinRate(c.Estimator.PID.MinRate),
		estimator.WithAlpha(c.Estimator.EWMA.Alpha),
	}
}
