// Package config loads the coordination runtime's environment-variable
// configuration (spec §6), with an optional coord.yaml override and .env
// bootstrap file.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/coreframe/coord/pkg/coorderrs"
)

// Config holds every environment-tunable setting named in spec §6.
type Config struct {
	CoordDir             string        `yaml:"coord_dir"`
	OTLPEndpoint         string        `yaml:"otlp_endpoint"`
	OptimizationInterval time.Duration `yaml:"optimization_interval"`
	AgentTTL             time.Duration `yaml:"agent_ttl"`
	SpanQueueCapacity    int           `yaml:"span_queue_capacity"`
	SamplingRatio        float64       `yaml:"sampling_ratio"`
	HostPrefix           string        `yaml:"host_prefix"`
	LogLevel             string        `yaml:"log_level"`
	LogJSON              bool          `yaml:"log_json"`
}

// Defaults mirrors the defaults stated throughout spec.md §4 and §6.
func Defaults() Config {
	return Config{
		CoordDir:             "./coord-data",
		OptimizationInterval: 5 * time.Minute,
		AgentTTL:             10 * time.Minute,
		SpanQueueCapacity:    8192,
		SamplingRatio:        1.0,
		LogLevel:             "info",
	}
}

// Load builds a Config by layering, in increasing precedence: defaults,
// a .env file at envPath (if present), a coord.yaml file at yamlPath (if
// present), then process environment variables.
func Load(envPath, yamlPath string) (Config, error) {
	cfg := Defaults()

	if envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			fileEnv, err := godotenv.Read(envPath)
			if err != nil {
				return cfg, coorderrs.Wrap(coorderrs.IO, "", err, "load env file %s", envPath)
			}
			cfg.applyEnv(func(key string) (string, bool) {
				v, ok := fileEnv[key]
				return v, ok
			})
		}
	}

	if yamlPath != "" {
		if data, err := os.ReadFile(yamlPath); err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, coorderrs.Wrap(coorderrs.IO, "", err, "parse config file %s", yamlPath)
			}
		} else if !os.IsNotExist(err) {
			return cfg, coorderrs.Wrap(coorderrs.IO, "", err, "read config file %s", yamlPath)
		}
	}

	cfg.applyEnv(os.LookupEnv)
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("COORD_DIR"); ok {
		c.CoordDir = v
	}
	if v, ok := lookup("OTLP_ENDPOINT"); ok {
		c.OTLPEndpoint = v
	}
	if v, ok := lookup("OPTIMIZATION_INTERVAL"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			c.OptimizationInterval = d
		}
	}
	if v, ok := lookup("AGENT_TTL"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			c.AgentTTL = d
		}
	}
	if v, ok := lookup("SPAN_QUEUE_CAPACITY"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.SpanQueueCapacity = n
		}
	}
	if v, ok := lookup("SAMPLING_RATIO"); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.SamplingRatio = f
		}
	}
	if v, ok := lookup("HOST_PREFIX"); ok {
		c.HostPrefix = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := lookup("LOG_JSON"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.LogJSON = b
		}
	}
}
