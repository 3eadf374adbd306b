// Configuration for the emission pipeline: defaults, validation, and
// file/environment loading.
package emit

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config controls the emission pipeline. The zero value is not usable; start
// from DefaultConfig or LoadConfig.
type Config struct {
	// SinkPath is the file or pipe the record stream is written to.
	SinkPath string `mapstructure:"sink_path"`
	// SinkRequired makes Setup fail when the sink cannot be opened. When
	// false, Setup succeeds detached and the transport discards records
	// until a reattach probe finds the sink writable.
	SinkRequired bool `mapstructure:"sink_required"`
	// BufferSize is the transport queue capacity in records.
	BufferSize int `mapstructure:"buffer_size"`
	// BatchBytes is the drain's write batch threshold.
	BatchBytes int `mapstructure:"batch_bytes"`
	// FlushInterval bounds how long an encoded record sits unwritten.
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	// ReattachInterval is the probe cadence while the sink is down.
	ReattachInterval time.Duration `mapstructure:"reattach_interval"`

	// OpenSink overrides SinkPath with a custom sink constructor. Used by
	// tests and by hosts writing to something other than a file.
	OpenSink OpenSinkFunc `mapstructure:"-"`
	// Logger receives the layer's own diagnostics. Defaults to a dedicated
	// quiet logger rather than the standard one, so a host that installs
	// the Hook on the standard logger cannot feed the layer's diagnostics
	// back into itself.
	Logger *logrus.Logger `mapstructure:"-"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SinkPath:         "spanwire.trace",
		BufferSize:       8192,
		BatchBytes:       32 * 1024,
		FlushInterval:    100 * time.Millisecond,
		ReattachInterval: time.Second,
	}
}

// LoadConfig reads configuration from the YAML file at path, layered over
// DefaultConfig and overridable through SPANWIRE_* environment variables.
// An empty path loads defaults plus environment only.
func LoadConfig(path string) (Config, error) {
	def := DefaultConfig()

	v := viper.New()
	v.SetDefault("sink_path", def.SinkPath)
	v.SetDefault("sink_required", def.SinkRequired)
	v.SetDefault("buffer_size", def.BufferSize)
	v.SetDefault("batch_bytes", def.BatchBytes)
	v.SetDefault("flush_interval", def.FlushInterval)
	v.SetDefault("reattach_interval", def.ReattachInterval)
	v.SetEnvPrefix("SPANWIRE")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Validate reports the first configuration error.
func (c Config) Validate() error {
	if c.SinkPath == "" && c.OpenSink == nil {
		return fmt.Errorf("sink_path or OpenSink must be set")
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be positive, got %d", c.BufferSize)
	}
	if c.BatchBytes <= 0 {
		return fmt.Errorf("batch_bytes must be positive, got %d", c.BatchBytes)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be positive, got %s", c.FlushInterval)
	}
	if c.ReattachInterval <= 0 {
		return fmt.Errorf("reattach_interval must be positive, got %s", c.ReattachInterval)
	}
	return nil
}
