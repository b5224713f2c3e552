package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/silverline/silverline/internal/cdc"
	"github.com/silverline/silverline/internal/merge"
)

type Config struct {
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Node     NodeConfig     `mapstructure:"node"`
	Source   SourceConfig   `mapstructure:"source"`
	Alerts   AlertsConfig   `mapstructure:"alerts"`
}

// PipelineConfig is the merge engine's recognized option surface.
type PipelineConfig struct {
	Keys                []string `mapstructure:"keys"`
	SequenceBy          string   `mapstructure:"sequence_by"`
	SCDType             int      `mapstructure:"scd_type"`
	TrackHistoryColumns []string `mapstructure:"track_history_columns"`
	ExceptColumns       []string `mapstructure:"except_columns"`
	ApplyAsDeletes      string   `mapstructure:"apply_as_deletes"`
	IgnoreNullUpdates   bool     `mapstructure:"ignore_null_updates"`
	Workers             int      `mapstructure:"workers"`
}

type NodeConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// SourceConfig configures the optional Postgres logical-replication
// normalizer used by the stream command.
type SourceConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Database        string `mapstructure:"database"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SlotName        string `mapstructure:"slot_name"`
	PublicationName string `mapstructure:"publication_name"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate fails fast at load time.
func (c *Config) Validate() error {
	if len(c.Pipeline.Keys) == 0 {
		return fmt.Errorf("pipeline.keys is required")
	}
	if c.Pipeline.SequenceBy == "" {
		return fmt.Errorf("pipeline.sequence_by is required")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}

	switch c.Pipeline.SCDType {
	case 1:
		if len(c.Pipeline.TrackHistoryColumns) > 0 {
			return fmt.Errorf("pipeline.track_history_columns is only supported for scd_type 2")
		}
	case 2:
		if len(c.Pipeline.TrackHistoryColumns) == 0 {
			return fmt.Errorf("pipeline.track_history_columns is required for scd_type 2")
		}
	default:
		return fmt.Errorf("pipeline.scd_type must be 1 or 2, got %d", c.Pipeline.SCDType)
	}

	if c.Pipeline.Workers < 0 {
		return fmt.Errorf("pipeline.workers must be positive")
	}

	return nil
}

func (c *Config) MergeOptions() merge.Options {
	return merge.Options{
		SCDType:             c.Pipeline.SCDType,
		TrackHistoryColumns: c.Pipeline.TrackHistoryColumns,
		ExceptColumns:       c.Pipeline.ExceptColumns,
		IgnoreNullUpdates:   c.Pipeline.IgnoreNullUpdates,
		Workers:             c.Pipeline.Workers,
	}
}

func (c *Config) DecodeOptions() cdc.DecodeOptions {
	return cdc.DecodeOptions{
		KeyAttributes:       c.Pipeline.Keys,
		SequenceAttribute:   c.Pipeline.SequenceBy,
		DeleteFlagAttribute: c.Pipeline.ApplyAsDeletes,
	}
}
