// Package config holds the engine settings and their viper-backed loading.
// A histoflow.yaml next to the database (or the path given with --config)
// feeds the typed Config; HF_* environment variables override file values.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the typed engine configuration.
type Config struct {
	// DBPath is the sqlite database location.
	DBPath string `mapstructure:"db"`
	// SchemaPath points at the root schema YAML.
	SchemaPath string `mapstructure:"schema"`
	// DataDir is the filestore root.
	DataDir string `mapstructure:"data-dir"`
	// InboxDir is watched for uploaded batch files; empty disables the
	// watcher.
	InboxDir string `mapstructure:"inbox-dir"`
	// ImageDir is the inbox tree of raw image source folders, one folder
	// per image identifier.
	ImageDir string `mapstructure:"image-dir"`

	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Export   ExportConfig   `mapstructure:"export"`
}

// PipelineConfig sizes the image pipeline.
type PipelineConfig struct {
	DefaultWorkers  int           `mapstructure:"default-workers"`
	HighWorkers     int           `mapstructure:"high-workers"`
	QueueCapacity   int           `mapstructure:"queue-capacity"`
	DownloadRetries int           `mapstructure:"download-retries"`
	DownloadTimeout time.Duration `mapstructure:"download-timeout"`
	ThumbnailSize   int           `mapstructure:"thumbnail-size"`
	DeleteSource    bool          `mapstructure:"delete-source"`

	Dicomizer DicomizerConfig `mapstructure:"dicomizer"`
}

// DicomizerConfig configures the conversion step.
type DicomizerConfig struct {
	Levels           []int `mapstructure:"levels"`
	IncludeLabels    bool  `mapstructure:"include-labels"`
	IncludeOverviews bool  `mapstructure:"include-overviews"`
	WorkerThreads    int   `mapstructure:"worker-threads"`
}

// ExportConfig configures project export.
type ExportConfig struct {
	UsePseudonyms bool `mapstructure:"use-pseudonyms"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db", "histoflow.db")
	v.SetDefault("schema", "schema.yaml")
	v.SetDefault("data-dir", "data")
	v.SetDefault("inbox-dir", "")
	v.SetDefault("image-dir", "images")
	v.SetDefault("pipeline.default-workers", 4)
	v.SetDefault("pipeline.high-workers", 2)
	v.SetDefault("pipeline.queue-capacity", 256)
	v.SetDefault("pipeline.download-retries", 3)
	v.SetDefault("pipeline.download-timeout", 10*time.Minute)
	v.SetDefault("pipeline.thumbnail-size", 512)
	v.SetDefault("pipeline.delete-source", true)
	v.SetDefault("pipeline.dicomizer.include-labels", false)
	v.SetDefault("pipeline.dicomizer.include-overviews", true)
	v.SetDefault("pipeline.dicomizer.worker-threads", 4)
	v.SetDefault("export.use-pseudonyms", false)
}

// Load reads the configuration. path may name a file or a directory holding
// histoflow.yaml; empty means defaults plus environment only. A missing
// config file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("histoflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if path != "" {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
