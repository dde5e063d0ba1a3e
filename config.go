package perch

import (
	"fmt"
	"log/slog"
	"os"

	yaml "gopkg.in/yaml.v2"
)

// Config configures a database instance.
type Config struct {
	// Path is the data directory. The KV store lives under Path/kv and
	// attachment blobs under Path/attachments.
	Path string `yaml:"path"`
	// MinimumFreeGB refuses to open when the volume has less free space
	// than this. Zero disables the check.
	MinimumFreeGB uint `yaml:"minimum_free_gb"`
	// MaxRevTreeDepth bounds how much revision history compaction
	// keeps per document. Zero means the default of 20.
	MaxRevTreeDepth int `yaml:"max_rev_tree_depth"`
	// DocCacheSize caps the in-memory document handle cache. Zero means
	// the default of 50.
	DocCacheSize int `yaml:"doc_cache_size"`
	// Logger is an optional structured logger. If nil, a stderr logger
	// is used.
	Logger *slog.Logger `yaml:"-"`
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (Config, error) {
	var conf Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return conf, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(raw, &conf); err != nil {
		return conf, fmt.Errorf("parse config %s: %w", path, err)
	}
	return conf, nil
}

// defaultLogger returns a logger that writes text logs to stderr at
// Info level. Applications can inject their own slog.Logger for JSON,
// different levels, etc.
func defaultLogger() *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}
