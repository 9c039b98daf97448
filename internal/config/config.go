// Package config defines the conversion options recognized from flags,
// environment variables and an optional config file (spec.md §6.6). It is
// adapted from the teacher's internal/cmd/root.go viper wiring
// (initConfig/initLogging), generalized from a single global rootCmd-bound
// viper instance to an explicit struct a caller can construct directly (as a
// library) or populate from cobra flags (as the CLI).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every option spec.md §6.6 lists as "recognized".
type Config struct {
	Compression              string
	CompressionLevel         int
	RowGroupSize             int
	SortResult               bool
	KeepAllTags              bool
	ExplodeTags              bool
	IoUThreshold             float64
	AllowUncoveredGeometry   bool
	DebugRetainIntermediates bool
	IgnoreCache              bool
	Verbosity                string // silent|transient|normal
}

// Default mirrors merge.DefaultOptions' values plus the pipeline-level
// defaults spec.md §6.6 documents.
func Default() Config {
	return Config{
		Compression:      "zstd",
		CompressionLevel: 3,
		RowGroupSize:     100_000,
		SortResult:       true,
		IoUThreshold:     0.01,
		Verbosity:        "normal",
	}
}

// Load builds a Config from viper, having already been populated by
// cobra.BindPFlag calls in the CLI layer (or left at viper's zero state for
// library callers that only want environment/config-file values). Unset
// viper keys fall back to Default()'s values.
func Load(v *viper.Viper) Config {
	if v == nil {
		v = viper.GetViper()
	}
	cfg := Default()

	if v.IsSet("compression") {
		cfg.Compression = v.GetString("compression")
	}
	if v.IsSet("compression_level") {
		cfg.CompressionLevel = v.GetInt("compression_level")
	}
	if v.IsSet("row_group_size") || v.IsSet("rows_per_group") {
		if v.IsSet("rows_per_group") {
			cfg.RowGroupSize = v.GetInt("rows_per_group")
		} else {
			cfg.RowGroupSize = v.GetInt("row_group_size")
		}
	}
	if v.IsSet("sort_result") {
		cfg.SortResult = v.GetBool("sort_result")
	}
	if v.IsSet("keep_all_tags") {
		cfg.KeepAllTags = v.GetBool("keep_all_tags")
	}
	if v.IsSet("explode_tags") {
		cfg.ExplodeTags = v.GetBool("explode_tags")
	}
	if v.IsSet("iou_threshold") {
		cfg.IoUThreshold = v.GetFloat64("iou_threshold")
	}
	if v.IsSet("allow_uncovered_geometry") {
		cfg.AllowUncoveredGeometry = v.GetBool("allow_uncovered_geometry")
	}
	if v.IsSet("debug_retain_intermediates") {
		cfg.DebugRetainIntermediates = v.GetBool("debug_retain_intermediates")
	}
	if v.IsSet("ignore_cache") {
		cfg.IgnoreCache = v.GetBool("ignore_cache")
	}
	if v.IsSet("verbosity") {
		cfg.Verbosity = v.GetString("verbosity")
	}
	return cfg
}

// InitFile wires viper to read ./osm2gpq.yaml (or cfgFile if given) plus
// OSM2GPQ_-prefixed environment variables, mirroring the teacher's
// initConfig (AddConfigPath/SetConfigName + SetEnvPrefix/AutomaticEnv).
func InitFile(v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("osm2gpq")
	}
	v.SetEnvPrefix("OSM2GPQ")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return err
	}
	return nil
}

// NewLogger builds the slog logger used across the pipeline, mirroring the
// teacher's initLogging level-string parsing but mapping from this module's
// three-level Verbosity vocabulary (silent|transient|normal) instead of the
// teacher's four-level (debug|info|warn|error).
func NewLogger(verbosity string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(verbosity) {
	case "silent":
		level = slog.LevelError
	case "transient", "normal", "":
		level = slog.LevelInfo
	default:
		fmt.Fprintf(os.Stderr, "unknown verbosity %q, defaulting to normal\n", verbosity)
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
