package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoad_UnsetKeysFallBackToDefaults(t *testing.T) {
	cfg := Load(viper.New())
	require.Equal(t, Default(), cfg)
}

func TestLoad_OverridesFromViper(t *testing.T) {
	v := viper.New()
	v.Set("compression", "snappy")
	v.Set("keep_all_tags", true)
	v.Set("iou_threshold", 0.05)

	cfg := Load(v)
	require.Equal(t, "snappy", cfg.Compression)
	require.True(t, cfg.KeepAllTags)
	require.InDelta(t, 0.05, cfg.IoUThreshold, 1e-9)
}

func TestLoad_RowsPerGroupAliasTakesPriority(t *testing.T) {
	v := viper.New()
	v.Set("row_group_size", 1000)
	v.Set("rows_per_group", 2000)

	cfg := Load(v)
	require.Equal(t, 2000, cfg.RowGroupSize)
}

func TestNewLogger_UnknownVerbosityDefaultsToInfo(t *testing.T) {
	logger := NewLogger("bogus")
	require.NotNil(t, logger)
}
