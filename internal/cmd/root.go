// Package cmd implements the CLI surface for osm2gpq (spec.md §6, "CLI
// surface (collaborator)"). It is adapted from the teacher's
// internal/cmd/root.go cobra+viper+slog wiring: the same cfgFile/logger
// globals, cobra.OnInitialize hook, and viper.BindPFlag pattern, generalized
// from a multi-subcommand tile-generator CLI to the spec's single command.
package cmd

import (
	"fmt"
	"os"

	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/osm2gpq/internal/config"
	"github.com/MeKo-Tech/osm2gpq/internal/errs"
)

var cfgFile string
var logger *slog.Logger

var rootCmd = &cobra.Command{
	Use:   "osm2gpq",
	Short: "Convert OpenStreetMap PBF extracts to GeoParquet",
	Long: `osm2gpq converts an OpenStreetMap PBF extract (or a geometry filter resolved
against an extract catalog) into a single GeoParquet 1.0 file, applying an
optional tag filter and geometry clip along the way.`,
	RunE: runConvert,
}

// Execute runs the root command, mapping the typed error taxonomy to the
// exit codes spec.md §6 documents (0 success, 1 validation error, 2 no
// matching extract/uncovered geometry, 3 runtime failure).
func Execute() {
	if logger == nil {
		initLogging()
	}
	err := rootCmd.Execute()
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(exitCodeFor(err))
}

func exitCodeFor(err error) int {
	switch {
	case errs.Is(err, errs.InvalidInput), errs.Is(err, errs.FilterConflict):
		return 1
	case errs.Is(err, errs.UncoveredGeometry), errs.Is(err, errs.ExtractAmbiguous), errs.Is(err, errs.ExtractNotFound):
		return 2
	default:
		return 3
	}
}

func init() {
	cobra.OnInitialize(initConfig, initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./osm2gpq.yaml)")

	rootCmd.Flags().String("pbf", "", "path to a local .osm.pbf extract")
	rootCmd.Flags().String("geometry", "", "geometry filter: file path, inline GeoJSON, inline WKT, geohash index, or a free-text catalog query")
	rootCmd.Flags().String("catalog-endpoint", "", "extract-catalog list endpoint (required when --geometry triggers extract discovery)")
	rootCmd.Flags().String("tag-filter", "", "inline tag-filter JSON, or @path to a JSON file")
	rootCmd.Flags().Bool("explode", false, "pivot tag-filter keys to individual output columns instead of a single tags map")
	rootCmd.Flags().Bool("keep-all-tags", false, "preserve full tags alongside any exploded columns")
	rootCmd.Flags().Bool("wkt", false, "emit geometry as WKT text instead of WKB binary")
	rootCmd.Flags().Bool("sort-result", true, "Hilbert-sort output rows by centroid")
	rootCmd.Flags().StringP("output", "o", "", "output GeoParquet file path (required)")
	rootCmd.Flags().String("work-dir", "./.osm2gpq-work", "working directory for shard files and the cache lock")
	rootCmd.Flags().Bool("ignore-cache", false, "rebuild even if a matching cache file already exists")
	rootCmd.Flags().String("verbosity", "normal", "silent|transient|normal")
	rootCmd.Flags().String("compression", "zstd", "output parquet codec: snappy, zstd, gzip, none")
	rootCmd.Flags().Int("compression-level", 3, "compression level (accepted but not applied; each codec writes at its default level)")
	rootCmd.Flags().Int("row-group-size", 100_000, "rows per parquet row group")
	rootCmd.Flags().Float64("iou-threshold", 0.01, "extract-coverage threshold for auto-discovery")
	rootCmd.Flags().Bool("allow-uncovered-geometry", false, "do not fail when the filter geometry is not fully covered by known extracts")

	bindFlags := []string{
		"pbf", "geometry", "catalog-endpoint", "tag-filter", "explode", "keep-all-tags", "wkt",
		"sort-result", "output", "work-dir", "ignore-cache", "verbosity", "compression",
		"compression-level", "row-group-size", "iou-threshold", "allow-uncovered-geometry",
	}
	for _, name := range bindFlags {
		if err := viper.BindPFlag(name, rootCmd.Flags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", name, err))
		}
	}
}

func initConfig() {
	if err := config.InitFile(viper.GetViper(), cfgFile); err != nil {
		fmt.Fprintln(os.Stderr, "reading config file:", err)
	}
}

func initLogging() {
	logger = config.NewLogger(viper.GetString("verbosity"))
	slog.SetDefault(logger)
}
