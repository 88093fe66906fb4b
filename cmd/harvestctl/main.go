// Package main implements the harvestctl command-line tool for building a
// local corpus of public Epstein-related court and government documents.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/epsteingraph/harvestctl/internal/harvest"
	"github.com/epsteingraph/harvestctl/internal/sources"
)

const (
	defaultConfigPath = "config.toml"
)

var (
	// Build information - can be set via build flags
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "harvestctl",
	Short: "Collect public Epstein case documents into a local catalog",
	Long: `harvestctl discovers, downloads, and extracts text from publicly released
documents related to the Jeffrey Epstein case: court filings, FBI vault
releases, DOJ data sets, congressional productions, and archived copies.

Downloads are deduplicated by content hash and recorded in a SQLite catalog.`,
}

var runCmd = &cobra.Command{
	Use:   "run [source...]",
	Short: "Discover and download documents from the configured sources",
	Long: `Discovers and downloads documents from one or more sources.

Usage:
  # Run every source in its default order
  harvestctl run

  # Run only specific sources
  harvestctl run doj courtlistener

  # Use a custom configuration file
  harvestctl run --config /path/to/custom.toml

  # Override the log level
  harvestctl run --log-level debug

  # Show detailed error information
  harvestctl run --verbose-errors

  # Suppress all output except for errors
  harvestctl run --quiet

If no sources are specified, all known sources run in their default order.`,
	Run: runHarvest,
}

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract text from already-downloaded documents",
	Long: `Extracts text from downloaded PDFs that have no completed extraction yet.

Examples:
  harvestctl extract
  harvestctl extract --source doj`,
	Run: runExtract,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print download and extraction statistics",
	Long:  `Print per-source download and extraction statistics from the catalog.`,
	Run:   runStats,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long:  `Validate the configuration file and report any issues.`,
	Run:   runValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information including build details",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("harvestctl %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", buildDate)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")

	rootCmd.PersistentFlags().BoolP("help", "h", false, "help for harvestctl")
	rootCmd.PersistentFlags().Bool("verbose-errors", false, "show detailed error information including stack traces")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress all output except for errors")

	runCmd.Flags().String("source", "", "run a single source (same as naming it as an argument)")
	runCmd.Flags().Bool("no-progress", false, "disable download progress bars")

	extractCmd.Flags().String("source", "", "restrict extraction to documents from one source")
}

// formatError returns a human-friendly error message, optionally with stack trace
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err) // Full details with stack trace
	}

	// For human-friendly output, try to extract the root message
	flattened := errors.FlattenDetails(err)
	if flattened != "" {
		return flattened
	}

	// Fallback to simple error message
	return err.Error()
}

// analyzeUndecoded examines undecoded TOML keys and provides helpful suggestions
func analyzeUndecoded(undecoded []toml.Key) (suggestions []string, unknown []string) {
	// Group keys by their root section for source typos
	sourceGroups := make(map[string]int)

	for _, key := range undecoded {
		keyStr := key.String()

		// Check for common "source" vs "sources" typo
		if strings.HasPrefix(keyStr, "source.") && !strings.HasPrefix(keyStr, "sources.") {
			// Extract the root section (e.g., "source.doj" from "source.doj.rate_limit")
			parts := strings.Split(keyStr, ".")
			if len(parts) >= 2 {
				rootSection := parts[0] + "." + parts[1] // "source.doj"
				sourceGroups[rootSection]++
			}
		} else {
			// Keep track of keys we couldn't provide suggestions for
			unknown = append(unknown, keyStr)
		}
	}

	// Generate grouped suggestions
	for rootSection, count := range sourceGroups {
		correctedSection := strings.Replace(rootSection, "source.", "sources.", 1)
		if count == 1 {
			suggestions = append(suggestions, fmt.Sprintf("Section '%s' should be '%s'", rootSection, correctedSection))
		} else {
			suggestions = append(suggestions, fmt.Sprintf("Section '%s' should be '%s' (affects %d keys)", rootSection, correctedSection, count))
		}
	}

	return suggestions, unknown
}

// formatUndecodedError builds a user-friendly error message for undecoded TOML keys
func formatUndecodedError(undecoded []toml.Key) string {
	suggestions, unknown := analyzeUndecoded(undecoded)

	var errorMsg strings.Builder
	if len(suggestions) > 0 {
		errorMsg.WriteString("configuration contains sections that don't match expected structure:\n")
		for _, suggestion := range suggestions {
			errorMsg.WriteString("  • " + suggestion + "\n")
		}
		errorMsg.WriteString("\nNote: Configuration section names are case-sensitive and must match exactly.")
	}

	if len(unknown) > 0 {
		if errorMsg.Len() > 0 {
			errorMsg.WriteString("\n\nAdditionally, found unknown sections: ")
		} else {
			errorMsg.WriteString("configuration contains unknown sections: ")
		}
		errorMsg.WriteString(fmt.Sprintf("%v", unknown))
		errorMsg.WriteString("\nThese sections don't match any expected configuration structure.")
	}

	return errorMsg.String()
}

// loadConfig reads the configuration file, applies environment and
// command-line overrides, and installs the global logger. A missing file at
// the default path is not an error: the built-in defaults apply.
func loadConfig(cmd *cobra.Command) (*harvest.Config, error) {
	config := harvest.NewConfig()
	meta, err := toml.DecodeFile(configPath, config)
	switch {
	case err == nil:
		// Check for undecoded keys which might indicate parsing stopped early
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, errors.Newf("configuration validation failed: %s", formatUndecodedError(undecoded))
		}
	case os.IsNotExist(err):
		if cmd.Flags().Changed("config") {
			return nil, errors.New("configuration file not found: " + configPath)
		}
	default:
		return nil, errors.Wrap(err, "decode "+configPath)
	}

	config.ApplyEnvironmentVariables()

	// Command-line overrides win over both the file and the environment.
	if logLevel != "" {
		config.Log.Level = logLevel
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		config.Log.Level = "error"
	}

	if err := config.Check(); err != nil {
		return nil, err
	}
	if err := config.Log.Apply(config.LogDir); err != nil {
		return nil, errors.Wrap(err, "apply log config")
	}
	return config, nil
}

func runHarvest(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config, err := loadConfig(cmd)
	if err != nil {
		slog.Error("failed to load configuration", "error", formatError(err, verboseErrors), "path", configPath)
		os.Exit(1)
	}

	names := args
	if single, _ := cmd.Flags().GetString("source"); single != "" && !slices.Contains(names, single) {
		names = append(names, single)
	}

	quiet, _ := cmd.Flags().GetBool("quiet")
	noProgress, _ := cmd.Flags().GetBool("no-progress")
	config.Progress = !quiet && !noProgress && term.IsTerminal(int(os.Stderr.Fd()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := harvest.Run(ctx, config, names); err != nil {
		slog.Error("harvest run failed", "error", formatError(err, verboseErrors))
		if !verboseErrors {
			slog.Info("run with --verbose-errors for detailed stack traces")
		}
		os.Exit(1)
	}
}

func runExtract(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config, err := loadConfig(cmd)
	if err != nil {
		slog.Error("failed to load configuration", "error", formatError(err, verboseErrors), "path", configPath)
		os.Exit(1)
	}

	source, _ := cmd.Flags().GetString("source")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := harvest.ExtractOnly(ctx, config, source); err != nil {
		slog.Error("extraction run failed", "error", formatError(err, verboseErrors))
		if !verboseErrors {
			slog.Info("run with --verbose-errors for detailed stack traces")
		}
		os.Exit(1)
	}
}

func runStats(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config, err := loadConfig(cmd)
	if err != nil {
		slog.Error("failed to load configuration", "error", formatError(err, verboseErrors), "path", configPath)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := harvest.Stats(ctx, config, os.Stdout); err != nil {
		slog.Error("failed to read statistics", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}
}

func runValidate(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config := harvest.NewConfig()
	meta, err := toml.DecodeFile(configPath, config)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Error("configuration file not found", "path", configPath)
			os.Exit(1)
		}
		slog.Error("failed to decode config file", "error", formatError(err, verboseErrors), "path", configPath)
		os.Exit(1)
	}

	// Check for undecoded keys which might indicate parsing stopped early
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		slog.Error("configuration validation failed", "error", formatUndecodedError(undecoded), "path", configPath)
		os.Exit(1)
	}

	var validationErrors []error

	if err := config.Check(); err != nil {
		validationErrors = append(validationErrors, errors.Wrap(err, "global config"))
	}

	known := sources.Names()
	for name := range config.Sources {
		if !slices.Contains(known, name) {
			validationErrors = append(validationErrors, errors.New("unknown source: \""+name+"\" (known sources: "+strings.Join(known, ", ")+")"))
		}
	}

	if len(validationErrors) > 0 {
		slog.Error("the toml configuration file is not valid")
		for _, err := range validationErrors {
			slog.Error(err.Error())
		}
		os.Exit(1)
	}

	slog.Info("the toml configuration file passes validation checks")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
