package commands

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/dyluth/spoor/internal/config"
	"github.com/dyluth/spoor/internal/printer"
	"github.com/dyluth/spoor/internal/scaffold"
	"github.com/dyluth/spoor/internal/tracker"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  string
	date    string

	configPath string
	verbose    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "spoor",
	Short: "Spoor - cross-platform identity, dedup and attribution core",
	Long: `Spoor stitches a visitor's identity across independently rendered
runtimes, collapses duplicate conversion events, tracks campaign attribution
and reports conversions to advertising sinks.

Configuration is read from spoor.yml (see 'spoor init') and SPOOR_*
environment variables.`,
	Version: version,
	// Prevent silent success when unknown flags are passed to root command
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	err := rootCmd.Execute()
	if err != nil && !printed(err) {
		printer.Error("Error", err.Error(), nil)
	}
	return err
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to spoor.yml (default: ./spoor.yml when present, else environment only)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show component logs on stderr")
}

// printedError marks errors the printer has already shown to the user.
type printedError struct{ error }

func printed(err error) bool {
	_, ok := err.(printedError)
	return ok
}

// loadConfig resolves --config, falling back to ./spoor.yml and then to the
// environment alone.
func loadConfig() (*config.SpoorConfig, error) {
	path := configPath
	if path == "" {
		if _, err := os.Stat(scaffold.ConfigFile); err == nil {
			path = scaffold.ConfigFile
		}
	}

	if path == "" {
		cfg, err := config.FromEnv()
		if err != nil {
			return nil, printedError{printer.Error(
				"invalid configuration",
				err.Error(),
				[]string{"Check your SPOOR_* environment variables, or generate a config file:\n  spoor init"},
			)}
		}
		return cfg, nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, printedError{printer.ErrorWithContext(
			"invalid configuration",
			err.Error(),
			map[string]string{"Config": path},
			[]string{fmt.Sprintf("Fix %s, or generate a fresh one:\n  spoor init --force", path)},
		)}
	}
	return cfg, nil
}

// componentLogger writes component logs to stderr with --verbose and
// discards them otherwise.
func componentLogger() *log.Logger {
	if verbose {
		return log.New(os.Stderr, "", log.LstdFlags)
	}
	return log.New(io.Discard, "", 0)
}

// openService builds and starts a tracker for a one-shot command. The caller
// must call the returned close func.
func openService(cmd *cobra.Command) (*tracker.Service, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	svc, err := tracker.New(cfg, tracker.Deps{Logger: componentLogger()})
	if err != nil {
		return nil, nil, printedError{printer.ErrorWithContext(
			"failed to open store",
			err.Error(),
			map[string]string{"Backend": cfg.Store.Backend},
			nil,
		)}
	}

	ctx := cmd.Context()
	if err := svc.Start(ctx); err != nil {
		_ = svc.Shutdown(ctx)
		return nil, nil, fmt.Errorf("failed to start tracker: %w", err)
	}

	return svc, func() { _ = svc.Shutdown(ctx) }, nil
}
