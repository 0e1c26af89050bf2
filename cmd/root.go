package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/andresmejia3/mugfer/internal/config"
	"github.com/andresmejia3/mugfer/internal/event"
	"github.com/andresmejia3/mugfer/internal/store"
	"github.com/andresmejia3/mugfer/internal/utils"
)

// Options holds the global flags shared by every command
type Options struct {
	ConfigFile string
	DB         string
	LogLevel   string
	Variant    string
	Workers    int
	Crop       bool
}

var (
	// Cfg is the configuration resolved in PersistentPreRunE
	Cfg *config.Config
	// DB is the result store shared by subcommands, nil when no store is configured
	DB store.Store

	rootOpts Options
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "mugfer",
	Short:         "Facial emotion recognition on image sequences (deep + SIFT features, LSTM)",
	Long:          "Trains and evaluates facial-emotion classifiers on the MUG dataset. Without a subcommand, evaluates the persisted model.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	Annotations:   map[string]string{"store": "none"},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd.Flags(), rootOpts)
		if err != nil {
			return err
		}
		Cfg = cfg

		if !event.SetLevel(cfg.LogLevel) {
			return fmt.Errorf("invalid log level %q", cfg.LogLevel)
		}

		if cfg.DB == "" || !needsStore(cmd) {
			return nil
		}
		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.Open(cmd.Context(), cfg.DB)
		if err != nil {
			return fmt.Errorf("failed to connect to result store: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// The main context might be cancelled already (Ctrl+C), closing still has to happen.
			DB.Close(context.Background())
			DB = nil
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMode(cmd, modeEvaluate)
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if msg, ok := errorMessage(err); ok {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(1)
	}
}

// shownError marks an error whose box was already printed by failed.
type shownError struct{ error }

func (e shownError) Unwrap() error { return e.error }

// failed prints the error box once and returns err marked as shown.
func failed(title string, err error) error {
	utils.ShowError(title, err, nil)
	return shownError{err}
}

// errorMessage returns what Execute still has to print for err.
func errorMessage(err error) (string, bool) {
	var shown shownError
	if errors.As(err, &shown) {
		return "", false
	}
	return "Error: " + err.Error(), true
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&rootOpts.ConfigFile, "config", "c", "", "YAML configuration file")
	flags.StringVar(&rootOpts.DB, "db", "", "Result store: SQLite file or postgres:// connection string (default: results.db)")
	flags.StringVar(&rootOpts.LogLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	flags.StringVarP(&rootOpts.Variant, "variant", "m", "", "Model variant (vgg-lstm, vgg-sift-lstm, densenet-lstm, densenet-sift-lstm)")
	flags.IntVarP(&rootOpts.Workers, "workers", "w", 0, "Number of parallel extraction engines and training folds")
	flags.BoolVar(&rootOpts.Crop, "crop", false, "Crop frames to the detected face before resizing")
}

// loadConfig reads the config file and environment, then applies the flags the user set.
func loadConfig(flags *pflag.FlagSet, opts Options) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	applyFlags(flags, cfg, opts)
	return cfg, nil
}

// applyFlags overrides config values with explicitly set flags only.
func applyFlags(flags *pflag.FlagSet, cfg *config.Config, opts Options) {
	if flags.Changed("db") {
		cfg.DB = opts.DB
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = opts.LogLevel
	}
	if flags.Changed("variant") {
		cfg.Variant = opts.Variant
	}
	if flags.Changed("workers") {
		cfg.Workers = opts.Workers
	}
	if flags.Changed("crop") {
		cfg.Crop.Enabled = opts.Crop
	}
}

// needsStore reports whether a command reads or writes the result store.
func needsStore(cmd *cobra.Command) bool {
	return cmd.Annotations["store"] != "none"
}
