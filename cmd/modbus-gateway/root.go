package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	verbose   bool
	logFormat string

	configErr error
	logger    *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "modbus-gateway",
	Short: "Modbus/TCP gateway relaying selected reads to an upstream server",
	Long: `modbus-gateway accepts Modbus/TCP masters and relays the configured read
functions (FC01-FC04) to a single upstream server over one shared connection.
Reads that are not forwarded are served from a local data store; every other
function code is rejected with an Illegal Function exception.

Examples:
  # Forward all reads to 192.168.1.100:502, listen on :502
  modbus-gateway serve --upstream-host 192.168.1.100 --upstream-port 502

  # Forward holding registers only, serve coils from a seed file
  modbus-gateway serve --forward hr --seed seed.yaml

  # Run a standalone slave on :5020 to try the gateway against
  modbus-gateway simulate --seed seed.yaml`,
	Version:      version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		opts := &slog.HandlerOptions{Level: level}

		switch strings.ToLower(logFormat) {
		case "json":
			logger = slog.New(slog.NewJSONHandler(os.Stderr, opts))
		case "text", "":
			logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
		default:
			return fmt.Errorf("unknown log format %q (use text or json)", logFormat)
		}
		slog.SetDefault(logger)

		if configErr != nil {
			return configErr
		}
		if used := viper.ConfigFileUsed(); used != "" {
			logger.Debug("using config file", slog.String("path", used))
		}
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.modbus-gateway.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text, json")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".modbus-gateway")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("MODBUS_GATEWAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// A missing default config file is fine; a broken or explicit one is not.
		if cfgFile != "" || !errors.As(err, &notFound) {
			configErr = fmt.Errorf("read config: %w", err)
		}
	}
}

// bindFlags binds cmd's flags to viper keys. Commands bind in PreRunE so
// flags shared by name between commands resolve to the running command.
func bindFlags(cmd *cobra.Command, keys map[string]string) error {
	for key, flag := range keys {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}
	return nil
}
