// Package cmd implements the CLI commands for rainwright.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/yidakra/rainwright/internal/config"
	"github.com/yidakra/rainwright/internal/observability"
	"github.com/yidakra/rainwright/internal/version"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "rainwright",
	Short:   "Synchronized multi-track live-captioning relay",
	Version: version.Short(),
	Long: `rainwright ingests a single upstream HLS broadcast, produces real-time
transcriptions and translations through a speech-to-text provider, and
republishes the stream as a delayed HLS presentation whose segments carry
per-language WebVTT subtitle tracks clock-aligned to the media timeline.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initLogging()
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./config.yaml, ./configs, /etc/rainwright, $HOME/.rainwright)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error); overrides config")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text, json); overrides config")

	mustBindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig reads in config file and RAINWRIGHT_-prefixed env variables.
func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath("/etc/rainwright")
		viper.AddConfigPath(home + "/.rainwright")
	}

	viper.SetEnvPrefix("RAINWRIGHT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// initLogging builds the package-level slog.Logger via internal/observability
// so every subcommand logs through the same masq-redacted JSON/text handler
// the Drip-Feed Server and provider ingest activities use.
func initLogging() error {
	cfg := config.LoggingConfig{
		Level:      "info",
		Format:     "text",
		TimeFormat: viper.GetString("logging.time_format"),
	}
	if l := viper.GetString("logging.level"); l != "" {
		cfg.Level = l
	}
	if f := viper.GetString("logging.format"); f != "" {
		cfg.Format = f
	}
	if viper.IsSet("logging.add_source") {
		cfg.AddSource = viper.GetBool("logging.add_source")
	}

	slog.SetDefault(observability.NewLogger(cfg))
	return nil
}

// mustBindPFlag binds a viper key to a cobra flag and panics if binding fails.
// This helper ensures lint-compliant error handling for viper.BindPFlag.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}
