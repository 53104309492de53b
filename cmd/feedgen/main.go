package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/blackmichael/eueoeo-feed/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: .env file not loaded: %v\n", err)
	}

	rootCmd := &cobra.Command{
		Use:   "feedgen",
		Short: "Bluesky feed generator for posts that say 으어어",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newRunCommand(), newPublishCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file (default ./config.{json,yaml} if present)")
	flags.String("publisher-did", "", "DID of the account that publishes the feed records")
	flags.String("hostname", defaults.GetString("hostname"), "Public hostname of this service")
	flags.String("service-did", "", "Service DID (default did:web:<hostname>)")
	flags.String("database-url", defaults.GetString("database.url"), "SQLite path or postgres:// URL")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(flags, "publisher_did", "publisher-did")
	bindFlag(flags, "hostname", "hostname")
	bindFlag(flags, "service_did", "service-did")
	bindFlag(flags, "database.url", "database-url")
	bindFlag(flags, "log.level", "log-level")
}

func bindFlag(flags *pflag.FlagSet, key, flag string) {
	if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	return nil
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}
