package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/roundup/client/internal/config"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "roundup-client",
		Short:        "Offline-resilient Roundup session client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newStatusCommand(),
		newSyncCommand(),
		newScoreCommand(),
		newIdentityCommand(),
		newMockBackendCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("backend-url", defaults.GetString("backend.url"), "Session backend base URL")
	cmd.PersistentFlags().Duration("backend-timeout", defaults.GetDuration("backend.timeout"), "Per-request backend timeout")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path for the local store")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("max-retries", defaults.GetInt("recovery.max_retries"), "Retry ceiling for recoverable failures")
	cmd.PersistentFlags().Duration("retry-delay", defaults.GetDuration("recovery.retry_delay"), "Initial retry delay, doubled per attempt")

	bindFlag(cmd, "backend.url", "backend-url")
	bindFlag(cmd, "backend.timeout", "backend-timeout")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "recovery.max_retries", "max-retries")
	bindFlag(cmd, "recovery.retry_delay", "retry-delay")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
