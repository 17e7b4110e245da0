package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/shelf/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "shelf",
		Short:         "Offline-first media tracker with a sync server",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newServeCommand(),
		newTokenCommand(),
		newSyncCommand(),
		newMigrateCommand(),
		newAddCommand(),
		newListItemsCommand(),
		newRemoveCommand(),
		newCreateListCommand(),
		newStatusCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (console, json)")
	flags.String("database-path", defaults.GetString("local.database_path"), "Local SQLite database path")
	flags.String("remote-url", defaults.GetString("remote.base_url"), "Remote store base URL")
	flags.String("access-token", "", "Access token for the remote store (empty means guest)")
	flags.Duration("sync-debounce", defaults.GetDuration("sync.debounce"), "Quiet period before an automatic sync")
	flags.String("http-address", defaults.GetString("server.http_address"), "HTTP listen address")
	flags.String("server-database-path", defaults.GetString("server.database_path"), "Server SQLite database path")
	flags.String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
	bindFlag(cmd, "local.database_path", "database-path")
	bindFlag(cmd, "remote.base_url", "remote-url")
	bindFlag(cmd, "remote.access_token", "access-token")
	bindFlag(cmd, "sync.debounce", "sync-debounce")
	bindFlag(cmd, "server.http_address", "http-address")
	bindFlag(cmd, "server.database_path", "server-database-path")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
