// Command chttp sends queries to a ClickHouse-compatible HTTP endpoint using
// the pooled transport.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethanyzhang/chttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const Version = "0.1.0"

var (
	client *chttp.Client

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:               "chttp",
		Short:             "Query a ClickHouse-compatible server over HTTP",
		SilenceUsage:      true,
		PersistentPreRunE: setupClient,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if client != nil {
				_ = client.Close()
			}
		},
	}
	versionCmd = &cobra.Command{
		Use:               "version",
		Short:             "Print the version number of chttp",
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("chttp v%s\n", Version)
		},
	}
)

func init() {
	flags := RootCmd.PersistentFlags()
	flags.String("dsn", "", "Data source name, e.g. http://localhost:8123/default?max_open_connections=4")
	flags.StringArray("env-file", []string{".env", ".env.local"}, "Env files to load before reading CHTTP_* variables")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.StringArrayP("option", "o", nil, "Client option as key=value, may be repeated")

	// Option keys that are common enough to deserve their own flag.
	flags.String(chttp.OptionEndpoint, "", "Server endpoint URL")
	flags.String(chttp.OptionDatabase, "", "Default database")
	flags.Int(chttp.OptionMaxOpenConnections, chttp.DefaultMaxOpenConns, "Maximum open connections")
	flags.String(chttp.OptionSocketTimeout, "", "Socket timeout (milliseconds or duration)")
	flags.String(chttp.OptionValidateAfterInactivity, "", "Validate idle connections after this long (-1 disables)")

	RootCmd.AddCommand(versionCmd)
	RootCmd.AddCommand(queryCmd)
	RootCmd.AddCommand(pingCmd)
}

// setupClient configures logging and builds the client. The DSN and its
// query options come first, then env files, CHTTP_* variables and flags,
// then explicit -o options.
func setupClient(cmd *cobra.Command, _ []string) error {
	level, _ := cmd.Flags().GetString("log-level")
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	v := viper.New()
	if err = v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	cfg := chttp.DefaultConfig()
	if dsn, _ := cmd.Flags().GetString("dsn"); dsn != "" {
		if cfg, err = chttp.ParseDSN(dsn); err != nil {
			return err
		}
	}
	envFiles, _ := cmd.Flags().GetStringArray("env-file")
	if err = cfg.Load(v, envFiles...); err != nil {
		return err
	}

	options, _ := cmd.Flags().GetStringArray("option")
	for _, opt := range options {
		key, value, ok := strings.Cut(opt, "=")
		if !ok {
			return fmt.Errorf("invalid option %q: expected key=value", opt)
		}
		if err = cfg.Set(strings.TrimSpace(key), value); err != nil {
			return err
		}
	}

	client, err = chttp.NewClient(cfg)
	if err != nil {
		return err
	}
	log.Debug().Str("endpoint", cfg.Endpoint.String()).Int("max_open_connections", cfg.MaxOpenConnections).Msg("client ready")
	return nil
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
