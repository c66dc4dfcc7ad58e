package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethanyzhang/chttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	queryCmd = &cobra.Command{
		Use:   "query [sql]",
		Short: "Run a query and write the result to stdout",
		Long: `Run a query and write the raw result to stdout.
The query is read from stdin when no argument is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runQuery,
	}

	pingCmd = &cobra.Command{
		Use:   "ping",
		Short: "Check that the server is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := client.Ping(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Ok.")
			return nil
		},
	}
)

func init() {
	queryCmd.Flags().String("query-id", "", "Query id, generated when empty")
	queryCmd.Flags().StringArrayP("setting", "s", nil, "Server setting as key=value, may be repeated")
	queryCmd.Flags().Bool("metrics", false, "Print client metrics to stderr after the query")
}

func runQuery(cmd *cobra.Command, args []string) error {
	var sql string
	if len(args) == 1 {
		sql = args[0]
	} else {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return err
		}
		sql = string(b)
	}
	if strings.TrimSpace(sql) == "" {
		return fmt.Errorf("empty query")
	}

	var opts []chttp.RequestOption
	if id, _ := cmd.Flags().GetString("query-id"); id != "" {
		opts = append(opts, chttp.WithQueryID(id))
	}
	settings, _ := cmd.Flags().GetStringArray("setting")
	for _, s := range settings {
		key, value, ok := strings.Cut(s, "=")
		if !ok {
			return fmt.Errorf("invalid setting %q: expected key=value", s)
		}
		opts = append(opts, chttp.WithSetting(strings.TrimSpace(key), strings.TrimSpace(value)))
	}

	resp, err := client.Query(cmd.Context(), sql, opts...)
	if err != nil {
		return err
	}
	defer resp.Close()

	if _, err = io.Copy(cmd.OutOrStdout(), resp.Body); err != nil {
		return err
	}
	log.Info().
		Str("query_id", resp.QueryID).
		Uint64("read_rows", resp.Summary.ReadRows).
		Uint64("read_bytes", resp.Summary.ReadBytes).
		Uint64("written_rows", resp.Summary.WrittenRows).
		Int("attempts", resp.Attempts).
		Msg("query finished")

	if printMetrics, _ := cmd.Flags().GetBool("metrics"); printMetrics {
		client.WriteMetrics(os.Stderr)
	}
	return nil
}
