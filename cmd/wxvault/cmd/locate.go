package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/wesm/wxvault/internal/service"
	"github.com/wesm/wxvault/internal/shard"
)

var locateCmd = &cobra.Command{
	Use:   "locate <contact-id>...",
	Short: "Print the message table name for contact ids",
	Long: `Print the message table name for each contact id.

With --db-path, also list the message databases that hold each table and
how many rows they contain.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runLocate,
}

func runLocate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if cfg.Data.DBPath == "" {
		for _, id := range args {
			fmt.Fprintf(out, "%s\t%s\n", id, shard.TableName(id))
		}
		return nil
	}

	if err := cfg.ValidateSource(); err != nil {
		return err
	}
	svc, err := service.Open(service.Options{Root: cfg.Data.DBPath, Logger: logger})
	if err != nil {
		return err
	}
	defer svc.Close()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()
	for _, id := range args {
		loc, err := svc.Locate(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("locate %s: %w", id, err)
		}
		fmt.Fprintf(w, "%s\t%s\n", loc.ContactID, loc.Table)
		if len(loc.Shards) == 0 {
			fmt.Fprintf(w, "\t(no messages)\n")
		}
		for _, s := range loc.Shards {
			fmt.Fprintf(w, "\t%s\t%s rows\n", s.Path, humanize.Comma(s.Count))
		}
	}
	return nil
}

func init() {
	rootCmd.AddCommand(locateCmd)
}
