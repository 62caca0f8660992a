package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aramirez6/talkgen/internal/utils"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent generation runs from the history store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runRuns(cmd.Context())
	},
}

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "l", 20, "Maximum number of runs to show")
	rootCmd.AddCommand(runsCmd)
}

func runRuns(ctx context.Context) error {
	if DB == nil {
		fmt.Println("No run history store configured. Set --db or TALKGEN_DATABASE_URL.")
		return nil
	}

	runs, err := DB.ListRuns(ctx, runsLimit)
	if err != nil {
		utils.ShowError("Failed to list runs", err, nil)
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tVIDEO\tDURATION\tCREATED")
	fmt.Fprintln(w, "--\t------\t-----\t--------\t-------")

	for _, r := range runs {
		video := "-"
		if r.VideoPath != "" {
			video = filepath.Base(r.VideoPath)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.ID[:8],
			r.Status,
			video,
			fmtRunDuration(r.Duration),
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		)
	}
	return w.Flush()
}

func fmtRunDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Round(time.Second).String()
}
