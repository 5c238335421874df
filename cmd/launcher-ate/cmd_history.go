package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"launcher-ate/internal/report"
	"launcher-ate/internal/store"
)

func newHistoryCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [ID]",
		Short: "Show stored campaigns, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				rec, err := db.GetCampaign(args[0])
				if err != nil {
					return err
				}
				printCampaign(out, rec)
				return nil
			}

			list, err := db.ListCampaigns(limit)
			if err != nil {
				return err
			}
			printHistory(out, list)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of campaigns (0 for all)")
	return cmd
}

func printHistory(out io.Writer, list []*store.CampaignRecord) {
	if len(list) == 0 {
		fmt.Fprintln(out, "No campaigns recorded.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tMODE\tSERIAL\tOPERATOR\tTESTS\tFAILED\tRESULT")
	for _, c := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			c.ID, c.Started.Format(report.TimeFormat), c.Mode, orDash(c.Serial), orDash(c.Operator),
			len(c.Results), c.Failed(), campaignVerdict(c))
	}
	tw.Flush()
}

func printCampaign(out io.Writer, c *store.CampaignRecord) {
	fmt.Fprintf(out, "Campaign:   %s (%s)\n", c.ID, c.Mode)
	fmt.Fprintf(out, "Started:    %s\n", c.Started.Format(report.TimeFormat))
	fmt.Fprintf(out, "Finished:   %s\n", c.Finished.Format(report.TimeFormat))
	fmt.Fprintf(out, "Serial:     %s\n", orDash(c.Serial))
	fmt.Fprintf(out, "Operator:   %s\n", orDash(c.Operator))
	fmt.Fprintf(out, "Conclusion: %s\n", orDash(c.Conclusion))
	fmt.Fprintf(out, "Comments:   %s\n", orDash(c.Comments))
	if c.Persisted {
		fmt.Fprintf(out, "Report:     %s\n", c.ReportPath)
	} else {
		fmt.Fprintln(out, "Report:     not persisted")
	}
	fmt.Fprintf(out, "Result:     %s\n\n", campaignVerdict(c))

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TEST\tRESULT\tTIME\tMESSAGE")
	for _, r := range c.Results {
		result := "PASS"
		if !r.Passed {
			result = "FAIL"
		}
		fmt.Fprintf(tw, "%s\t%s\t%.2fs\t%s\n", r.Name, result, r.ElapsedSeconds, r.Message)
	}
	tw.Flush()
}

func campaignVerdict(c *store.CampaignRecord) string {
	switch {
	case c.Aborted:
		return "ABORTED"
	case c.Passed():
		return "PASSED"
	default:
		return "FAILED"
	}
}
