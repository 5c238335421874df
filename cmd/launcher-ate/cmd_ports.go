package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"launcher-ate/internal/events"
	"launcher-ate/internal/ports"
	"launcher-ate/internal/report"
	"launcher-ate/internal/store"
)

func newPortsCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "ports",
		Short: "List serial port candidates for the tester",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			scanner, err := a.newScanner(db, nil)
			if err != nil {
				return err
			}
			var list []*ports.Candidate
			if all {
				list, err = scanner.Enumerate()
			} else {
				list, err = scanner.Candidates()
			}
			if err != nil {
				return err
			}
			selected, err := scanner.Select()
			if err != nil {
				return err
			}
			printPorts(cmd.OutOrStdout(), list, selected, confirmedAt(db))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "list every serial port, not only candidates")
	return cmd
}

func newProbeCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "probe [PORT]",
		Short: "Confirm the tester with a greeting handshake",
		Long:  "Probe the named port, the selected candidate when no port is given, or every candidate with --all.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all && len(args) > 0 {
				return errors.New("--all does not take a port")
			}
			db, err := a.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			bus := events.NewBus(a.logger)
			stopObservers := a.startObservers(bus, db)
			defer stopObservers()

			scanner, err := a.newScanner(db, bus)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if all {
				list, err := scanner.ProbeAll(cmd.Context())
				printPorts(out, list, nil, confirmedAt(db))
				return err
			}

			var c *ports.Candidate
			if len(args) == 1 {
				c, err = scanner.Find(args[0])
			} else {
				c, err = scanner.Select()
				if err == nil && c == nil {
					err = errors.New("no candidate ports found")
				}
			}
			if err != nil {
				return err
			}

			if _, err := scanner.Probe(cmd.Context(), c); err != nil {
				fmt.Fprintf(out, "%s: not a tester\n", c.Name)
				return err
			}
			fmt.Fprintf(out, "%s: tester confirmed (serial %s)\n", c.Name, orDash(c.SerialNumber))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "probe every candidate")
	return cmd
}

func (a *app) newScanner(db store.Store, bus *events.Bus) (*ports.Scanner, error) {
	return ports.NewScanner(a.cfg.probeConfig(), db, bus, a.logger)
}

// confirmedAt returns when serial was last confirmed, or "" if unknown.
func confirmedAt(db store.Store) func(serial string) string {
	return func(serial string) string {
		if serial == "" {
			return ""
		}
		rec, err := db.GetProbe(serial)
		if err != nil {
			return ""
		}
		return rec.ConfirmedAt.Format(report.TimeFormat)
	}
}

func printPorts(out io.Writer, list []*ports.Candidate, selected *ports.Candidate, since func(string) string) {
	if len(list) == 0 {
		fmt.Fprintln(out, "No serial ports found.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\tPORT\tUSB\tVID:PID\tSERIAL\tPRODUCT\tVENDOR\tCONFIRMED")
	for _, c := range list {
		mark := ""
		if selected != nil && c.Name == selected.Name {
			mark = "*"
		}
		vidpid := "-"
		if c.IsUSB {
			vidpid = c.VID + ":" + c.PID
		}
		confirmed := yesNo(c.Confirmed)
		if c.Confirmed {
			if at := since(c.SerialNumber); at != "" {
				confirmed += " (" + at + ")"
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			mark, c.Name, yesNo(c.IsUSB), vidpid, orDash(c.SerialNumber), orDash(c.Product),
			yesNo(c.KnownVendor), confirmed)
	}
	tw.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
