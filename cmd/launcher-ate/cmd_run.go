package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"launcher-ate/internal/events"
	"launcher-ate/internal/hardware"
	"launcher-ate/internal/report"
	"launcher-ate/internal/runner"
	"launcher-ate/internal/script"
	"launcher-ate/internal/store"
)

// errTestsFailed makes the process exit non-zero when a campaign has failures.
var errTestsFailed = errors.New("tests failed")

type runOptions struct {
	test     string
	serial   string
	operator string
	noReport bool
}

func newRunCmd(a *app) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the whole suite or a single test",
		Long: "Run setup, every test with reset after each, and teardown. With --test only setup and the named test run.\n" +
			"The operator is asked for a conclusion and comments, and the row is appended to the ATR report.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.test, "test", "t", "", "run only this test")
	cmd.Flags().StringVarP(&opts.serial, "serial", "s", "", "device serial number")
	cmd.Flags().StringVarP(&opts.operator, "operator", "o", "", "name of the person performing the test")
	cmd.Flags().BoolVar(&opts.noReport, "no-report", false, "do not write the ATR report")
	return cmd
}

func (a *app) run(ctx context.Context, out io.Writer, opts runOptions) error {
	suite, err := a.loadSuite()
	if err != nil {
		return err
	}
	opts.test = strings.TrimSuffix(opts.test, script.Ext)
	if opts.test != "" && !suite.HasTest(opts.test) {
		return fmt.Errorf("unknown test %q", opts.test)
	}

	// The report file stays open for the whole campaign, so an unusable
	// reports_dir stops the run before any script touches the hardware.
	var w *report.Writer
	if !opts.noReport {
		if w, err = report.NewWriter(a.cfg.ReportsDir, suite.Tests, a.logger); err != nil {
			return fmt.Errorf("open report, no tests run: %w", err)
		}
		defer w.Close()
	}

	db, err := a.openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	bus := events.NewBus(a.logger)
	stopObservers := a.startObservers(bus, db)
	defer stopObservers()

	op := newConsoleOperator(a.in, out)
	if w != nil {
		if opts.serial == "" {
			if opts.serial, err = promptRequired(ctx, op, "Device serial number:"); err != nil {
				return fmt.Errorf("read serial: %w", err)
			}
		}
		if opts.operator == "" {
			if opts.operator, err = promptRequired(ctx, op, "Performed by:"); err != nil {
				return fmt.Errorf("read operator: %w", err)
			}
		}
	}

	logger, logFile, err := a.campaignLog(time.Now())
	if err != nil {
		return err
	}
	defer logFile.Close()
	logger.Info("campaign log", "path", logFile.Name(), "serial", opts.serial, "operator", opts.operator)

	reg := hardware.NewRegistry(hardware.LogDriver{Logger: logger})
	exec := runner.NewExecContext(reg, a.cfg.scratch(), op, a.cfg.tools(), logger)
	r := runner.New(script.NewLoader(logger), suite, exec, bus, a.cfg.runnerConfig(), logger)

	var res *runner.CampaignResult
	var runErr error
	if opts.test != "" {
		res, runErr = r.RunSingle(ctx, opts.test)
	} else {
		res, runErr = r.RunAll(ctx)
	}
	if res == nil {
		return runErr
	}

	printSummary(out, res)

	rec := campaignRecord(res, opts)
	var reportErr error
	if w != nil && !res.Aborted {
		reportErr = a.persistReport(ctx, out, bus, w, op, res, &rec)
	}

	if err := db.SaveCampaign(&rec); err != nil {
		logger.Error("save campaign", "id", rec.ID, "err", err)
		return errors.Join(runErr, reportErr, err)
	}

	if err := errors.Join(runErr, reportErr); err != nil {
		return err
	}
	if !res.Passed() {
		return fmt.Errorf("%w: %d of %d", errTestsFailed, res.Failed(), res.Len())
	}
	return nil
}

// persistReport collects the conclusion and comments, then appends the row.
// On failure the in-memory results stay printed and rec is left unpersisted.
func (a *app) persistReport(ctx context.Context, out io.Writer, bus *events.Bus, w *report.Writer, op report.Prompter, res *runner.CampaignResult, rec *store.CampaignRecord) error {
	err := a.appendRow(ctx, w, op, res, rec)
	rec.ReportPath = w.Path()
	if err != nil {
		a.logger.Error("write report", "path", w.Path(), "err", err)
		fmt.Fprintf(out, "\nresults not persisted: %v\n", err)
		return err
	}
	rec.Persisted = true
	fmt.Fprintf(out, "\nReport: %s\n", w.Path())

	bus.Emit(events.ReportAppended, events.Fields{
		"id":     res.ID,
		"path":   w.Path(),
		"number": w.Rows(),
		"serial": rec.Serial,
	})
	return nil
}

func (a *app) appendRow(ctx context.Context, w *report.Writer, op report.Prompter, res *runner.CampaignResult, rec *store.CampaignRecord) error {
	var err error
	rec.Conclusion, rec.Comments, err = w.Finalize(ctx, op)
	if err != nil {
		return err
	}
	return w.Append(report.Record{
		Serial:     rec.Serial,
		Operator:   rec.Operator,
		Conclusion: rec.Conclusion,
		Comments:   rec.Comments,
		Performed:  res.Finished,
		Results:    res,
	})
}

func campaignRecord(res *runner.CampaignResult, opts runOptions) store.CampaignRecord {
	rec := store.CampaignRecord{
		ID:       res.ID,
		Mode:     res.Mode,
		Serial:   opts.serial,
		Operator: opts.operator,
		Aborted:  res.Aborted,
		Started:  res.Started,
		Finished: res.Finished,
	}
	for _, o := range res.Outcomes() {
		rec.Results = append(rec.Results, store.ResultRecord{
			Name:           o.Name,
			Passed:         o.Passed,
			Message:        o.Message,
			ElapsedSeconds: o.ElapsedSeconds(),
		})
	}
	return rec
}

func printSummary(out io.Writer, res *runner.CampaignResult) {
	fmt.Fprintf(out, "\nCampaign %s (%s)\n", res.ID, res.Mode)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TEST\tRESULT\tTIME\tMESSAGE")
	for _, o := range res.Outcomes() {
		result := "PASS"
		if !o.Passed {
			result = "FAIL"
		}
		fmt.Fprintf(tw, "%s\t%s\t%.2fs\t%s\n", o.Name, result, o.ElapsedSeconds(), o.Message)
	}
	tw.Flush()

	verdict := "PASSED"
	switch {
	case res.Aborted:
		verdict = "ABORTED"
	case !res.Passed():
		verdict = "FAILED"
	}
	fmt.Fprintf(out, "%s: %d tests, %d failed, %.1fs\n", verdict, res.Len(), res.Failed(), res.Duration().Seconds())
}
