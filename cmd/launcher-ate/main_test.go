package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"launcher-ate/internal/report"
	"launcher-ate/internal/runner"
	"launcher-ate/internal/store"
)

type benchDir struct {
	t    *testing.T
	root string
	cfg  string
}

func newBenchDir(t *testing.T, extra string) *benchDir {
	t.Helper()
	root := t.TempDir()
	for _, d := range []string{"tests", "actions"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	b := &benchDir{t: t, root: root, cfg: filepath.Join(root, "config.yaml")}
	b.write("config.yaml", "base_dir: "+root+"\nlog: {level: error}\n"+extra)
	b.write("actions/setup.lua", `function run(ctx) ctx.log("setup") end`)
	b.write("tests/iperf.lua", `function run(ctx) ctx.success("link ok") end`)
	return b
}

func (b *benchDir) write(rel, content string) {
	b.t.Helper()
	if err := os.WriteFile(filepath.Join(b.root, rel), []byte(content), 0o644); err != nil {
		b.t.Fatal(err)
	}
}

// exec runs the CLI with args, feeding stdin, and returns its output.
func (b *benchDir) exec(stdin string, args ...string) (string, error) {
	b.t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", b.cfg}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (b *benchDir) reportRows(name string) [][]string {
	b.t.Helper()
	f, err := os.Open(filepath.Join(b.root, "reports", name))
	if err != nil {
		b.t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		b.t.Fatal(err)
	}
	return rows
}

func (b *benchDir) history() []*store.CampaignRecord {
	b.t.Helper()
	db, err := store.NewBoltStore(filepath.Join(b.root, "launcher-ate.db"))
	if err != nil {
		b.t.Fatal(err)
	}
	defer db.Close()
	list, err := db.ListCampaigns(0)
	if err != nil {
		b.t.Fatal(err)
	}
	return list
}

func TestListCommand(t *testing.T) {
	b := newBenchDir(t, "")
	b.write("tests/volt_check.lua", `function run(ctx) end`)

	out, err := b.exec("", "list")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"iperf", "volt_check", "setup"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "iperf") > strings.Index(out, "volt_check") {
		t.Errorf("tests not in discovery order:\n%s", out)
	}
}

func TestListMissingAnchor(t *testing.T) {
	b := newBenchDir(t, "")
	if err := os.Remove(filepath.Join(b.root, "tests", "iperf.lua")); err != nil {
		t.Fatal(err)
	}
	if _, err := b.exec("", "list"); err == nil {
		t.Fatal("expected discovery error")
	}
}

func TestRunWritesReportAndHistory(t *testing.T) {
	b := newBenchDir(t, "")
	b.write("tests/volt_check.lua", `function run(ctx) ctx.fail("5V rail low") end`)

	out, err := b.exec("looks fine\nnone\n", "run", "--serial", "SN-1", "--operator", "alice")
	if !errors.Is(err, errTestsFailed) {
		t.Fatalf("err = %v, want errTestsFailed", err)
	}
	for _, want := range []string{"iperf", "PASS", "volt_check", "FAIL", "5V rail low", "Report:"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	rows := b.reportRows("ATR_1.csv")
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want header + 1", len(rows))
	}
	wantHeader := append(append([]string(nil), report.MetadataColumns...), "iperf", "volt_check")
	if strings.Join(rows[0], ",") != strings.Join(wantHeader, ",") {
		t.Errorf("header = %v", rows[0])
	}
	row := rows[1]
	if row[0] != "1" || row[1] != "SN-1" || row[3] != "alice" || row[4] != "looks fine" || row[5] != "none" {
		t.Errorf("row metadata = %v", row[:6])
	}
	if row[6] != "PASS" || row[7] != "FAIL" {
		t.Errorf("row results = %v", row[6:])
	}

	list := b.history()
	if len(list) != 1 {
		t.Fatalf("history = %d campaigns", len(list))
	}
	rec := list[0]
	if !rec.Persisted || rec.Serial != "SN-1" || rec.Conclusion != "looks fine" || rec.Mode != "all" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Failed() != 1 || len(rec.Results) != 2 {
		t.Errorf("results = %+v", rec.Results)
	}
}

func TestRunPromptsForSerialAndOperator(t *testing.T) {
	b := newBenchDir(t, "")

	out, err := b.exec("SN-9\nbob\nok\n\n", "run")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Device serial number:") || !strings.Contains(out, "Performed by:") {
		t.Errorf("missing prompts:\n%s", out)
	}
	row := b.reportRows("ATR_1.csv")[1]
	if row[1] != "SN-9" || row[3] != "bob" || row[4] != "ok" || row[5] != "" {
		t.Errorf("row = %v", row)
	}
}

func TestRunSingle(t *testing.T) {
	b := newBenchDir(t, "")
	b.write("tests/volt_check.lua", `function run(ctx) ctx.success() end`)

	if _, err := b.exec("", "run", "--test", "volt_check", "--no-report"); err != nil {
		t.Fatal(err)
	}
	list := b.history()
	if len(list) != 1 || list[0].Mode != "single" {
		t.Fatalf("history = %+v", list)
	}
	if len(list[0].Results) != 1 || list[0].Results[0].Name != "volt_check" {
		t.Errorf("results = %+v", list[0].Results)
	}
	if list[0].Persisted {
		t.Error("--no-report campaign marked persisted")
	}
	if _, err := os.Stat(filepath.Join(b.root, "reports")); !os.IsNotExist(err) {
		t.Errorf("reports dir created with --no-report: %v", err)
	}
}

func TestRunUnknownTest(t *testing.T) {
	b := newBenchDir(t, "")
	if _, err := b.exec("", "run", "--test", "nope", "--no-report"); err == nil {
		t.Fatal("expected error for unknown test")
	}
}

func TestRunReportUnavailable(t *testing.T) {
	b := newBenchDir(t, "reports_dir: blocked\n")
	b.write("blocked", "not a directory")
	b.write("tests/iperf.lua", `function run(ctx) error("must not run") end`)

	out, err := b.exec("", "run", "--serial", "SN-1", "--operator", "alice")
	var ioErr *report.IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("err = %v, want *report.IOError", err)
	}
	if strings.Contains(out, "Campaign") {
		t.Errorf("campaign ran without a report file:\n%s", out)
	}
	if list := b.history(); len(list) != 0 {
		t.Fatalf("history = %+v, want none", list)
	}
}

func TestPersistReportFailure(t *testing.T) {
	b := newBenchDir(t, "")
	cfg, err := loadConfig(b.cfg)
	if err != nil {
		t.Fatal(err)
	}
	a := &app{cfg: cfg, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	w, err := report.NewWriter(cfg.ReportsDir, []string{"iperf"}, a.logger)
	if err != nil {
		t.Fatal(err)
	}
	w.Close()

	var out bytes.Buffer
	rec := store.CampaignRecord{ID: "c1", Serial: "SN-1"}
	op := newConsoleOperator(strings.NewReader("ok\n\n"), io.Discard)
	err = a.persistReport(context.Background(), &out, nil, w, op, &runner.CampaignResult{ID: "c1"}, &rec)

	var ioErr *report.IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("err = %v, want *report.IOError", err)
	}
	if !strings.Contains(out.String(), "results not persisted") {
		t.Errorf("output missing failure notice:\n%s", out.String())
	}
	if rec.Persisted || rec.Conclusion != "ok" {
		t.Errorf("record = %+v", rec)
	}
}

func TestRunTestWithExtension(t *testing.T) {
	b := newBenchDir(t, "")
	b.write("tests/volt_check.lua", `function run(ctx) ctx.success() end`)

	if _, err := b.exec("", "run", "--test", "volt_check.lua", "--no-report"); err != nil {
		t.Fatal(err)
	}
	list := b.history()
	if len(list) != 1 || len(list[0].Results) != 1 || list[0].Results[0].Name != "volt_check" {
		t.Fatalf("history = %+v", list)
	}
}

func TestRunWritesLogs(t *testing.T) {
	b := newBenchDir(t, "")
	b.write("config.yaml", "base_dir: "+b.root+"\nlog: {level: info, file: ate.log}\n")
	b.write("tests/iperf.lua", `function run(ctx) error("link down") end`)

	if _, err := b.exec("", "run", "--no-report"); !errors.Is(err, errTestsFailed) {
		t.Fatalf("err = %v, want errTestsFailed", err)
	}

	logs, err := filepath.Glob(filepath.Join(b.root, "logs", "campaign_*.log"))
	if err != nil || len(logs) != 1 {
		t.Fatalf("campaign logs = %v, %v", logs, err)
	}
	for _, path := range []string{logs[0], filepath.Join(b.root, "ate.log")} {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		for _, want := range []string{"step started", "step finished", "name=iperf", "link down"} {
			if !strings.Contains(string(data), want) {
				t.Errorf("%s missing %q:\n%s", filepath.Base(path), want, data)
			}
		}
	}

	// The persistent log keeps earlier runs; each run gets its own campaign log.
	if _, err := b.exec("", "list"); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(b.root, "ate.log"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "step finished") {
		t.Error("persistent log truncated by a later command")
	}
}

func TestHistoryCommand(t *testing.T) {
	b := newBenchDir(t, "")
	if _, err := b.exec("", "run", "--no-report"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.exec("", "run", "--no-report"); err != nil {
		t.Fatal(err)
	}

	out, err := b.exec("", "history", "--limit", "1")
	if err != nil {
		t.Fatal(err)
	}
	list := b.history()
	if !strings.Contains(out, list[0].ID) {
		t.Errorf("newest campaign missing:\n%s", out)
	}
	if strings.Contains(out, list[1].ID) {
		t.Errorf("limit ignored:\n%s", out)
	}

	out, err = b.exec("", "history", list[1].ID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "not persisted") || !strings.Contains(out, "PASSED") {
		t.Errorf("detail output:\n%s", out)
	}

	if _, err := b.exec("", "history", "missing-id"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want store.ErrNotFound", err)
	}
}

func TestInvalidConfig(t *testing.T) {
	b := newBenchDir(t, "probe: {baud: -5}\n")
	if _, err := b.exec("", "list"); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestExplicitMissingConfig(t *testing.T) {
	cmd := newRootCmd(strings.NewReader(""))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml"), "list"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error for explicit missing config")
	}
}
