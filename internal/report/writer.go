// Package report persists campaign results to versioned ATR CSV files.
//
// A report file's column set is fixed when it is created. A writer reuses
// the newest file whose test columns cover the current suite, tolerating
// legacy columns left behind by removed tests, and otherwise starts a new
// file with the next numeric suffix.
package report

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	filePrefix = "ATR_"
	fileExt    = ".csv"

	// TimeFormat is the layout of the Date Performed column.
	TimeFormat = "2006-01-02 15:04:05"

	cellPass = "PASS"
	cellFail = "FAIL"
)

// MetadataColumns lead every report header, before the test columns.
var MetadataColumns = []string{"Number", "Device Serial", "Date Performed", "Performed By", "Conclusion", "Comments"}

// Verdicts reports the pass/fail state of a test in a campaign; ok is false
// for tests that did not run. runner.CampaignResult implements it.
type Verdicts interface {
	Verdict(name string) (passed, ok bool)
}

// Prompter collects free text from the operator.
type Prompter interface {
	Prompt(ctx context.Context, message string) (string, error)
}

// Record is one report row.
type Record struct {
	Serial     string
	Operator   string
	Conclusion string
	Comments   string
	Performed  time.Time // zero means now
	Results    Verdicts
}

// IOError is a filesystem failure while reading or writing a report file.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("report %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Writer appends rows to one ATR file.
type Writer struct {
	mu     sync.Mutex
	path   string
	header []string
	rows   int
	file   *os.File
	csv    *csv.Writer
	logger *slog.Logger
}

// NewWriter opens the report file for tests in dir, creating dir and a new
// file as needed.
func NewWriter(dir string, tests []string, logger *slog.Logger) (*Writer, error) {
	logger = logger.With("component", "report")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &IOError{Op: "mkdir", Path: dir, Err: err}
	}

	files, err := listReports(dir)
	if err != nil {
		return nil, err
	}

	w := &Writer{logger: logger}
	for _, f := range files {
		header, rows, err := readReport(f.path)
		if err != nil {
			var ioErr *IOError
			if errors.As(err, &ioErr) {
				return nil, err
			}
			logger.Warn("skipping unreadable report", "path", f.path, "err", err)
			continue
		}
		if covers(header, tests) {
			w.path, w.header, w.rows = f.path, header, rows
			break
		}
	}

	if w.path == "" {
		next := 1
		if len(files) > 0 {
			next = files[0].n + 1
		}
		w.path = filepath.Join(dir, filePrefix+strconv.Itoa(next)+fileExt)
		w.header = append(append([]string(nil), MetadataColumns...), tests...)
		if err := createReport(w.path, w.header); err != nil {
			return nil, err
		}
		logger.Info("created report", "path", w.path, "tests", len(tests))
	} else {
		logger.Info("reusing report", "path", w.path, "rows", w.rows)
	}

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, &IOError{Op: "open", Path: w.path, Err: err}
	}
	if err := terminateLastRecord(f); err != nil {
		f.Close()
		return nil, &IOError{Op: "open", Path: w.path, Err: err}
	}
	w.file = f
	w.csv = csv.NewWriter(f)
	return w, nil
}

// Path returns the report file in use.
func (w *Writer) Path() string { return w.path }

// Header returns the report's column names.
func (w *Writer) Header() []string {
	return append([]string(nil), w.header...)
}

// Rows returns the number of data rows in the file.
func (w *Writer) Rows() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}

// Append writes one row and flushes it to disk.
func (w *Writer) Append(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return &IOError{Op: "append", Path: w.path, Err: os.ErrClosed}
	}

	performed := rec.Performed
	if performed.IsZero() {
		performed = time.Now()
	}
	row := []string{
		strconv.Itoa(w.rows + 1),
		rec.Serial,
		performed.Format(TimeFormat),
		rec.Operator,
		rec.Conclusion,
		rec.Comments,
	}
	for _, name := range w.header[len(MetadataColumns):] {
		row = append(row, cell(rec.Results, name))
	}

	if err := w.csv.Write(row); err != nil {
		return &IOError{Op: "append", Path: w.path, Err: err}
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return &IOError{Op: "append", Path: w.path, Err: err}
	}
	if err := w.file.Sync(); err != nil {
		return &IOError{Op: "sync", Path: w.path, Err: err}
	}
	w.rows++
	w.logger.Info("report row appended", "path", w.path, "number", w.rows, "serial", rec.Serial)
	return nil
}

// Finalize asks the operator for the campaign's conclusion and comments.
// The strings are returned as typed; they are not validated.
func (w *Writer) Finalize(ctx context.Context, p Prompter) (conclusion, comments string, err error) {
	conclusion, err = p.Prompt(ctx, "Enter the conclusion for this test run: ")
	if err != nil {
		return "", "", fmt.Errorf("read conclusion: %w", err)
	}
	comments, err = p.Prompt(ctx, "Enter any additional comments: ")
	if err != nil {
		return "", "", fmt.Errorf("read comments: %w", err)
	}
	return strings.TrimSpace(conclusion), strings.TrimSpace(comments), nil
}

// Close closes the report file. It is safe to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	if err != nil {
		return &IOError{Op: "close", Path: w.path, Err: err}
	}
	return nil
}

func cell(v Verdicts, name string) string {
	if v == nil {
		return ""
	}
	passed, ok := v.Verdict(name)
	switch {
	case !ok:
		return ""
	case passed:
		return cellPass
	default:
		return cellFail
	}
}

// covers reports whether header is a report header whose test columns are a
// superset of tests.
func covers(header, tests []string) bool {
	if len(header) < len(MetadataColumns) {
		return false
	}
	cols := make(map[string]struct{}, len(header))
	for _, c := range header[len(MetadataColumns):] {
		cols[c] = struct{}{}
	}
	for _, t := range tests {
		if _, ok := cols[t]; !ok {
			return false
		}
	}
	return true
}

type reportFile struct {
	path string
	n    int
}

// listReports returns the ATR files in dir, highest suffix first.
func listReports(dir string) ([]reportFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &IOError{Op: "list", Path: dir, Err: err}
	}
	var files []reportFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileExt) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileExt))
		if err != nil || n < 1 {
			continue
		}
		files = append(files, reportFile{path: filepath.Join(dir, name), n: n})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].n > files[j].n })
	return files, nil
}

// readReport returns a file's header and its number of data rows. Open
// failures are *IOError; malformed content is a plain error.
func readReport(path string) (header []string, rows int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, &IOError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err = r.Read()
	if err != nil {
		if err == io.EOF {
			return nil, 0, errors.New("empty report")
		}
		return nil, 0, fmt.Errorf("read header: %w", err)
	}
	for {
		_, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read row %d: %w", rows+1, err)
		}
		rows++
	}
	return header, rows, nil
}

// terminateLastRecord adds the line break an edited file may have lost, so
// the next row does not run into the last one.
func terminateLastRecord(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	_, err = f.Write([]byte{'\n'})
	return err
}

func createReport(path string, header []string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return &IOError{Op: "create", Path: path, Err: err}
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return &IOError{Op: "create", Path: path, Err: err}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return &IOError{Op: "create", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &IOError{Op: "create", Path: path, Err: err}
	}
	return nil
}
