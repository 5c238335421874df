package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"launcher-ate/internal/events"
	"launcher-ate/internal/store"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// app is the state shared by subcommands once the config is loaded.
type app struct {
	cfgPath string
	cfg     *Config
	logger  *slog.Logger
	logOut  io.Writer // stderr, plus log.file when set
	logFile *os.File
	in      io.Reader
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdin).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(in io.Reader) *cobra.Command {
	a := &app{in: in}

	root := &cobra.Command{
		Use:          "launcher-ate",
		Short:        "Bench test runner for launcher boards",
		Long:         "launcher-ate runs Lua test scripts against a tester board, records each campaign in an ATR report and keeps a local history.",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", "config.yaml", "path to config file")

	root.AddCommand(
		newListCmd(a),
		newRunCmd(a),
		newPortsCmd(a),
		newProbeCmd(a),
		newHistoryCmd(a),
	)
	for _, c := range root.Commands() {
		if c.RunE == nil {
			continue
		}
		runE := c.RunE
		c.RunE = func(cmd *cobra.Command, args []string) error {
			defer a.closeLog()
			return runE(cmd, args)
		}
	}
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := loadConfig(a.cfgPath)
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		cfg, err = parseConfig(nil, "")
	}
	if err != nil {
		bootLogger.Error("load config", "err", err)
		return err
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		return err
	}

	a.cfg = cfg
	a.logOut = os.Stderr
	if cfg.Log.File != "" {
		f, err := openLogFile(cfg.Log.File)
		if err != nil {
			bootLogger.Error("open log file", "err", err)
			return err
		}
		a.logFile = f
		a.logOut = io.MultiWriter(os.Stderr, f)
	}
	a.logger = newLogger(cfg, a.logOut)
	slog.SetDefault(a.logger)
	a.logger.Debug("config loaded", "path", a.cfgPath, "version", version)
	return nil
}

func (a *app) closeLog() {
	if a.logFile != nil {
		a.logFile.Close()
		a.logFile = nil
	}
}

// campaignLog opens the log file of one campaign in log.campaign_dir and
// returns a logger writing to it as well as to the usual outputs.
func (a *app) campaignLog(started time.Time) (*slog.Logger, *os.File, error) {
	name := "campaign_" + started.Format("20060102-150405") + ".log"
	f, err := openLogFile(filepath.Join(a.cfg.Log.CampaignDir, name))
	if err != nil {
		return nil, nil, err
	}
	return newLogger(a.cfg, io.MultiWriter(a.logOut, f)), f, nil
}

func (a *app) openStore() (store.Store, error) {
	db, err := store.NewBoltStore(a.cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return db, nil
}

type stopper interface {
	Stop()
}

// startObservers starts the MQTT publisher and the monitor when enabled.
// The returned function stops them in reverse order.
func (a *app) startObservers(bus *events.Bus, db store.Store) func() {
	stoppers := []stopper{
		initMQTT(bus, a.cfg, a.logger),
		initMonitor(bus, db, a.cfg, a.logger),
	}
	return func() {
		for i := len(stoppers) - 1; i >= 0; i-- {
			stoppers[i].Stop()
		}
	}
}
