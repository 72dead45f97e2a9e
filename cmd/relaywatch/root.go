package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaywatch/internal/config"
	"github.com/agentworkforce/relaywatch/internal/logging"
	"github.com/agentworkforce/relaywatch/internal/prep"
	"github.com/agentworkforce/relaywatch/internal/remote"
	"github.com/agentworkforce/relaywatch/internal/replica"
	"github.com/agentworkforce/relaywatch/internal/watcher"
)

const resyncHint = "resynchronization required: run `relaywatch cursor reset`"

// app holds what every subcommand loads before running.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
	level   zap.AtomicLevel
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}
	root := &cobra.Command{
		Use:   "relaywatch",
		Short: "Reconcile a remote file change feed into a local replica",
		Long: `relaywatch polls a remote storage change feed, classifies every change
against the local replica and applies the resulting merge actions.

Settings come from flags, RELAYWATCH_* environment variables, an optional
config file and defaults, in that order.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default $XDG_CONFIG_HOME/relaywatch/config.yaml)")
	flags.String("state-dir", "", "state directory (default $HOME/.relaywatch)")
	flags.String("heartbeat", "", "poll interval, e.g. 1m")
	flags.Float64("jitter", 0, "heartbeat jitter ratio (0.0-1.0)")
	flags.String("trash-dir", "", "remote trash directory name")
	flags.String("platform", "", "local naming rules: linux, darwin or win32")
	flags.String("remote-kind", "", "change feed backend: http or couch")
	flags.String("remote-url", "", "remote base URL")
	flags.String("token", "", "bearer token")
	flags.String("database", "", "CouchDB database name")
	flags.String("timeout", "", "remote request timeout, e.g. 15s")
	flags.Bool("realtime", false, "wake on realtime events")
	flags.String("index", "", "replica index DSN, one of the schemes: "+strings.Join(replica.IndexSchemes(), ", "))
	flags.String("log-level", "", "log level")
	flags.String("log-format", "", "log format: json or console")
	flags.String("log-file", "", "rotating log file")
	flags.String("status-addr", "", "status API listen address")

	root.AddCommand(newWatchCmd(a), newPullCmd(a), newStatusCmd(a), newCursorCmd(a))
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	if err := config.BindFlags(a.v, cmd.Flags()); err != nil {
		return err
	}
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger, a.level = logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	return nil
}

func (a *app) openIndex() (replica.Index, error) {
	idx, err := replica.BuildIndexFromDSN(a.cfg.Index.DSN)
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", a.cfg.Index.DSN, err)
	}
	return idx, nil
}

func (a *app) lockState() (func() error, error) {
	unlock, err := replica.LockDir(a.cfg.StateDir)
	if errors.Is(err, replica.ErrLocked) {
		return nil, fmt.Errorf("another relaywatch instance is using %s", a.cfg.StateDir)
	}
	return unlock, err
}

func (a *app) openFeed() (remote.ChangeFeed, func() error, error) {
	if err := a.cfg.RequireRemote(); err != nil {
		return nil, nil, err
	}
	validator, err := remote.NewDocumentValidator()
	if err != nil {
		return nil, nil, err
	}
	switch a.cfg.Remote.Kind {
	case "couch":
		client, err := remote.NewCouchClient(a.cfg.Remote.URL, a.cfg.Remote.Database, validator)
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil
	default:
		client := remote.NewHTTPClient(a.cfg.Remote.URL, a.cfg.Remote.Token, &http.Client{Timeout: a.cfg.Remote.Timeout}, validator)
		return client, func() error { return nil }, nil
	}
}

// session is an opened index, feed and loop sharing one state lock.
type session struct {
	index   replica.Index
	prep    *prep.Prep
	watcher *watcher.Watcher
	closers []func() error
}

func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

func (a *app) openSession() (*session, error) {
	s := &session{}
	unlock, err := a.lockState()
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, unlock)

	feed, closeFeed, err := a.openFeed()
	if err != nil {
		s.Close()
		return nil, err
	}
	s.closers = append(s.closers, closeFeed)

	s.index, err = a.openIndex()
	if err != nil {
		s.Close()
		return nil, err
	}
	s.closers = append(s.closers, s.index.Close)

	s.prep, err = prep.New(s.index, prep.Options{Logger: a.logger.Named("prep"), Platform: a.cfg.Platform})
	if err != nil {
		s.Close()
		return nil, err
	}
	s.watcher, err = watcher.New(feed, s.index, s.prep, watcher.Options{
		Heartbeat: a.cfg.Heartbeat,
		Jitter:    a.cfg.Jitter,
		TrashDir:  a.cfg.TrashDir,
		Platform:  a.cfg.Platform,
		Logger:    a.logger.Named("remote.watcher"),
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// loopError turns a rejected cursor into the resync exit status.
func loopError(err error) error {
	if errors.Is(err, remote.ErrBadRequest) {
		return &exitError{code: 2, err: fmt.Errorf("%s: %w", resyncHint, err)}
	}
	return err
}
