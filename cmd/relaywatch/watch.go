package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaywatch/internal/config"
	"github.com/agentworkforce/relaywatch/internal/logging"
	"github.com/agentworkforce/relaywatch/internal/remote"
	"github.com/agentworkforce/relaywatch/internal/statusapi"
)

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Poll the remote change feed until interrupted",
		Long: `Poll the remote change feed once per heartbeat and apply every change to
the local replica. The cursor only advances after a whole batch is applied.

Exits with status 2 when the remote rejects the stored cursor.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := a.openSession()
			if err != nil {
				return err
			}
			defer s.Close()
			logger := a.logger

			if a.v.ConfigFileUsed() != "" {
				config.Watch(a.v, func(cfg *config.Config) {
					if logging.SetLevel(a.level, cfg.Log.Level) {
						logger.Info("log level reloaded", zap.String("level", cfg.Log.Level))
					}
				}, func(err error) {
					logger.Warn("ignoring config change", zap.Error(err))
				})
			}
			if a.cfg.Remote.Realtime {
				rt := remote.NewRealtime(a.cfg.Remote.URL, a.cfg.Remote.Token, s.watcher.Wake, logger.Named("remote.realtime"))
				go func() {
					if err := rt.Run(ctx); err != nil {
						logger.Warn("realtime stopped", zap.Error(err))
					}
				}()
			}
			if addr := a.cfg.Status.Addr; addr != "" {
				server := statusapi.NewServer(statusapi.Reporter{Index: s.index, Trees: s.prep, Loop: s.watcher}, logger.Named("statusapi"))
				go func() {
					if err := server.ListenAndServe(ctx, addr); err != nil {
						logger.Error("status api failed", zap.Error(err))
					}
				}()
			}

			started, running := s.watcher.Start(ctx)
			// The index and lock stay open until a poll in flight has written its batch.
			defer func() { <-s.watcher.Done() }()
			go func() {
				<-ctx.Done()
				s.watcher.Stop()
			}()
			if err := <-started; err != nil {
				return loopError(err)
			}
			logger.Info("initial remote sync complete")
			if err := <-running; err != nil {
				return loopError(err)
			}
			logger.Info("remote watcher exited")
			return nil
		},
	}
}
