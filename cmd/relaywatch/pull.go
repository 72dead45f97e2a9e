package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newPullCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Run a single poll cycle and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, err := a.openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.watcher.Pull(ctx); err != nil {
				return loopError(err)
			}
			seq, err := s.index.GetRemoteSeq(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pulled remote changes up to %s\n", displaySeq(seq))
			return nil
		},
	}
}

func displaySeq(seq string) string {
	if seq == "" {
		return "(none)"
	}
	return seq
}
