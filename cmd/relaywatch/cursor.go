package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCursorCmd(a *app) *cobra.Command {
	cursorCmd := &cobra.Command{
		Use:   "cursor",
		Short: "Inspect or reset the remote change feed cursor",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the stored cursor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := a.openIndex()
			if err != nil {
				return err
			}
			defer idx.Close()
			seq, err := idx.GetRemoteSeq(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), displaySeq(seq))
			return nil
		},
	}

	var to string
	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Replace the stored cursor",
		Long: `Replace the stored cursor. Without --to the cursor is cleared and the next
poll replays the whole feed; already applied revisions are skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			unlock, err := a.lockState()
			if err != nil {
				return err
			}
			defer unlock()
			idx, err := a.openIndex()
			if err != nil {
				return err
			}
			defer idx.Close()
			if err := idx.SetRemoteSeq(cmd.Context(), to); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cursor reset to %s\n", displaySeq(to))
			return nil
		},
	}
	resetCmd.Flags().StringVar(&to, "to", "", "sequence to resume from")

	cursorCmd.AddCommand(showCmd, resetCmd)
	return cursorCmd
}
