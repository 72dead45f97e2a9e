package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/relaywatch/internal/prep"
	"github.com/agentworkforce/relaywatch/internal/statusapi"
)

func newStatusCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the replica cursor and incompatible records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := a.openIndex()
			if err != nil {
				return err
			}
			defer idx.Close()
			p, err := prep.New(idx, prep.Options{Logger: a.logger.Named("prep"), Platform: a.cfg.Platform})
			if err != nil {
				return err
			}
			snap, err := statusapi.Reporter{Index: idx, Trees: p}.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			return writeSnapshot(cmd.OutOrStdout(), output, snap)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text, json or yaml")
	return cmd
}

func writeSnapshot(w io.Writer, format string, snap statusapi.Snapshot) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(snap); err != nil {
			return err
		}
		return enc.Close()
	case "text", "":
		fmt.Fprintf(w, "Cursor:       %s\n", displaySeq(snap.Cursor))
		fmt.Fprintf(w, "Records:      %d\n", snap.Records)
		fmt.Fprintf(w, "Incompatible: %d\n", len(snap.Incompatible))
		for _, p := range snap.Incompatible {
			fmt.Fprintf(w, "  %s\n", p)
		}
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
