package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dshills/runbok/internal/endpoint"
	"github.com/dshills/runbok/internal/inspector"
	"github.com/dshills/runbok/internal/inspector/cdp"
	"github.com/dshills/runbok/internal/logging"
)

// inspectOutput describes one remote endpoint.
type inspectOutput struct {
	Endpoint string                `json:"endpoint"`
	Process  inspector.ProcessInfo `json:"process"`
	Targets  []cdp.TargetInfo      `json:"targets,omitempty"`
}

func newInspectCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [endpoint]",
		Short: "Connect to an inspector endpoint and describe the process behind it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load(cmd)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			var raw any
			if len(args) == 1 {
				raw = args[0]
			}
			desc, err := endpoint.Resolve(raw)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			out := inspectOutput{Endpoint: desc.Key()}
			if desc.SessionURL == "" {
				out.Targets, err = cdp.ListTargets(ctx, nil, desc.Address())
				if err != nil {
					return err
				}
			}

			session := inspector.NewSession(desc, inspector.WithLogger(logger))
			if err := session.Connect(ctx); err != nil {
				return fmt.Errorf("connect to %s: %w", desc, err)
			}
			defer session.Disconnect()

			out.Process, err = session.ProcessInfo(ctx)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}
