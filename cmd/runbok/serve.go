package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/runbok/internal/server"
	"github.com/dshills/runbok/internal/workflow"
)

const closeTimeout = 10 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve <workflow.yaml|dir>",
		Short: "Serve the execution API for a workflow file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}

			path, err := workflow.ResolvePath(args[0])
			if err != nil {
				return err
			}

			a, err := wireApp(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			store := workflow.NewStore(path, workflow.WithLogger(a.logger))
			if err := store.Watch(); err != nil {
				a.logger.Warn("workflow watch disabled", "path", path, "error", err)
			}
			defer store.Close()
			path = store.Path()

			a.pool.Start(ctx)
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
				defer cancel()
				a.close(closeCtx)
			}()

			srv := server.New(a.engine,
				server.WithConnections(a.pool),
				server.WithWorkflow(store, displayPath(path)),
				server.WithContextDir(filepath.Dir(path)),
				server.WithLogger(a.logger),
			)

			fmt.Fprintf(cmd.OutOrStdout(), "Serving %s on http://%s\n", displayPath(path), cfg.Server.Addr)
			return srv.ListenAndServe(ctx, cfg.Server.Addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

// displayPath reports path relative to the working directory when possible.
func displayPath(path string) string {
	wd, err := os.Getwd()
	if err != nil {
		return path
	}
	rel, err := filepath.Rel(wd, path)
	if err != nil {
		return path
	}
	return rel
}
