package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"
)

func init() {
	serveCmd.Flags().StringP("addr", "a", "", "Listen address (overrides server.addr)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the council HTTP API",
	Long:  "Serve the REST, server-sent events and websocket API used by the web client",
	Example: heredoc.Doc(`
		# Listen on the configured address
		council serve

		# Listen on all interfaces
		council serve --addr 0.0.0.0:8001
	`),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := setupApp(cmd, true)
		if err != nil {
			return err
		}
		defer cleanup()

		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			a.Config().Server.Addr = addr
		}
		for _, w := range a.Config().Warnings(os.Getenv) {
			slog.Warn(w)
		}

		srv, err := a.Server()
		if err != nil {
			return fmt.Errorf("create server: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return srv.ListenAndServe(ctx)
	},
}
