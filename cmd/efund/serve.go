package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seenimoa/efundkyc/api"
	"github.com/seenimoa/efundkyc/internal/app"
)

// --- Serve Command (API Server) ---

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and WebSocket API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if port, _ := cmd.Flags().GetInt("port"); port != 0 {
			cfg.API.Port = port
		}

		a, err := app.New(context.Background(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		sessions, err := api.NewSessionRegistry(cfg.Session.MaxSessions, a.NewSession, a.Metrics, logger.Named("sessions"))
		if err != nil {
			return err
		}
		srv, err := api.NewServer(api.Deps{
			Config:    cfg,
			Sessions:  sessions,
			NewEngine: a.NewEngine,
			Health:    a.Provider,
			Gatherer:  a.Registry,
			Metrics:   a.Metrics,
			Logger:    logger.Named("api"),
		})
		if err != nil {
			return err
		}

		fmt.Printf("🌐 Starting efund API server on %s (LLM: %s)\n", cfg.API.Addr(), a.Provider.Name())
		return srv.ListenAndServe(cfg.API.Addr())
	},
}

func init() {
	serveCmd.Flags().Int("port", 0, "listen port (overrides api.port)")
}
