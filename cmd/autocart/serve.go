package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"autocart/internal/autocart"
	"autocart/internal/logger"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the caching proxy and control API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := autocart.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := logger.Init(cfg.Logging.Config); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		log := logger.Get()

		svc, err := autocart.NewService(cfg)
		if err != nil {
			return fmt.Errorf("init service: %w", err)
		}
		defer svc.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}

		servers := []*http.Server{{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           svc.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}}
		if cfg.Control.Listen != "" {
			servers = append(servers, &http.Server{
				Addr:              cfg.Control.Listen,
				Handler:           svc.ControlHandler(),
				ReadHeaderTimeout: 10 * time.Second,
			})
		}

		listeners := make([]net.Listener, 0, len(servers))
		for _, srv := range servers {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				for _, l := range listeners {
					l.Close()
				}
				return fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
			listeners = append(listeners, ln)
		}

		g, gctx := errgroup.WithContext(ctx)
		for i, srv := range servers {
			g.Go(func() error {
				log.Info().Str("addr", srv.Addr).Str("origin", cfg.Server.Origin).Msg("listening")
				if err := srv.Serve(listeners[i]); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		}
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			for _, srv := range servers {
				_ = srv.Shutdown(shutdownCtx)
			}
			return nil
		})
		return g.Wait()
	},
}
