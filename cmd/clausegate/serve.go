package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/metalagman/clausegate/internal/web"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API with the rollback monitor and approval expiry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if addr != "" {
				a.cfg.Server.Addr = addr
			}

			fxApp := fx.New(
				fx.NopLogger,
				fx.Supply(a),
				fx.Provide(newHTTPServer),
				fx.Invoke(startHTTP, startMonitor, startExpiry),
			)
			if err := fxApp.Start(cmd.Context()); err != nil {
				return err
			}
			select {
			case <-cmd.Context().Done():
			case sig := <-fxApp.Done():
				log.Info().Str("signal", sig.String()).Msg("shutting down")
			}
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return fxApp.Stop(stopCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	return cmd
}

func newHTTPServer(a *app) (*http.Server, error) {
	server, err := web.NewServer(a.coord, a.metrics)
	if err != nil {
		return nil, err
	}
	return &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}, nil
}

func startHTTP(lc fx.Lifecycle, srv *http.Server) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			log.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("http server stopped")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

func startMonitor(lc fx.Lifecycle, a *app) {
	if !a.cfg.Rollback.Enabled {
		return
	}
	monitor := a.monitor()
	appendWorker(lc, func(ctx context.Context) { _ = monitor.Run(ctx) })
}

func startExpiry(lc fx.Lifecycle, a *app) {
	timeout := a.cfg.ApprovalTimeout
	if timeout <= 0 {
		return
	}
	interval := min(timeout/2, time.Minute)
	if interval <= 0 {
		interval = time.Second
	}
	appendWorker(lc, func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ids, err := a.coord.ExpireStale(ctx)
				if err != nil {
					log.Error().Err(err).Msg("expire stale runs")
				}
				if len(ids) > 0 {
					log.Info().Strs("runs", ids).Msg("expired runs awaiting approval")
				}
			}
		}
	})
}

// appendWorker runs fn for the lifetime of the fx app.
func appendWorker(lc fx.Lifecycle, fn func(ctx context.Context)) {
	var (
		cancel context.CancelFunc
		wg     sync.WaitGroup
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			wg.Add(1)
			go func() {
				defer wg.Done()
				fn(ctx)
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			wg.Wait()
			return nil
		},
	})
}
