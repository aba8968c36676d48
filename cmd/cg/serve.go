package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"cmdgate/internal/app"
	"cmdgate/internal/server"
)

func sweepCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire approval requests past their window",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app.Context) error {
				sw := a.Sweeper()
				if watch {
					return sw.Run(ctx)
				}
				n, err := sw.RunOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("expired %d request(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep sweeping on the configured interval")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the expiry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app.Context) error {
				if !cmd.Flags().Changed("addr") {
					addr = a.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") {
					basePath = a.Config.Server.BasePath
				}
				secret := a.Config.Server.JWTSecret
				if env := viper.GetString("jwt-secret"); env != "" {
					secret = env
				}
				log := a.Log.With().Str("component", "http").Logger()
				handler, err := server.New(server.Config{
					Engine:   a.Engine,
					BasePath: basePath,
					Auth: server.AuthConfig{
						JWTSecret: secret,
						TokenTTL:  a.Config.Server.TokenTTL.Duration,
						Log:       log,
					},
					Log: log,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					log.Info().Str("addr", addr).Str("base_path", basePath).Bool("bearer_tokens", secret != "").Msg("serving cmdgate API")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					return a.Sweeper().Run(gctx)
				})
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (or CMDGATE_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}
