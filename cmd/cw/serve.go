package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"claimwatch/internal/app"
	"claimwatch/internal/server"
)

func workerCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run lifecycle and comment-analysis jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d := a.Dispatcher()
				if once {
					n, err := d.Drain(ctx)
					if err != nil {
						return err
					}
					return printJSONOrTable(map[string]int{"processed": n})
				}
				err := d.Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "process every due job, then exit")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API (comment ingress and operator actions)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				cfg := a.Config.Server
				if cmd.Flags().Changed("addr") || cfg.Addr == "" {
					cfg.Addr = addr
				}
				if cmd.Flags().Changed("base-path") || cfg.BasePath == "" {
					cfg.BasePath = basePath
				}
				if secret := viper.GetString("server_jwt_secret"); secret != "" {
					cfg.JWTSecret = secret
				}
				if cfg.JWTSecret == "" {
					a.Logger.Warn("server: no jwt secret configured; mutating endpoints are open")
				}
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: cfg.BasePath, Auth: server.AuthConfig{JWTSecret: cfg.JWTSecret}, Logger: a.Logger})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					<-gctx.Done()
					sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
					defer cancel()
					return srv.Shutdown(sctx)
				})
				g.Go(func() error {
					fmt.Printf("Serving claimwatch API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", cfg.Addr, cfg.BasePath, cfg.BasePath, cfg.BasePath)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				if withWorker {
					d := a.Dispatcher()
					g.Go(func() error {
						if err := d.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
							return err
						}
						return nil
					})
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path (overrides server.base_path)")
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also run the job dispatcher in this process")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(options(true))
			if err != nil {
				return err
			}
			secret := cfg.Server.JWTSecret
			if s := viper.GetString("server_jwt_secret"); s != "" {
				secret = s
			}
			token, err := server.IssueToken(secret, subject, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "actor recorded on actions taken with this token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
