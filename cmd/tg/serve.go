package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskgraph/internal/app"
	"taskgraph/internal/recurrence"
	"taskgraph/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with scheduled recurring generation and webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger := log.New(os.Stderr, "tg: ", log.LstdFlags)
			opts := openOptions()
			opts.Logger = logger
			a, err := app.Open(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Config.Validate(); err != nil {
				return err
			}
			e := a.Engine
			defer e.Bus.Close()
			if !cmd.Flags().Changed("addr") && a.Config.Server.Addr != "" {
				addr = a.Config.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && a.Config.Server.BasePath != "" {
				basePath = a.Config.Server.BasePath
			}

			if a.Config.Scheduler.Enabled && !noScheduler {
				trigger, err := recurrence.NewTrigger(a.Config.Scheduler.Cron, func(ctx context.Context) ([]recurrence.PatternRun, error) {
					return e.RunRecurringGeneration(ctx, 0, "scheduler")
				}, logger)
				if err != nil {
					return fmt.Errorf("scheduler: %w", err)
				}
				trigger.Start()
				logger.Printf("recurring generation scheduled %q, next at %s", a.Config.Scheduler.Cron, trigger.Next().Format(time.RFC3339))
				defer func() {
					stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					trigger.Stop(stopCtx)
				}()
			}
			if d := server.NewWebhookDispatcher(e, logger); d != nil {
				go d.Run(ctx)
			}

			authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), Logger: logger}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Logger: logger})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving taskgraph API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret; when set every request needs a bearer token")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run recurring generation on the cron schedule")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}
