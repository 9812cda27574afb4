package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/DaveLoeffel/sage-app-sub001/auth"
	"github.com/DaveLoeffel/sage-app-sub001/config"
	"github.com/DaveLoeffel/sage-app-sub001/dispatch"
	"github.com/DaveLoeffel/sage-app-sub001/events"
	"github.com/DaveLoeffel/sage-app-sub001/server"
)

func serveCmd(opts *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, dispatcher, event consumer and HTTP control surface",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override server.addr")
	return cmd
}

func (a *app) notifier() dispatch.Notifier {
	if a.cfg.Dispatch.NotifyURL == "" {
		a.logger.Warn("dispatch.notify_url not set; notifications are only logged")
		return dispatch.LogNotifier{Logger: a.logger}
	}
	return dispatch.NewHTTPNotifier(a.cfg.Dispatch.NotifyURL, a.cfg.Dispatch.NotifyToken, nil).
		WithMaxElapsed(a.cfg.Dispatch.MaxElapsed)
}

func (a *app) dispatcher() *dispatch.Dispatcher {
	return dispatch.New(a.store, a.notifier(), dispatch.Config{
		Interval:  a.cfg.Dispatch.Interval,
		Lease:     a.cfg.Dispatch.Lease,
		BatchSize: a.cfg.Dispatch.BatchSize,
		Rate:      a.cfg.Dispatch.Rate,
		Burst:     a.cfg.Dispatch.Burst,
	}, a.logger).WithMetrics(a.metrics)
}

func runServe(ctx context.Context, opts *rootOptions, addr string) error {
	a, err := openApp(ctx, opts, false)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if a.cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required to serve")
	}
	if addr == "" {
		addr = a.cfg.Server.Addr
	}

	clients, err := auth.NewStaticRepository(a.cfg.AuthClients())
	if err != nil {
		return err
	}
	tokens := auth.NewService(clients, a.cfg.Auth.JWTSecret, a.cfg.Auth.TokenTTL)

	svc := a.service()
	ing := a.ingestor()
	matcher := a.matcher(svc)
	disp := a.dispatcher()
	sched := a.scheduler().WithKicker(disp)

	if opts.configPath != "" {
		err := config.Watch(ctx, opts.configPath, a.logger, func(next *config.Config) {
			policy, err := next.EscalationPolicy()
			if err != nil {
				a.logger.Warn("reloaded policy rejected", slog.Any("err", err))
				return
			}
			a.policy.Store(policy)
			a.logger.Info("escalation policy reloaded", slog.Int("max_dispatch_attempts", policy.MaxDispatchAttempts))
		})
		if err != nil {
			a.logger.Warn("config watch disabled", slog.Any("err", err))
		}
	}

	if a.cfg.Events.Enabled {
		sub := events.NewSubscriber(events.SubscriberConfig{
			URL:     a.cfg.Events.NATSURL,
			Token:   a.cfg.Events.Token,
			Durable: a.cfg.Events.Durable,
		}, events.NewRouter(ing, matcher, a.logger), a.logger)
		if err := sub.Start(ctx); err != nil {
			return err
		}
		defer sub.Close()
	}

	httpServer := &http.Server{
		Addr: addr,
		Handler: server.New(server.Deps{
			Obligations: svc,
			Ingestor:    ing,
			Reconciler:  matcher,
			Scanner:     sched,
			Auth:        tokens,
			Version:     Version,
		}, a.logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return disp.Run(gctx) })
	g.Go(func() error {
		a.logger.Info("http server listening", slog.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	a.logger.Info("sage stopped")
	return err
}
