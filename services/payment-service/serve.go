package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/AmariLuigi/vendors.gg-sub001/internal/handler"
	"github.com/AmariLuigi/vendors.gg-sub001/internal/webhook"
)

func serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and webhook endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(true)
			if err != nil {
				return err
			}
			defer a.close()

			if migrate {
				if err := a.store.Migrate(); err != nil {
					return err
				}
			}

			checks := map[string]handler.Check{"ledger": a.ping}
			idem := a.idempotencyStore()
			if idem != nil {
				checks["redis"] = idem.Ping
			}
			ingestor := webhook.NewIngestor(a.registry, a.store, a.service, a.notifier)
			h := handler.New(a.service, ingestor, idem, checks)

			srv := &http.Server{Addr: a.cfg.Server.Addr, Handler: h.Router()}
			errCh := make(chan error, 1)
			go func() {
				log.Infof("Payment Service starting on %s", a.cfg.Server.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			select {
			case err := <-errCh:
				if err != nil {
					log.WithError(err).Error("Failed to start server")
					return err
				}
				return nil
			case <-ctx.Done():
			}

			log.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "run ledger migrations before serving")
	return cmd
}
