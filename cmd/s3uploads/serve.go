package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitrise-io/go-s3uploads/api"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the upload API",
		Long: `Serve the upload API: initiation, part requests, completion and abort
of uploads, signed with the storage credentials of this process.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			listener, err := net.Listen("tcp", NewFlagLoader(cmd, a.v).String("addr"))
			if err != nil {
				return err
			}
			return a.runServe(ctx, cmd, listener)
		},
	}

	f := cmd.Flags()
	f.String("addr", ":8080", "Listen address")
	f.String("token", "", "Bearer token expected from clients (or S3UPLOADS_TOKEN). Requests are not authenticated if empty")
	f.StringSlice("upload-types", nil, "Accepted upload types. Every type is accepted if not set")
	addStorageFlags(cmd)
	return cmd
}

func (a *app) runServe(ctx context.Context, cmd *cobra.Command, listener net.Listener) error {
	loader := NewFlagLoader(cmd, a.v)

	presigner, err := a.newPresigner(ctx, loader)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/uploads/", api.NewHandler(presigner, api.HandlerConfig{
		Token:       a.secret(loader, "token", envPrefix+"_TOKEN"),
		UploadTypes: loader.StringSlice("upload-types"),
	}, a.logger))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()
	a.logger.Infof("Serving the upload API on %s", listener.Addr())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Infof("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
