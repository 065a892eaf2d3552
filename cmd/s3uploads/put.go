package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitrise-io/go-s3uploads/api"
	"github.com/bitrise-io/go-s3uploads/internal/inputs"
	"github.com/bitrise-io/go-s3uploads/upload"
	"github.com/docker/go-units"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type putResult struct {
	Files   []upload.UploadedFile `json:"files"`
	Objects []upload.S3Object     `json:"objects,omitempty"`
}

func newPutCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put <path or glob>...",
		Short: "Upload local files",
		Long: `Upload local files and print the uploaded files as JSON.
Paths may be doublestar globs (dir/**/*.png). An interrupt cancels every pending upload.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPut(cmd, args)
		},
	}

	f := cmd.Flags()
	f.String("type", "attachment", "Upload type")
	f.String("api-url", "", "Base URL of the upload service. Sessions are issued with the local storage credentials if not set")
	f.String("token", "", "Access token of the upload service (or S3UPLOADS_TOKEN)")
	f.Int("concurrency", upload.DefaultMaxConcurrentUploads, "Maximum number of parts in flight")
	f.Bool("cancel-all-on-error", false, "Cancel every upload when one part fails")
	f.String("cache", "memory", "Part cache: memory, file:<dir>, leveldb:<dir> or redis://<addr>")
	f.Bool("complete", false, "Complete the uploads after transferring them")
	f.String("metrics-addr", "", "Serve prometheus metrics on this address while uploading")
	addStorageFlags(cmd)
	return cmd
}

func (a *app) runPut(cmd *cobra.Command, args []string) error {
	loader := NewFlagLoader(cmd, a.v)
	uploadType := loader.String("type")

	paths, err := inputs.ResolvePaths(args)
	if err != nil {
		return err
	}
	files := make([]upload.LocalFile, 0, len(paths))
	var totalSize int64
	for _, pth := range paths {
		info, source, err := upload.DetectFile(pth)
		if err != nil {
			return err
		}
		files = append(files, upload.LocalFile{FileToUpload: info, Source: source})
		totalSize += info.Size
	}
	a.logger.Infof("Uploading %d file(s), %s", len(files), units.HumanSize(float64(totalSize)))

	cache, closeCache, err := openCache(loader.String("cache"))
	if err != nil {
		return err
	}
	defer func() {
		if err := closeCache(); err != nil {
			a.logger.Warnf("Failed to close cache: %s", err)
		}
	}()

	typeConfig, err := a.typeConfig(cmd.Context(), loader)
	if err != nil {
		return err
	}
	typeConfig.Concurrency = loader.Int("concurrency")
	typeConfig.CancelAllOnError = loader.Bool("cancel-all-on-error")

	moduleConfig := upload.ModuleConfig{
		Uploads: map[string]upload.TypeConfig{uploadType: typeConfig},
		Cache:   cache,
		Logger:  a.logger,
	}
	if addr := loader.String("metrics-addr"); addr != "" {
		metrics, shutdown, err := a.serveMetrics(addr)
		if err != nil {
			return err
		}
		defer shutdown()
		moduleConfig.Metrics = metrics
	}

	module, err := upload.NewModule(moduleConfig)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pending, err := module.UploadMany(ctx, uploadType, files, upload.UploadOptions{
		OnProgress: func(p upload.Progress) {
			a.logger.Printf("Progress: %d/%d part(s)", p.Completed, p.Total)
		},
		OnError: func(e upload.ErrorEvent) {
			a.logger.Warnf("Upload of %s failed: %s", e.Session.Filename, e.Err)
		},
		OnFileComplete: func(f upload.UploadedFile, _ upload.Source) {
			a.logger.Donef("Uploaded %s", f.Filename)
		},
	})
	if err != nil {
		return err
	}

	go func() {
		select {
		case <-ctx.Done():
			a.logger.Warnf("Interrupted, cancelling uploads")
			pending.CancelAll("interrupted")
		case <-pending.Done():
		}
	}()

	uploaded, err := pending.Wait(context.Background())
	if err != nil {
		return err
	}

	result := putResult{Files: uploaded}
	if loader.Bool("complete") && len(uploaded) > 0 {
		objects, err := module.CompleteMany(cmd.Context(), uploadType, uploaded, nil)
		if err != nil {
			return err
		}
		result.Objects = objects
	}

	encoder := json.NewEncoder(a.out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		return err
	}

	if failed := len(files) - len(uploaded); failed > 0 {
		return fmt.Errorf("%d of %d file(s) failed to upload", failed, len(files))
	}
	return nil
}

func (a *app) typeConfig(ctx context.Context, loader *FlagLoader) (upload.TypeConfig, error) {
	if apiURL := loader.String("api-url"); apiURL != "" {
		client, err := api.NewClient(apiURL, a.secret(loader, "token", envPrefix+"_TOKEN"), a.logger)
		if err != nil {
			return upload.TypeConfig{}, err
		}
		return upload.TypeConfig{Initiator: client, PartRequester: client, Completer: client}, nil
	}

	presigner, err := a.newPresigner(ctx, loader)
	if err != nil {
		return upload.TypeConfig{}, err
	}
	return upload.TypeConfig{Initiator: presigner, PartRequester: presigner, Completer: presigner}, nil
}

func (a *app) serveMetrics(addr string) (*upload.Metrics, func(), error) {
	reg := prometheus.NewRegistry()
	metrics, err := upload.NewMetrics(reg)
	if err != nil {
		return nil, nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warnf("Metrics server stopped: %s", err)
		}
	}()

	return metrics, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			a.logger.Warnf("Failed to stop metrics server: %s", err)
		}
	}, nil
}
