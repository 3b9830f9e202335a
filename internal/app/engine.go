package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/inkhorn/docmd/internal/adapter/blob/fsblob"
	s3blob "github.com/inkhorn/docmd/internal/adapter/blob/s3"
	"github.com/inkhorn/docmd/internal/adapter/httpserver"
	"github.com/inkhorn/docmd/internal/adapter/ocr/openrouter"
	ocrstub "github.com/inkhorn/docmd/internal/adapter/ocr/stub"
	"github.com/inkhorn/docmd/internal/adapter/repo/sqlite"
	"github.com/inkhorn/docmd/internal/config"
	"github.com/inkhorn/docmd/internal/domain"
	"github.com/inkhorn/docmd/internal/queue"
	"github.com/inkhorn/docmd/internal/usecase"
)

// Engine bundles the store, the queue dispatcher and the HTTP server. It owns
// startup order and the reverse shutdown order: HTTP first so no new work
// arrives, workers next so in-flight jobs drain, store last.
type Engine struct {
	cfg        config.Config
	store      *sqlite.Store
	dispatcher *queue.Dispatcher
	httpSrv    *http.Server
}

// NewEngine opens the store, picks the blob and OCR drivers, and wires the
// services into a runnable engine.
func NewEngine(cfg config.Config) (*Engine, error) {
	store, err := sqlite.Open(sqlite.Options{
		Path:          cfg.DatabasePath(),
		ReplicaURL:    cfg.DBReplicaURL,
		ReplicaToken:  cfg.DBReplicaToken,
		SyncInterval:  cfg.DBSyncInterval,
		EncryptionKey: cfg.DBEncryptionKey,
		UseReplica:    cfg.DBUseReplica,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	blobs, err := buildBlobStore(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	ocr := buildOCRClient(cfg)

	docRepo := sqlite.NewDocumentRepo(store)
	batchRepo := sqlite.NewBatchRepo(store)
	jobRepo := sqlite.NewJobRepo(store, batchRepo)
	usageRepo := sqlite.NewUsageRepo(store)

	dispatcher := queue.NewDispatcher(cfg, queue.Deps{
		Jobs:      jobRepo,
		Documents: docRepo,
		Batches:   batchRepo,
		Usage:     usageRepo,
		Blobs:     blobs,
		OCR:       ocr,
	})

	submitSvc := usecase.NewSubmitService(cfg, docRepo, jobRepo, batchRepo, blobs)
	statusSvc := usecase.NewStatusService(docRepo, jobRepo, batchRepo, usageRepo, blobs)
	srv := httpserver.NewServer(cfg, submitSvc, statusSvc, store.Ping)

	return &Engine{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		httpSrv: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           BuildRouter(cfg, srv),
			ReadTimeout:       cfg.HTTPReadTimeout,
			WriteTimeout:      cfg.HTTPWriteTimeout,
			IdleTimeout:       cfg.HTTPIdleTimeout,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func buildBlobStore(cfg config.Config) (domain.BlobStore, error) {
	switch cfg.BlobDriver {
	case "s3":
		blobs, err := s3blob.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("s3 blob store: %w", err)
		}
		return blobs, nil
	case "fs", "":
		blobs, err := fsblob.New(cfg.DataDir + "/blobs")
		if err != nil {
			return nil, fmt.Errorf("fs blob store: %w", err)
		}
		return blobs, nil
	default:
		return nil, fmt.Errorf("unknown BLOB_DRIVER %q", cfg.BlobDriver)
	}
}

func buildOCRClient(cfg config.Config) domain.OCRClient {
	if cfg.OCRAPIKey == "" {
		slog.Warn("OCR_API_KEY not set, using the stub OCR client")
		return ocrstub.New()
	}
	return openrouter.New(cfg)
}

// Run starts the engine and blocks until the context is canceled or the HTTP
// listener fails.
func (e *Engine) Run(ctx context.Context) error {
	e.dispatcher.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", e.cfg.Port))
		errCh <- e.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Stop shuts the engine down in reverse startup order.
func (e *Engine) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), e.cfg.ServerShutdownTimeout)
	defer cancel()
	if err := e.httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", slog.Any("error", err))
	}
	e.dispatcher.Stop()
	if err := e.store.Close(); err != nil {
		slog.Error("store close failed", slog.Any("error", err))
	}
}
