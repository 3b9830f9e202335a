package httpserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/gabriel-vasile/mimetype"

	"github.com/inkhorn/docmd/internal/config"
	"github.com/inkhorn/docmd/internal/domain"
	"github.com/inkhorn/docmd/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg     config.Config
	Submit  usecase.SubmitService
	Status  usecase.StatusService
	DBCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, submit usecase.SubmitService, status usecase.StatusService, dbCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Submit: submit, Status: status, DBCheck: dbCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// uploadOptions are the non-file multipart form fields.
type uploadOptions struct {
	RetentionDays int `validate:"omitempty,min=1,max=3650"`
	Priority      int `validate:"omitempty,min=0,max=100"`
}

func parseUploadOptions(r *http.Request) (uploadOptions, error) {
	var opts uploadOptions
	if v := r.FormValue("retention_days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, fmt.Errorf("%w: retention_days must be an integer", domain.ErrInvalidArgument)
		}
		opts.RetentionDays = n
	}
	if v := r.FormValue("priority"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return opts, fmt.Errorf("%w: priority must be an integer", domain.ErrInvalidArgument)
		}
		opts.Priority = n
	}
	if err := getValidator().Struct(opts); err != nil {
		verrs := map[string]string{}
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			for _, fe := range ve {
				verrs[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		return opts, fmt.Errorf("%w: validation failed %v", domain.ErrInvalidArgument, verrs)
	}
	return opts, nil
}

// allowedExt enforces the upload allowlist: PDFs and common image formats.
func allowedExt(name string) bool {
	n := strings.ToLower(name)
	for _, ext := range []string{".pdf", ".png", ".jpg", ".jpeg", ".tif", ".tiff", ".webp", ".gif", ".bmp"} {
		if strings.HasSuffix(n, ext) {
			return true
		}
	}
	return false
}

func allowedMIME(m string) bool {
	m = strings.ToLower(m)
	return m == "application/pdf" || strings.HasPrefix(m, "image/")
}

// sniffFile reads one multipart file, enforcing the extension and content
// allowlists. The returned MIME comes from content sniffing, never from the
// client-supplied header.
func sniffFile(h *multipart.FileHeader) ([]byte, string, error) {
	if !allowedExt(h.Filename) {
		return nil, "", fmt.Errorf("%w: unsupported file type %q", domain.ErrInvalidArgument, h.Filename)
	}
	f, err := h.Open()
	if err != nil {
		return nil, "", fmt.Errorf("%w: open %q: %v", domain.ErrInvalidArgument, h.Filename, err)
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, "", fmt.Errorf("%w: read %q: %v", domain.ErrInvalidArgument, h.Filename, err)
	}
	mt := mimetype.Detect(data)
	if !allowedMIME(mt.String()) {
		return nil, "", fmt.Errorf("%w: unsupported content %s in %q", domain.ErrInvalidArgument, mt.String(), h.Filename)
	}
	return data, mt.String(), nil
}

func (s *Server) beginMultipart(w http.ResponseWriter, r *http.Request) error {
	if !strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
		return fmt.Errorf("%w: content-type must be multipart/form-data", domain.ErrInvalidArgument)
	}
	maxBytes := s.Cfg.MaxUploadMB << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes*2)
	if err := r.ParseMultipartForm(maxBytes * 2); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "too large") {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorEnvelope{Error: apiError{
				Code: "INVALID_ARGUMENT", Message: "payload too large",
				Details: map[string]any{"max_mb": s.Cfg.MaxUploadMB},
			}})
			return errHandled
		}
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

// errHandled signals that the handler already wrote a response.
var errHandled = fmt.Errorf("response already written")

// SubmitDocumentHandler accepts one multipart file and enqueues its
// conversion job.
func (s *Server) SubmitDocumentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.beginMultipart(w, r); err != nil {
			if err != errHandled {
				writeError(w, r, err, nil)
			}
			return
		}
		opts, err := parseUploadOptions(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: file field required", domain.ErrInvalidArgument), map[string]string{"field": "file"})
			return
		}
		_ = file.Close()
		data, mime, err := sniffFile(header)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}

		sub, err := s.Submit.Submit(r.Context(), usecase.SubmitInput{
			FileName:      header.Filename,
			MIME:          mime,
			Size:          int64(len(data)),
			Body:          bytes.NewReader(data),
			RetentionDays: opts.RetentionDays,
			Priority:      opts.Priority,
			UserID:        r.Header.Get("X-User-ID"),
			APIKeyID:      r.Header.Get("X-API-Key-ID"),
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"document_id": sub.DocumentID,
			"job_id":      sub.JobID,
			"status":      string(domain.DocumentPending),
		})
	}
}

// SubmitBatchHandler accepts multiple files under the files field and
// enqueues them as one batch.
func (s *Server) SubmitBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.beginMultipart(w, r); err != nil {
			if err != errHandled {
				writeError(w, r, err, nil)
			}
			return
		}
		opts, err := parseUploadOptions(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if r.MultipartForm == nil || len(r.MultipartForm.File["files"]) == 0 {
			writeError(w, r, fmt.Errorf("%w: files field required", domain.ErrInvalidArgument), map[string]string{"field": "files"})
			return
		}

		inputs := make([]usecase.SubmitInput, 0, len(r.MultipartForm.File["files"]))
		for _, header := range r.MultipartForm.File["files"] {
			data, mime, err := sniffFile(header)
			if err != nil {
				writeError(w, r, err, map[string]string{"file": header.Filename})
				return
			}
			inputs = append(inputs, usecase.SubmitInput{
				FileName:      header.Filename,
				MIME:          mime,
				Size:          int64(len(data)),
				Body:          bytes.NewReader(data),
				RetentionDays: opts.RetentionDays,
			})
		}

		batch, err := s.Submit.SubmitBatch(r.Context(), inputs,
			r.Header.Get("X-User-ID"), r.Header.Get("X-API-Key-ID"), opts.Priority)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		docs := make([]map[string]string, 0, len(batch.Submissions))
		for _, sub := range batch.Submissions {
			docs = append(docs, map[string]string{"document_id": sub.DocumentID, "job_id": sub.JobID})
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"batch_id":  batch.BatchID,
			"documents": docs,
			"status":    string(domain.BatchPending),
		})
	}
}

// GetDocumentHandler returns one document, embedding the Markdown once the
// conversion finished.
func (s *Server) GetDocumentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := s.Status.GetDocument(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toDocumentResponse(doc, r.URL.Query().Get("content") != "false"))
	}
}

// GetDocumentContentHandler serves the converted Markdown as text.
func (s *Server) GetDocumentContentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := s.Status.GetDocument(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if doc.Status != domain.DocumentCompleted || doc.Content == nil {
			writeError(w, r, fmt.Errorf("%w: document %s has no content (status %s)",
				domain.ErrNotFound, doc.ID, doc.Status), nil)
			return
		}
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(*doc.Content))
	}
}

// GetDocumentDownloadHandler returns a presigned URL for the original upload.
func (s *Server) GetDocumentDownloadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		url, err := s.Status.DownloadURL(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"url":        url,
			"expires_in": int(usecase.DownloadURLExpiry.Seconds()),
		})
	}
}

// GetDocumentUsageHandler returns the usage rows for one document.
func (s *Server) GetDocumentUsageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := s.Status.DocumentUsage(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]usageResponse, 0, len(rows))
		for _, u := range rows {
			out = append(out, usageResponse{
				DocumentID:     u.DocumentID,
				Operation:      u.Operation,
				InputTokens:    u.InputTokens,
				OutputTokens:   u.OutputTokens,
				BaseCostCents:  u.BaseCostCents,
				MarginPercent:  u.MarginPercent,
				TotalCostCents: u.TotalCostCents,
				CreatedAt:      u.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"usage": out})
	}
}

// GetJobHandler returns one job.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.Status.GetJob(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobResponse(job))
	}
}

// GetBatchHandler returns a batch with its documents.
func (s *Server) GetBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batch, docs, err := s.Status.GetBatchDocuments(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toBatchResponse(batch, docs))
	}
}

// ListBatchesHandler returns recent batches, optionally scoped to one user.
func (s *Server) ListBatchesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := 0, 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 100 {
				writeError(w, r, fmt.Errorf("%w: limit must be 1..100", domain.ErrInvalidArgument), nil)
				return
			}
			limit = n
		}
		if v := r.URL.Query().Get("offset"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, r, fmt.Errorf("%w: offset must be >= 0", domain.ErrInvalidArgument), nil)
				return
			}
			offset = n
		}
		batches, err := s.Status.ListBatches(r.Context(), r.Header.Get("X-User-ID"), limit, offset)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]batchResponse, 0, len(batches))
		for _, b := range batches {
			out = append(out, toBatchResponse(b, nil))
		}
		writeJSON(w, http.StatusOK, map[string]any{"batches": out})
	}
}

// GetUsageTotalsHandler returns aggregate usage counters.
func (s *Server) GetUsageTotalsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		totals, err := s.Status.UsageTotals(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"conversions":      totals.Conversions,
			"input_tokens":     totals.InputTokens,
			"output_tokens":    totals.OutputTokens,
			"total_cost_cents": totals.TotalCostCents,
		})
	}
}

// HealthzHandler is the liveness probe.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler is the readiness probe; it pings the store.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.DBCheck != nil {
			if err := s.DBCheck(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "unavailable", "store": err.Error(),
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
