// Package httpserver contains the REST handlers and middleware for the
// conversion API. It keeps HTTP concerns out of the usecase layer.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/inkhorn/docmd/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		code = http.StatusBadRequest
		codeStr = "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrInvalidTransition):
		code = http.StatusConflict
		codeStr = "INVALID_TRANSITION"
	case errors.Is(err, domain.ErrOperationBusy):
		code = http.StatusServiceUnavailable
		codeStr = "BUSY"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}

// Wire DTOs. Content is only embedded on the document detail endpoint when
// the conversion finished.

type documentResponse struct {
	ID            string         `json:"id"`
	FileName      string         `json:"file_name"`
	MIME          string         `json:"mime"`
	SizeBytes     int64          `json:"size_bytes"`
	Status        string         `json:"status"`
	Error         string         `json:"error,omitempty"`
	Content       *string        `json:"content,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	RetentionDays int            `json:"retention_days"`
	BatchID       *string        `json:"batch_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	ProcessedAt   *time.Time     `json:"processed_at,omitempty"`
	ArchivedAt    *time.Time     `json:"archived_at,omitempty"`
}

func toDocumentResponse(d domain.Document, withContent bool) documentResponse {
	resp := documentResponse{
		ID:            d.ID,
		FileName:      d.FileName,
		MIME:          d.MIME,
		SizeBytes:     d.SizeBytes,
		Status:        string(d.Status),
		Error:         d.Error,
		Metadata:      d.Metadata,
		RetentionDays: d.RetentionDays,
		BatchID:       d.BatchID,
		CreatedAt:     d.CreatedAt,
		ProcessedAt:   d.ProcessedAt,
		ArchivedAt:    d.ArchivedAt,
	}
	if withContent && d.Status == domain.DocumentCompleted {
		resp.Content = d.Content
	}
	return resp
}

type jobResponse struct {
	ID          string     `json:"id"`
	DocumentID  string     `json:"document_id"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	Priority    int        `json:"priority"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	Error       string     `json:"error,omitempty"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func toJobResponse(j domain.Job) jobResponse {
	return jobResponse{
		ID:          j.ID,
		DocumentID:  j.DocumentID,
		Type:        string(j.Type),
		Status:      string(j.Status),
		Priority:    j.Priority,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Error:       j.Error,
		ScheduledAt: j.ScheduledAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		CreatedAt:   j.CreatedAt,
	}
}

type batchResponse struct {
	ID                 string             `json:"id"`
	Status             string             `json:"status"`
	TotalDocuments     int                `json:"total_documents"`
	CompletedDocuments int                `json:"completed_documents"`
	FailedDocuments    int                `json:"failed_documents"`
	Priority           int                `json:"priority"`
	CreatedAt          time.Time          `json:"created_at"`
	CompletedAt        *time.Time         `json:"completed_at,omitempty"`
	Documents          []documentResponse `json:"documents,omitempty"`
}

func toBatchResponse(b domain.Batch, docs []domain.Document) batchResponse {
	resp := batchResponse{
		ID:                 b.ID,
		Status:             string(b.Status),
		TotalDocuments:     b.TotalDocuments,
		CompletedDocuments: b.CompletedDocuments,
		FailedDocuments:    b.FailedDocuments,
		Priority:           b.Priority,
		CreatedAt:          b.CreatedAt,
		CompletedAt:        b.CompletedAt,
	}
	for _, d := range docs {
		resp.Documents = append(resp.Documents, toDocumentResponse(d, false))
	}
	return resp
}

type usageResponse struct {
	DocumentID     string    `json:"document_id"`
	Operation      string    `json:"operation"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	BaseCostCents  int64     `json:"base_cost_cents"`
	MarginPercent  int       `json:"margin_percent"`
	TotalCostCents int64     `json:"total_cost_cents"`
	CreatedAt      time.Time `json:"created_at"`
}
