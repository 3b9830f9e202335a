package sqlite

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/inkhorn/docmd/internal/domain"
)

// UsageRepo records per-conversion token and cost rows.
type UsageRepo struct{ Store *Store }

// NewUsageRepo constructs a UsageRepo over the store.
func NewUsageRepo(s *Store) *UsageRepo { return &UsageRepo{Store: s} }

// Insert records one usage row for a successful conversion.
func (r *UsageRepo) Insert(ctx domain.Context, u domain.Usage) error {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.Insert")
	defer span.End()
	created := u.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	q := `INSERT INTO usage (document_id, operation, input_tokens, output_tokens,
		base_cost_cents, margin_percent, total_cost_cents, created_at) VALUES (?,?,?,?,?,?,?,?)`
	err := r.Store.withWriteRetry(ctx, "usage.insert", func() error {
		_, err := r.Store.db.ExecContext(ctx, q, u.DocumentID, u.Operation, u.InputTokens,
			u.OutputTokens, u.BaseCostCents, u.MarginPercent, u.TotalCostCents, created)
		return err
	})
	if err != nil {
		return fmt.Errorf("op=usage.insert: %w", err)
	}
	return nil
}

// ListByDocument returns usage rows for a document, oldest first.
func (r *UsageRepo) ListByDocument(ctx domain.Context, documentID string) ([]domain.Usage, error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.ListByDocument")
	defer span.End()
	rows, err := r.Store.db.QueryContext(ctx, `SELECT id, document_id, operation, input_tokens,
		output_tokens, base_cost_cents, margin_percent, total_cost_cents, created_at
		FROM usage WHERE document_id = ? ORDER BY id`, documentID)
	if err != nil {
		return nil, fmt.Errorf("op=usage.list: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Usage
	for rows.Next() {
		var u domain.Usage
		if err := rows.Scan(&u.ID, &u.DocumentID, &u.Operation, &u.InputTokens, &u.OutputTokens,
			&u.BaseCostCents, &u.MarginPercent, &u.TotalCostCents, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=usage.list: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=usage.list: %w", err)
	}
	return out, nil
}

// Totals aggregates all usage rows.
func (r *UsageRepo) Totals(ctx domain.Context) (domain.UsageTotals, error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.Totals")
	defer span.End()
	var t domain.UsageTotals
	err := r.Store.db.QueryRowContext(ctx, `SELECT COUNT(*),
		COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
		COALESCE(SUM(total_cost_cents), 0) FROM usage`).
		Scan(&t.Conversions, &t.InputTokens, &t.OutputTokens, &t.TotalCostCents)
	if err != nil {
		return domain.UsageTotals{}, fmt.Errorf("op=usage.totals: %w", err)
	}
	return t, nil
}
