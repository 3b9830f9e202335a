package queue

import "github.com/inkhorn/docmd/internal/domain"

// A page is estimated at 1000 tokens and billed at one cent, plus the
// configured margin. All arithmetic stays in integer cents; fractions round
// up so accounting never undercharges.
const (
	tokensPerPage = 1000
	centsPerPage  = 1
)

// usageFor prices one successful conversion.
func usageFor(documentID string, res domain.OCRResult, marginPercent int) domain.Usage {
	pages := (res.TotalTokens + tokensPerPage - 1) / tokensPerPage
	if pages < 1 {
		pages = 1
	}
	base := int64(pages) * centsPerPage
	total := (base*int64(100+marginPercent) + 99) / 100
	return domain.Usage{
		DocumentID:     documentID,
		Operation:      "convert",
		InputTokens:    res.PromptTokens,
		OutputTokens:   res.CompletionTokens,
		BaseCostCents:  base,
		MarginPercent:  marginPercent,
		TotalCostCents: total,
	}
}
