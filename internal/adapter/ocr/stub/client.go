// Package stub is a fast, deterministic OCR client for local development
// and tests.
package stub

import (
	"fmt"
	"time"

	"github.com/inkhorn/docmd/internal/domain"
)

// Client returns canned Markdown derived from the input size.
type Client struct{}

func New() *Client { return &Client{} }

// Convert returns a single deterministic page per 4 KiB of input.
func (c *Client) Convert(_ domain.Context, data []byte, mime, filename string) (domain.OCRResult, error) {
	// Simulate a tiny bit of processing latency to resemble real work
	time.Sleep(20 * time.Millisecond)
	pageCount := len(data)/4096 + 1
	pages := make([]string, 0, pageCount)
	for i := 0; i < pageCount; i++ {
		pages = append(pages, fmt.Sprintf("# %s (page %d)\n\nConverted %d bytes of %s.", filename, i+1, len(data), mime))
	}
	tokens := len(data)/4 + 1
	return domain.OCRResult{
		Pages:            pages,
		Model:            "stub-ocr",
		Temperature:      0,
		PromptTokens:     tokens,
		CompletionTokens: tokens / 2,
		TotalTokens:      tokens + tokens/2,
	}, nil
}
