// Package openrouter implements the OCR provider port against an
// OpenAI-compatible chat completions API.
package openrouter

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"log/slog"

	"github.com/inkhorn/docmd/internal/adapter/observability"
	"github.com/inkhorn/docmd/internal/config"
	"github.com/inkhorn/docmd/internal/domain"
)

const systemPrompt = `You are an OCR engine. Convert the attached document to clean Markdown.
Preserve headings, lists and tables. Separate pages with a line containing only "---".
Return only the Markdown, no commentary.`

// pageSeparator splits the provider's single response into pages.
const pageSeparator = "\n---\n"

// Client implements domain.OCRClient.
type Client struct {
	cfg config.Config
	hc  *http.Client

	// Provider-level throttle: at most one call per OCRMinInterval.
	mu       sync.Mutex
	lastCall time.Time
}

// New constructs a client with sensible timeouts.
func New(cfg config.Config) *Client {
	return &Client{
		cfg: cfg,
		hc:  &http.Client{Timeout: 120 * time.Second},
	}
}

func (c *Client) getBackoffConfig() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	maxElapsedTime, initialInterval, maxInterval, multiplier := c.cfg.GetOCRBackoffConfig()
	expo.MaxElapsedTime = maxElapsedTime
	expo.InitialInterval = initialInterval
	expo.MaxInterval = maxInterval
	expo.Multiplier = multiplier
	return expo
}

func (c *Client) throttle() {
	if c.cfg.OCRMinInterval <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if wait := c.cfg.OCRMinInterval - time.Since(c.lastCall); wait > 0 {
		time.Sleep(wait)
	}
	c.lastCall = time.Now()
}

type chatRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Convert sends the document to the provider and returns the full result.
// Transient provider failures (429, 5xx, transport errors) are retried with
// exponential backoff; everything else fails immediately.
func (c *Client) Convert(ctx domain.Context, data []byte, mime, filename string) (domain.OCRResult, error) {
	if c.cfg.OCRAPIKey == "" {
		return domain.OCRResult{}, fmt.Errorf("%w: OCR_API_KEY missing", domain.ErrInvalidArgument)
	}
	if len(data) == 0 {
		return domain.OCRResult{}, fmt.Errorf("%w: empty document", domain.ErrInvalidArgument)
	}

	dataURL := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))
	reqBody := chatRequest{
		Model:       c.cfg.OCRModel,
		Temperature: c.cfg.OCRTemperature,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: []contentPart{
				{Type: "text", Text: fmt.Sprintf("Convert %q to Markdown.", filename)},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
			}},
		},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return domain.OCRResult{}, fmt.Errorf("op=ocr.convert: %w", err)
	}

	var parsed chatResponse
	start := time.Now()
	operation := func() error {
		c.throttle()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			strings.TrimRight(c.cfg.OCRBaseURL, "/")+"/chat/completions", bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.OCRAPIKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.hc.Do(req)
		if err != nil {
			// Transport errors are retryable unless the context is done.
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("provider status %d: %s", resp.StatusCode, snippet(body))
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("provider status %d: %s", resp.StatusCode, snippet(body)))
		}
		parsed = chatResponse{}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return backoff.Permanent(fmt.Errorf("decode provider response: %w", err))
		}
		if parsed.Error != nil {
			return backoff.Permanent(fmt.Errorf("provider error: %s", parsed.Error.Message))
		}
		if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
			// An empty completion is a partial result; retry rather than
			// store an empty document.
			return fmt.Errorf("provider returned empty completion")
		}
		return nil
	}

	err = backoff.RetryNotify(operation, backoff.WithContext(c.getBackoffConfig(), ctx),
		func(err error, next time.Duration) {
			slog.Warn("OCR call failed, retrying",
				slog.String("file", filename),
				slog.Duration("next", next),
				slog.Any("error", err))
		})
	observability.OCRRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.OCRRequestsTotal.WithLabelValues("error").Inc()
		return domain.OCRResult{}, fmt.Errorf("op=ocr.convert: %w", err)
	}
	observability.OCRRequestsTotal.WithLabelValues("ok").Inc()

	content := parsed.Choices[0].Message.Content
	res := domain.OCRResult{
		Pages:            splitPages(content),
		Model:            c.cfg.OCRModel,
		Temperature:      c.cfg.OCRTemperature,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		TotalTokens:      parsed.Usage.TotalTokens,
	}
	if res.TotalTokens == 0 {
		// Some providers omit usage; estimate so accounting never records
		// a free conversion.
		res.CompletionTokens = estimateTokens(content, c.cfg.OCRModel)
		res.TotalTokens = res.CompletionTokens
	}
	return res, nil
}

func splitPages(content string) []string {
	raw := strings.Split(content, pageSeparator)
	pages := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			pages = append(pages, p)
		}
	}
	if len(pages) == 0 {
		pages = []string{strings.TrimSpace(content)}
	}
	return pages
}

func snippet(b []byte) string {
	const n = 256
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
