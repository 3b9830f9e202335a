package openrouter

import (
	"strings"
	"sync"

	"log/slog"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Token estimation for providers that omit usage in their responses.
// tiktoken's cl100k_base is a reasonable approximation across the model
// families OpenRouter fronts.

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func estimateTokens(text, model string) int {
	encOnce.Do(func() {
		name := normalizeModelName(model)
		e, err := tiktoken.EncodingForModel(name)
		if err != nil {
			slog.Debug("falling back to cl100k_base encoding",
				slog.String("model", model),
				slog.Any("error", err))
			e, err = tiktoken.GetEncoding("cl100k_base")
			if err != nil {
				return
			}
		}
		enc = e
	})
	if enc == nil {
		// ~4 chars per token is the usual rough estimate.
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// normalizeModelName converts provider-prefixed model ids to
// tiktoken-compatible names.
func normalizeModelName(model string) string {
	model = strings.ToLower(model)
	if strings.Contains(model, "/") {
		parts := strings.Split(model, "/")
		model = parts[len(parts)-1]
	}
	model = strings.TrimSuffix(model, ":free")
	switch {
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	default:
		return "gpt-4"
	}
}
