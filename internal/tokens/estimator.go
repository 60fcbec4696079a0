// Package tokens estimates token usage when the upstream omits its usage
// report.
package tokens

import (
	"github.com/tiktoken-go/tokenizer"

	"github.com/ChrisColeTech/qwen-gateway/internal/domain"
)

// Estimator approximates token counts with tiktoken. Qwen publishes no
// tiktoken vocabulary, so cl100k_base stands in; counts are estimates, not
// billing-grade.
type Estimator struct {
	codec tokenizer.Codec
}

// NewEstimator loads the cl100k_base codec.
func NewEstimator() (*Estimator, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, err
	}
	return &Estimator{codec: codec}, nil
}

// Count returns the token count for text, falling back to a bytes/4
// heuristic if encoding fails.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	ids, _, err := e.codec.Encode(text)
	if err != nil {
		return len(text) / 4
	}
	return len(ids)
}

// Estimate builds a Usage for a prompt/completion pair.
func (e *Estimator) Estimate(prompt, completion string) domain.Usage {
	promptTokens := e.Count(prompt)
	completionTokens := e.Count(completion)
	return domain.Usage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
	}
}
