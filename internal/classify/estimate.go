package classify

import (
	"math"
	"unicode/utf8"
)

const (
	// TokensPerChar approximates the provider tokenizer on product text.
	TokensPerChar = 0.75
	// PromptOverheadTokens covers the system prompt and response schema of one call.
	PromptOverheadTokens = 600
	// ResponseTokensPerProduct is the output allowance per classified product.
	ResponseTokensPerProduct = 150
)

// EstimateTokens returns a conservative token cost for classifying ds in one call.
// Adding a product never lowers the estimate.
func EstimateTokens(ds []Descriptor) int {
	total := PromptOverheadTokens
	for _, d := range ds {
		total += inputTokens(d) + ResponseTokensPerProduct
	}
	return total
}

func inputTokens(d Descriptor) int {
	chars := utf8.RuneCountInString(d.Code) + utf8.RuneCountInString(d.Name) + utf8.RuneCountInString(d.Description)
	return int(math.Ceil(float64(chars) * TokensPerChar))
}
