package budget

import "unicode/utf8"

// charsPerToken is calibrated for Claude-family tokenizers.
const charsPerToken = 4

// EstimateTokens conservatively estimates tokens in a string, rounding up so
// the ledger never under-reports consumption.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	runes := utf8.RuneCountInString(s)
	return (runes + charsPerToken - 1) / charsPerToken
}

// EstimateCost converts a token estimate to USD at a per-1K-token rate.
func EstimateCost(tokens int, costPer1K float64) float64 {
	return float64(tokens) / 1000.0 * costPer1K
}
