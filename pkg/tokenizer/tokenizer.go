package tokenizer

import "unicode/utf8"

// CharsPerToken is the rough English average used for size budgeting.
const CharsPerToken = 4

// EstimateTokens estimates tokens from rune length. It is additive across
// substrings, which the chunker relies on.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + CharsPerToken - 1) / CharsPerToken
}

// TokensToChars converts a token budget to a rune budget.
func TokensToChars(tokens int) int {
	return tokens * CharsPerToken
}
