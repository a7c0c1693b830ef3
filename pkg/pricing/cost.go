package pricing

import (
	"github.com/MarkoPoloResearchLab/tokenwallet/pkg/fx"
	"github.com/shopspring/decimal"
)

var tokensPerPriceUnit = decimal.NewFromInt(1000)

// CalcCost returns the cost in cents for a token pair. Negative counts clamp to zero
// and rounding happens once, on the summed input and output components.
func CalcCost(tokensIn int64, tokensOut int64, inputPer1kCents decimal.Decimal, outputPer1kCents decimal.Decimal) int64 {
	inputCost := decimal.NewFromInt(clampTokens(tokensIn)).Div(tokensPerPriceUnit).Mul(inputPer1kCents)
	outputCost := decimal.NewFromInt(clampTokens(tokensOut)).Div(tokensPerPriceUnit).Mul(outputPer1kCents)
	return fx.RoundHalfUp(inputCost.Add(outputCost))
}

// CostFor applies CalcCost with an active price.
func CostFor(tokensIn int64, tokensOut int64, price ActivePrice) int64 {
	return CalcCost(tokensIn, tokensOut, price.InputPer1kCents, price.OutputPer1kCents)
}

func clampTokens(tokens int64) int64 {
	if tokens < 0 {
		return 0
	}
	return tokens
}
