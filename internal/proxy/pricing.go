package proxy

import "strings"

// modelPrice holds per-million-token prices in cents. The table only needs to
// be roughly right: the pre-request estimate gates obviously empty wallets,
// and the authoritative charge is computed downstream from the persisted
// usage numbers with the same table.
type modelPrice struct {
	inputPerM  int64
	outputPerM int64
}

var defaultPrice = modelPrice{inputPerM: 100, outputPerM: 300}

var modelPrices = []struct {
	prefix string
	price  modelPrice
}{
	{"gpt-4o-mini", modelPrice{15, 60}},
	{"gpt-4o", modelPrice{250, 1000}},
	{"gpt-4.1-nano", modelPrice{10, 40}},
	{"gpt-4.1-mini", modelPrice{40, 160}},
	{"gpt-4.1", modelPrice{200, 800}},
	{"gpt-4", modelPrice{3000, 6000}},
	{"gpt-3.5", modelPrice{50, 150}},
	{"o1-mini", modelPrice{110, 440}},
	{"o1", modelPrice{1500, 6000}},
	{"o3-mini", modelPrice{110, 440}},
	{"o3", modelPrice{200, 800}},
	{"o4-mini", modelPrice{110, 440}},
	{"claude-3-5-haiku", modelPrice{80, 400}},
	{"claude-3-haiku", modelPrice{25, 125}},
	{"claude-3-opus", modelPrice{1500, 7500}},
	{"claude-opus-4", modelPrice{1500, 7500}},
	{"claude-sonnet-4", modelPrice{300, 1500}},
	{"claude-haiku-4", modelPrice{100, 500}},
	{"claude-", modelPrice{300, 1500}},
	{"gemini-1.5-flash", modelPrice{8, 30}},
	{"gemini-2.0-flash", modelPrice{10, 40}},
	{"gemini-2.5-flash", modelPrice{30, 250}},
	{"gemini-", modelPrice{125, 1000}},
	{"gemma-", modelPrice{5, 10}},
}

func priceFor(model string) modelPrice {
	m := strings.ToLower(model)
	for _, e := range modelPrices {
		if strings.HasPrefix(m, e.prefix) {
			return e.price
		}
	}
	return defaultPrice
}

// costCents computes the metered cost for actual usage, rounding up so
// fractional-cent requests are never free.
func costCents(model string, promptTokens, completionTokens int) int64 {
	p := priceFor(model)
	raw := int64(promptTokens)*p.inputPerM + int64(completionTokens)*p.outputPerM
	return (raw + 999_999) / 1_000_000
}

// estimateCents predicts the cost before dispatch: known prompt tokens plus
// the request's completion budget (or a modest default when unbounded).
func estimateCents(model string, promptTokens, maxTokens int) int64 {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return costCents(model, promptTokens, maxTokens)
}
