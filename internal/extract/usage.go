package extract

// Usage is the cost of one or more model calls. Values are summed by callers;
// nothing in the process keeps a running total.
type Usage struct {
	Calls        int     `json:"calls"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

func (u *Usage) Add(o Usage) {
	u.Calls += o.Calls
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CostUSD += o.CostUSD
}

// Pricing converts token counts to dollars.
type Pricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

func (p Pricing) cost(in, out int) float64 {
	return float64(in)/1000*p.InputPer1K + float64(out)/1000*p.OutputPer1K
}
