package domain

// TokenUsage holds cumulative token counters of an agent.
type TokenUsage struct {
	Input       int64 `json:"input"`
	CachedInput int64 `json:"cached_input"`
	Output      int64 `json:"output"`
	Reasoning   int64 `json:"reasoning"`
	Total       int64 `json:"total"`
}

// Add returns the sum of u and o.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		Input:       u.Input + o.Input,
		CachedInput: u.CachedInput + o.CachedInput,
		Output:      u.Output + o.Output,
		Reasoning:   u.Reasoning + o.Reasoning,
		Total:       u.Total + o.Total,
	}
}

// IsZero reports whether no tokens were counted.
func (u TokenUsage) IsZero() bool {
	return u == TokenUsage{}
}
