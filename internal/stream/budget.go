package stream

// Budget knobs applied pre-send. These are conservative defaults
// shared across backends in scope; a per-backend override would live on
// config.BackendConfig if a future backend needed a different hard cap.
const (
	DefaultHardCap        = 32000
	DefaultMinOutputTokens = 1024
	DefaultMinMaxTokens    = 16384
)

// AdjustThinkingBudget enforces "B + min_output_tokens <= hard_cap" by
// lowering B rather than raising maxTokens past hardCap (exceeding the cap
// produces a rate-limit error on some backends), and floors
// maxTokens at minMaxTokens for thinking-enabled requests to avoid
// premature MAX_TOKENS truncation on long-form output. Returns the
// (possibly adjusted) budget and maxTokens.
func AdjustThinkingBudget(budgetTokens, maxTokens, hardCap, minOutputTokens, minMaxTokens int) (adjustedBudget, adjustedMaxTokens int) {
	adjustedBudget = budgetTokens
	adjustedMaxTokens = maxTokens

	if adjustedBudget+minOutputTokens > hardCap {
		adjustedBudget = hardCap - minOutputTokens
		if adjustedBudget < 0 {
			adjustedBudget = 0
		}
	}
	if adjustedMaxTokens < adjustedBudget+minOutputTokens {
		adjustedMaxTokens = adjustedBudget + minOutputTokens
	}
	if adjustedMaxTokens < minMaxTokens {
		adjustedMaxTokens = minMaxTokens
	}
	return adjustedBudget, adjustedMaxTokens
}
