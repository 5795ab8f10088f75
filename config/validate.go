package config

import "fmt"

var (
	MinDisputeWindowMs = int64(1000)
)

func ValidateConfig(c Config) error {
	if c.Dispute.Enabled && c.Dispute.WindowMs < MinDisputeWindowMs {
		return fmt.Errorf("dispute: window_ms too small")
	}
	if c.Dispute.MaxRefundPct > 100 {
		return fmt.Errorf("dispute: max_refund_pct > 100")
	}
	if c.Dispute.AllowPartial && c.Dispute.MaxRefundPct == 0 {
		return fmt.Errorf("dispute: allow_partial with max_refund_pct 0")
	}
	if c.Replay.Workers < 0 {
		return fmt.Errorf("replay: workers < 0")
	}
	switch c.Settlement.Provider {
	case ProviderMemory, ProviderBoundary:
	default:
		return fmt.Errorf("settlement: unknown provider %q", c.Settlement.Provider)
	}
	return nil
}
