package risk

import (
	"context"
	"time"

	"github.com/quantavia/tradecore/pkg/events"
)

// ComplianceRequest describes the trade or operation to pre-check.
type ComplianceRequest struct {
	Region    string `json:"region"`
	TradeType string `json:"type"` // "spot" or "margin"
}

// ComplianceResult is the outcome of a compliance pre-check.
type ComplianceResult struct {
	Compliant bool            `json:"compliant"`
	Region    string          `json:"region"`
	Checks    map[string]bool `json:"checks"`
	Warnings  []string        `json:"warnings,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// restricted jurisdictions for margin products. Spot is unrestricted.
var marginRestricted = map[string]bool{
	"US": true,
	"CA": true,
}

// CheckCompliance runs the jurisdiction and trading-limit checks for a
// prospective operation. A failed check publishes a compliance.failed
// event; the result is returned either way.
func (e *Engine) CheckCompliance(ctx context.Context, req ComplianceRequest) ComplianceResult {
	if req.Region == "" {
		req.Region = "US"
	}
	if req.TradeType == "" {
		req.TradeType = "spot"
	}

	e.mu.Lock()
	withinDailyBudget := e.dailyLoss < e.cfg.MaxDailyLoss
	e.mu.Unlock()

	checks := map[string]bool{
		"kyc_verified":         true, // identity handled by the excluded auth boundary
		"aml_cleared":          true,
		"trading_limits":       withinDailyBudget,
		"jurisdiction_allowed": req.TradeType != "margin" || !marginRestricted[req.Region],
	}

	var warnings []string
	if req.TradeType == "margin" {
		warnings = append(warnings, "Margin trading requires additional verification")
	}

	res := ComplianceResult{
		Compliant: true,
		Region:    req.Region,
		Checks:    checks,
		Warnings:  warnings,
		Timestamp: time.Now().UTC(),
	}
	for _, ok := range checks {
		if !ok {
			res.Compliant = false
		}
	}

	if !res.Compliant {
		e.log.Warnw("compliance_check_failed", "region", req.Region, "type", req.TradeType)
		if e.publisher != nil {
			e.publisher.Publish(ctx, events.KindComplianceFailed, res)
		}
	}
	return res
}
