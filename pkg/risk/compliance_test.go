package risk

import (
	"context"
	"testing"

	"github.com/quantavia/tradecore/pkg/events"
)

func TestCheckCompliance(t *testing.T) {
	tests := []struct {
		name      string
		req       ComplianceRequest
		compliant bool
	}{
		{"spot anywhere", ComplianceRequest{Region: "US", TradeType: "spot"}, true},
		{"margin in restricted region", ComplianceRequest{Region: "US", TradeType: "margin"}, false},
		{"margin in open region", ComplianceRequest{Region: "DE", TradeType: "margin"}, true},
		{"defaults to spot in US", ComplianceRequest{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(DefaultConfig(), nil, nil)
			res := e.CheckCompliance(context.Background(), tt.req)
			if res.Compliant != tt.compliant {
				t.Errorf("compliant = %v, want %v (checks %v)", res.Compliant, tt.compliant, res.Checks)
			}
		})
	}
}

func TestCheckComplianceTradingLimits(t *testing.T) {
	pub := &capturePublisher{}
	e := NewEngine(DefaultConfig(), pub, nil)
	e.RecordLoss(2000) // past the 1000 daily budget

	res := e.CheckCompliance(context.Background(), ComplianceRequest{Region: "DE", TradeType: "spot"})
	if res.Compliant {
		t.Fatal("expected failure once the daily loss budget is spent")
	}
	if res.Checks["trading_limits"] {
		t.Error("trading_limits check should have failed")
	}

	kinds := pub.published()
	if len(kinds) != 1 || kinds[0] != events.KindComplianceFailed {
		t.Errorf("published = %v, want [compliance.failed]", kinds)
	}
}

func TestCheckComplianceMarginWarning(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil, nil)
	res := e.CheckCompliance(context.Background(), ComplianceRequest{Region: "DE", TradeType: "margin"})
	if len(res.Warnings) == 0 {
		t.Error("expected a margin verification warning")
	}
}
