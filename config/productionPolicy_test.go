package config

import "testing"

func TestGetProductionPolicy_Defaults(t *testing.T) {
	p := GetProductionPolicy()
	if p.ConsumptionRatio != 1 {
		t.Fatalf("expected ratio 1, got %d", p.ConsumptionRatio)
	}
	if p.RateCorrectionThreshold != 5 || p.RateCorrectionMultiplier != 100 {
		t.Fatalf("unexpected rate correction defaults: %d x%d", p.RateCorrectionThreshold, p.RateCorrectionMultiplier)
	}
	if p.EfficiencyAlertThreshold.String() != "0.85" {
		t.Fatalf("expected efficiency threshold 0.85, got %s", p.EfficiencyAlertThreshold)
	}
	if p.LargeSaleThresholdCents != 1000000 {
		t.Fatalf("expected large sale threshold 1000000, got %d", p.LargeSaleThresholdCents)
	}
}

func TestGetProductionPolicy_EnvOverrides(t *testing.T) {
	t.Setenv("PIECEWORK_RATE_CORRECTION_THRESHOLD", "10")
	t.Setenv("PIECEWORK_RATE_CORRECTION_MULTIPLIER", "50")
	t.Setenv("INSIGHT_EFFICIENCY_THRESHOLD", "0.9")
	t.Setenv("PRODUCTION_INFER_INPUT_FROM_TICKETS", "false")
	t.Setenv("PRODUCTION_CONSUMPTION_RATIO", "-3")

	p := GetProductionPolicy()
	if p.RateCorrectionThreshold != 10 || p.RateCorrectionMultiplier != 50 {
		t.Fatalf("overrides not applied: %d x%d", p.RateCorrectionThreshold, p.RateCorrectionMultiplier)
	}
	if p.EfficiencyAlertThreshold.String() != "0.9" {
		t.Fatalf("expected 0.9, got %s", p.EfficiencyAlertThreshold)
	}
	if p.InferInputFromTickets {
		t.Fatalf("expected ticket inference disabled")
	}
	if p.ConsumptionRatio != 1 {
		t.Fatalf("non-positive ratio must fall back to 1, got %d", p.ConsumptionRatio)
	}
}

func TestEffectivePieceRate(t *testing.T) {
	p := DefaultProductionPolicy()
	cases := []struct {
		rate     int64
		expected int64
	}{
		{500, 500},
		{2, 200},
		{4, 400},
		{5, 5},
		{0, 0},
	}
	for _, tc := range cases {
		if got := p.EffectivePieceRate(tc.rate); got != tc.expected {
			t.Fatalf("EffectivePieceRate(%d) expected %d, got %d", tc.rate, tc.expected, got)
		}
	}

	p.RateCorrectionEnabled = false
	if got := p.EffectivePieceRate(2); got != 2 {
		t.Fatalf("disabled correction must keep rate, got %d", got)
	}
}

func TestNotifyOutboxNeverBlocks(t *testing.T) {
	for i := 0; i < 10; i++ {
		NotifyOutbox()
	}
	select {
	case <-OutboxSignal():
	default:
		t.Fatalf("expected a pending signal")
	}
}
