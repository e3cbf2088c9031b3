package model

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestApplyFillWeightedAverageAndStatusTransition(t *testing.T) {
	o := &Order{Qty: 100, Status: StatusAccepted}
	o.ApplyFill(40, dec("150.00"), 1000)
	if o.Status != StatusPartiallyFilled {
		t.Fatalf("status = %s, want PARTIALLY_FILLED", o.Status)
	}
	if o.Remaining() != 60 {
		t.Fatalf("remaining = %d, want 60", o.Remaining())
	}

	o.ApplyFill(60, dec("150.10"), 2000)
	if o.Status != StatusFilled {
		t.Fatalf("status = %s, want FILLED", o.Status)
	}
	if o.Remaining() != 0 {
		t.Fatalf("remaining = %d, want 0", o.Remaining())
	}
	if !o.AvgFillPrice.Equal(dec("150.06")) {
		t.Fatalf("avg fill price = %s, want 150.06", o.AvgFillPrice)
	}
}

func TestApplyFillZeroQtyIsNoOp(t *testing.T) {
	o := &Order{Qty: 100, Status: StatusAccepted}
	o.ApplyFill(0, dec("150.00"), 1000)
	if o.Filled != 0 || o.Status != StatusAccepted {
		t.Fatalf("zero-qty fill should not mutate the order")
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	terminal := []OrderStatus{StatusFilled, StatusCanceled, StatusRejected, StatusExpired}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	nonTerminal := []OrderStatus{StatusNew, StatusAccepted, StatusPartiallyFilled}
	for _, s := range nonTerminal {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

func TestSideOpposite(t *testing.T) {
	if SideBuy.Opposite() != SideSell {
		t.Fatalf("expected SideSell")
	}
	if SideSell.Opposite() != SideBuy {
		t.Fatalf("expected SideBuy")
	}
}
