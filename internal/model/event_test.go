package model

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestEventLessOrdersByTimestampThenSeq(t *testing.T) {
	a := Event{TimestampNs: 100, Seq: 1}
	b := Event{TimestampNs: 100, Seq: 2}
	c := Event{TimestampNs: 200, Seq: 0}

	if !a.Less(b) {
		t.Fatalf("expected a < b by seq")
	}
	if b.Less(a) {
		t.Fatalf("expected b not < a")
	}
	if !b.Less(c) {
		t.Fatalf("expected b < c by timestamp")
	}
}

func TestFeeBreakdownTotalNetsMakerRebate(t *testing.T) {
	f := FeeBreakdown{
		PerShareCommission: decimal.RequireFromString("1.00"),
		PerOrderCommission: decimal.RequireFromString("0.50"),
		SECFee:             decimal.RequireFromString("0.10"),
		FINRATAF:            decimal.RequireFromString("0.05"),
		MakerRebate:        decimal.RequireFromString("0.20"),
		TakerFee:           decimal.Zero,
	}
	total := f.Total()
	want := decimal.RequireFromString("1.45") // 1.00+0.50+0.10+0.05-0.20
	if !total.Equal(want) {
		t.Fatalf("total = %s, want %s", total, want)
	}
}
