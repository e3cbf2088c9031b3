package pricecache

import (
	"testing"

	"github.com/shopspring/decimal"

	"broker-sim/internal/model"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestOnTradeUpdatesLatestTradeAndLastPrice(t *testing.T) {
	c := New()
	c.OnTrade("AAPL", model.TradeData{Price: dec("150.25"), Size: 100}, 1000)

	trade, ok := c.LatestTrade("AAPL")
	if !ok {
		t.Fatalf("expected a trade to be cached")
	}
	if !trade.Price.Equal(dec("150.25")) {
		t.Fatalf("price = %s, want 150.25", trade.Price)
	}
	if !c.LastPrice("AAPL").Equal(dec("150.25")) {
		t.Fatalf("last price = %s, want 150.25", c.LastPrice("AAPL"))
	}
}

func TestLastPriceFallsBackToQuoteMidpoint(t *testing.T) {
	c := New()
	c.OnQuote("MSFT", model.QuoteData{Bid: dec("100.00"), Ask: dec("100.20")}, 1000)
	if !c.LastPrice("MSFT").Equal(dec("100.10")) {
		t.Fatalf("midpoint = %s, want 100.10", c.LastPrice("MSFT"))
	}
}

func TestLastPriceUnknownSymbolIsZero(t *testing.T) {
	c := New()
	if !c.LastPrice("ZZZZ").IsZero() {
		t.Fatalf("expected zero for unknown symbol")
	}
}

func TestSnapshotReturnsOnlyKnownSymbols(t *testing.T) {
	c := New()
	c.OnTrade("AAPL", model.TradeData{Price: dec("150")}, 1)
	snap := c.Snapshot([]string{"AAPL", "UNKNOWN"})
	if len(snap) != 1 {
		t.Fatalf("snapshot len = %d, want 1", len(snap))
	}
	if _, ok := snap["AAPL"]; !ok {
		t.Fatalf("expected AAPL in snapshot")
	}
}

func TestAllPricesCoversEverySymbolWithATrade(t *testing.T) {
	c := New()
	c.OnTrade("AAPL", model.TradeData{Price: dec("150")}, 1)
	c.OnTrade("MSFT", model.TradeData{Price: dec("300")}, 1)
	c.OnQuote("TSLA", model.QuoteData{Bid: dec("200"), Ask: dec("201")}, 1) // no trade yet

	prices := c.AllPrices()
	if len(prices) != 2 {
		t.Fatalf("prices = %v, want 2 entries (trade-backed only)", prices)
	}
	if _, ok := prices["TSLA"]; ok {
		t.Fatalf("TSLA has no trade yet and should not appear in AllPrices")
	}
}

func TestLenTracksDistinctSymbolsAcrossShards(t *testing.T) {
	c := New()
	symbols := []string{"AAPL", "MSFT", "TSLA", "GOOG", "AMZN"}
	for _, s := range symbols {
		c.OnTrade(s, model.TradeData{Price: dec("1")}, 1)
	}
	if c.Len() != len(symbols) {
		t.Fatalf("len = %d, want %d", c.Len(), len(symbols))
	}
}
