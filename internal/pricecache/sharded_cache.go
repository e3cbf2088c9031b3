// Package pricecache serves the "current price" side of the vendor
// adapter surface: get_latest_trade, get_latest_quote, and get_snapshot
// per spec.md §6. It keeps the teacher's pkg/cache.ShardedPriceCache
// FNV-sharded layout (16 shards, per-shard RWMutex) but replaces its
// float64 price entries with the session's decimal-typed last trade
// and last quote, since the cost model downstream must never touch a
// native float for money.
package pricecache

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"broker-sim/internal/model"
)

const numShards = 16

// Snapshot is the latest known trade and quote for one symbol.
type Snapshot struct {
	Symbol       string
	LastTrade    model.TradeData
	HasTrade     bool
	LastQuote    model.QuoteData
	HasQuote     bool
	LastUpdateNs int64
	UpdatedAt    time.Time
}

// ShardedPriceCache is a sharded, concurrency-safe map of the latest
// trade/quote per symbol.
type ShardedPriceCache struct {
	shards [numShards]*priceShard
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]Snapshot
}

// New creates an empty ShardedPriceCache.
func New() *ShardedPriceCache {
	c := &ShardedPriceCache{}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{items: make(map[string]Snapshot)}
	}
	return c
}

func (c *ShardedPriceCache) getShard(symbol string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return c.shards[h.Sum32()%numShards]
}

// OnTrade records a printed trade as the symbol's latest.
func (c *ShardedPriceCache) OnTrade(symbol string, trade model.TradeData, nowNs int64) {
	shard := c.getShard(symbol)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	snap := shard.items[symbol]
	snap.Symbol = symbol
	snap.LastTrade = trade
	snap.HasTrade = true
	snap.LastUpdateNs = nowNs
	snap.UpdatedAt = time.Now()
	shard.items[symbol] = snap
}

// OnQuote records a quote update as the symbol's latest.
func (c *ShardedPriceCache) OnQuote(symbol string, quote model.QuoteData, nowNs int64) {
	shard := c.getShard(symbol)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	snap := shard.items[symbol]
	snap.Symbol = symbol
	snap.LastQuote = quote
	snap.HasQuote = true
	snap.LastUpdateNs = nowNs
	snap.UpdatedAt = time.Now()
	shard.items[symbol] = snap
}

// LatestTrade implements get_latest_trade(symbol).
func (c *ShardedPriceCache) LatestTrade(symbol string) (model.TradeData, bool) {
	shard := c.getShard(symbol)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	snap, ok := shard.items[symbol]
	if !ok || !snap.HasTrade {
		return model.TradeData{}, false
	}
	return snap.LastTrade, true
}

// LatestQuote implements get_latest_quote(symbol).
func (c *ShardedPriceCache) LatestQuote(symbol string) (model.QuoteData, bool) {
	shard := c.getShard(symbol)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	snap, ok := shard.items[symbol]
	if !ok || !snap.HasQuote {
		return model.QuoteData{}, false
	}
	return snap.LastQuote, true
}

// LastPrice returns the best-known reference price for a symbol (last
// trade, falling back to quote midpoint), used by the matching
// engine's admission-time notional estimate.
func (c *ShardedPriceCache) LastPrice(symbol string) decimal.Decimal {
	shard := c.getShard(symbol)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	snap, ok := shard.items[symbol]
	if !ok {
		return decimal.Zero
	}
	if snap.HasTrade {
		return snap.LastTrade.Price
	}
	if snap.HasQuote {
		return snap.LastQuote.Bid.Add(snap.LastQuote.Ask).Div(decimal.NewFromInt(2))
	}
	return decimal.Zero
}

// Snapshot implements get_snapshot(symbols): the latest trade and
// quote known for each requested symbol.
func (c *ShardedPriceCache) Snapshot(symbols []string) map[string]Snapshot {
	out := make(map[string]Snapshot, len(symbols))
	for _, sym := range symbols {
		shard := c.getShard(sym)
		shard.mu.RLock()
		snap, ok := shard.items[sym]
		shard.mu.RUnlock()
		if ok {
			out[sym] = snap
		}
	}
	return out
}

// AllPrices returns the reference price for every cached symbol, used
// by the ledger's mark-to-market pass.
func (c *ShardedPriceCache) AllPrices() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, shard := range c.shards {
		shard.mu.RLock()
		for sym, snap := range shard.items {
			if snap.HasTrade {
				out[sym] = snap.LastTrade.Price
			}
		}
		shard.mu.RUnlock()
	}
	return out
}

// Len returns the total number of cached symbols across all shards.
func (c *ShardedPriceCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}
