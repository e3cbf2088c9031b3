package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
)

// TickRow is one raw trade row as stored in the columnar tick table.
type TickRow struct {
	Symbol       string
	TimestampNs  int64
	Seq          uint64
	Price        decimal.Decimal
	Size         uint32
	Conditions   string
	Exchange     uint8
	SipTsNs      int64
	OpeningCross bool
	ClosingCross bool
}

// QuoteRow is one raw NBBO quote row.
type QuoteRow struct {
	Symbol      string
	TimestampNs int64
	Seq         uint64
	Bid         decimal.Decimal
	BidSize     uint32
	Ask         decimal.Decimal
	AskSize     uint32
}

// BarRow is one raw aggregated bar row.
type BarRow struct {
	Symbol                 string
	TimestampNs            int64
	Seq                    uint64
	Open, High, Low, Close decimal.Decimal
	Volume                 uint64
	VWAP                   decimal.Decimal
	StartNs, EndNs         int64
}

// TickStore is the read-only columnar store query surface the
// DataSource replays from, following the teacher's read-path service
// shape in internal/data/historical.go.
type TickStore struct {
	db *sql.DB
}

// NewTickStore wraps db for tick/quote/bar queries.
func NewTickStore(database *Database) *TickStore {
	return &TickStore{db: database.DB}
}

// QueryTicks returns trades for symbols within [startNs, endNs),
// ordered by (ts_ns, seq), restartable from a cursor by passing it as
// startNs/startSeq.
func (s *TickStore) QueryTicks(ctx context.Context, symbols []string, startNs, endNs int64, startSeq uint64, limit int) ([]TickRow, error) {
	query, args := buildRangeQuery("ticks", symbols, startNs, endNs, startSeq, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ticks: %w", err)
	}
	defer rows.Close()

	var out []TickRow
	for rows.Next() {
		var (
			r          TickRow
			priceStr   string
			conditions sql.NullString
			openCross  int
			closeCross int
		)
		if err := rows.Scan(&r.Symbol, &r.TimestampNs, &r.Seq, &priceStr, &r.Size, &conditions, &r.Exchange, &r.SipTsNs, &openCross, &closeCross); err != nil {
			return nil, fmt.Errorf("scan tick: %w", err)
		}
		r.Price = decimal.RequireFromString(priceStr)
		r.Conditions = conditions.String
		r.OpeningCross = openCross != 0
		r.ClosingCross = closeCross != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// QueryQuotes returns quotes for symbols within the given range.
func (s *TickStore) QueryQuotes(ctx context.Context, symbols []string, startNs, endNs int64, startSeq uint64, limit int) ([]QuoteRow, error) {
	query, args := buildRangeQuery("quotes", symbols, startNs, endNs, startSeq, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query quotes: %w", err)
	}
	defer rows.Close()

	var out []QuoteRow
	for rows.Next() {
		var r QuoteRow
		var bid, ask string
		if err := rows.Scan(&r.Symbol, &r.TimestampNs, &r.Seq, &bid, &r.BidSize, &ask, &r.AskSize); err != nil {
			return nil, fmt.Errorf("scan quote: %w", err)
		}
		r.Bid = decimal.RequireFromString(bid)
		r.Ask = decimal.RequireFromString(ask)
		out = append(out, r)
	}
	return out, rows.Err()
}

// QueryBars returns bars for symbols within the given range.
func (s *TickStore) QueryBars(ctx context.Context, symbols []string, startNs, endNs int64, startSeq uint64, limit int) ([]BarRow, error) {
	query, args := buildRangeQuery("bars", symbols, startNs, endNs, startSeq, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	defer rows.Close()

	var out []BarRow
	for rows.Next() {
		var r BarRow
		var o, h, l, c, vwap string
		if err := rows.Scan(&r.Symbol, &r.TimestampNs, &r.Seq, &o, &h, &l, &c, &r.Volume, &vwap, &r.StartNs, &r.EndNs); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		r.Open, r.High, r.Low, r.Close = decimal.RequireFromString(o), decimal.RequireFromString(h), decimal.RequireFromString(l), decimal.RequireFromString(c)
		r.VWAP = decimal.RequireFromString(vwap)
		out = append(out, r)
	}
	return out, rows.Err()
}

func buildRangeQuery(table string, symbols []string, startNs, endNs int64, startSeq uint64, limit int) (string, []any) {
	placeholders := ""
	args := []any{}
	for i, sym := range symbols {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, sym)
	}
	query := fmt.Sprintf(`
		SELECT * FROM %s
		WHERE symbol IN (%s)
		  AND (ts_ns > ? OR (ts_ns = ? AND seq > ?))
		  AND ts_ns < ?
		ORDER BY ts_ns ASC, seq ASC
		LIMIT ?
	`, table, placeholders)
	args = append(args, startNs, startNs, startSeq, endNs, limit)
	return query, args
}
