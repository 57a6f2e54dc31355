package transport

import (
	"net/url"
	"time"

	"titan/internal/store"
)

// storeTradeFilterFromQuery translates GET /api/trades query params into a
// store.TradeFilter. Unparseable dates are treated as unset rather than
// rejected, since this is a read-only convenience route.
func storeTradeFilterFromQuery(q url.Values) store.TradeFilter {
	filter := store.TradeFilter{
		Symbol: q.Get("symbol"),
		Limit:  parseIntParam(q.Get("limit"), 0),
	}
	if v := q.Get("start_date"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			filter.StartDate = t
		}
	}
	if v := q.Get("end_date"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			filter.EndDate = t
		}
	}
	return filter
}
