package marketdata

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"titan/internal/core"
)

// tick is the wire shape of one exchange market-data message. Real feeds
// multiplex several channels over one socket; Channel picks which cache
// table a message updates.
type tick struct {
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`

	// channel == "book"
	Bids [][2]decimal.Decimal `json:"bids"`
	Asks [][2]decimal.Decimal `json:"asks"`

	// channel == "regime"
	RegimeState          int     `json:"regime_state"`
	MarketStructureScore float64 `json:"market_structure_score"`
	MomentumScore        float64 `json:"momentum_score"`
	Hurst                float64 `json:"hurst"`
	Entropy              float64 `json:"entropy"`
	VPIN                 float64 `json:"vpin"`
	ModelRecommendation  string  `json:"model_recommendation"`

	// channel == "price"
	MarkPrice decimal.Decimal `json:"mark_price"`
}

// Handler returns a pkg/websocket.MessageHandler that decodes each inbound
// tick and applies it to the cache. Malformed messages are logged and
// dropped; one bad message must never take down the feed goroutine.
func (c *Cache) Handler() func([]byte) {
	return func(raw []byte) {
		var t tick
		if err := json.Unmarshal(raw, &t); err != nil {
			if c.logger != nil {
				c.logger.Warn("marketdata: dropping malformed tick", "error", err)
			}
			return
		}
		if t.Symbol == "" {
			return
		}

		switch t.Channel {
		case "book":
			c.UpdateBook(core.OrderBookSnapshot{
				Symbol: t.Symbol,
				Bids:   toLevels(t.Bids),
				Asks:   toLevels(t.Asks),
			})
		case "regime":
			c.UpdateRegime(core.RegimeVector{
				Symbol:               t.Symbol,
				RegimeState:          t.RegimeState,
				MarketStructureScore: t.MarketStructureScore,
				MomentumScore:        t.MomentumScore,
				Hurst:                t.Hurst,
				Entropy:              t.Entropy,
				VPIN:                 t.VPIN,
				ModelRecommendation:  core.ModelRecommendation(t.ModelRecommendation),
			})
		case "price":
			c.UpdatePrice(t.Symbol, t.MarkPrice)
		default:
			if c.logger != nil {
				c.logger.Warn("marketdata: unknown tick channel", "channel", t.Channel)
			}
		}
	}
}

func toLevels(raw [][2]decimal.Decimal) []core.OrderBookLevel {
	if raw == nil {
		return nil
	}
	levels := make([]core.OrderBookLevel, len(raw))
	for i, pair := range raw {
		levels[i] = core.OrderBookLevel{Price: pair[0], Qty: pair[1]}
	}
	return levels
}
