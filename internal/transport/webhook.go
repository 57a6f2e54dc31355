package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"titan/internal/core"
	"titan/internal/pipeline"
	appcli "titan/pkg/cli"
)

// webhookRequest is the wire shape of an inbound TradingView-style signal,
// per the documented webhook fields.
type webhookRequest struct {
	SignalID         string            `json:"signal_id"`
	Type             string            `json:"type"`
	Symbol           string            `json:"symbol"`
	Direction        int               `json:"direction"`
	Size             decimal.Decimal   `json:"size"`
	EntryZone        []decimal.Decimal `json:"entry_zone"`
	LimitPrice       decimal.Decimal   `json:"limit_price"`
	StopLoss         decimal.Decimal   `json:"stop_loss"`
	TakeProfits      []decimal.Decimal `json:"take_profits"`
	TriggerPrice     decimal.Decimal   `json:"trigger_price"`
	TriggerCondition string            `json:"trigger_condition"`
	Timeframe        string            `json:"timeframe"`
	Timestamp        int64             `json:"timestamp"`
	Close            bool              `json:"close"`
}

type webhookResponse struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
}

// handleWebhook verifies the inbound HMAC-SHA256 signature over the raw
// body, translates the payload into a pipeline.SignalPayload, and runs it
// synchronously so the response can carry the domain verdict. Per policy,
// every request that clears signature verification gets HTTP 200; only a
// bad signature returns 401.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !s.verifySignature(r, body) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(webhookResponse{Success: false, Reason: "invalid signature"})
		return
	}

	var req webhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusOK, webhookResponse{Success: false, Reason: "malformed payload"})
		return
	}

	if err := appcli.ValidateInput(req.SignalID); err != nil {
		writeJSON(w, http.StatusOK, webhookResponse{Success: false, Reason: "invalid signal_id"})
		return
	}
	if err := appcli.ValidateInput(req.Symbol); err != nil {
		writeJSON(w, http.StatusOK, webhookResponse{Success: false, Reason: "invalid symbol"})
		return
	}

	payload := toSignalPayload(req, s.cfg.ConfigMgr.Get().Broker.Name)
	if s.cfg.Funding != nil {
		if quote, ok := s.cfg.Funding.Funding(payload.Symbol); ok {
			payload.FundingRate = quote.Rate
			payload.PaymentsPerDay = quote.PaymentsPerDay
		}
	}
	outcome := s.cfg.Pipeline.ProcessSync(r.Context(), payload)

	writeJSON(w, http.StatusOK, webhookResponse{Success: outcome.Accepted, Reason: outcome.BlockReason})
}

// verifySignature checks the X-Signature header (hex HMAC-SHA256 of the raw
// body) against HMACSecret using a constant-time comparison.
func (s *Server) verifySignature(r *http.Request, body []byte) bool {
	sig := r.Header.Get("X-Signature")
	if sig == "" {
		return false
	}
	mac := hmac.New(sha256.New, s.cfg.HMACSecret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// toSignalPayload is the wire-to-domain translation the transport layer
// owns; it carries no decision logic of its own, only field mapping.
func toSignalPayload(req webhookRequest, exchange string) pipeline.SignalPayload {
	direction := core.DirectionLong
	if req.Direction < 0 {
		direction = core.DirectionShort
	}

	payload := pipeline.SignalPayload{
		SignalID:    req.SignalID,
		Symbol:      req.Symbol,
		SignalType:  strings.ToLower(req.Type),
		Exchange:    exchange,
		Direction:   direction,
		EntryZone:   req.EntryZone,
		StopLoss:    req.StopLoss,
		TakeProfits: req.TakeProfits,
		Size:        req.Size,
		TVPrice:     req.LimitPrice,
		AssetClass:  "crypto",
	}

	switch strings.ToUpper(req.Type) {
	case "PREPARE":
		payload.IsPrepare = true
	case "CONFIRM":
		payload.IsConfirm = true
	case "CLOSE", "CLOSE_LONG", "CLOSE_SHORT", "EXIT":
		payload.IsClose = true
		payload.CloseReason = core.CloseAPIClose
	case "STOP_LOSS":
		payload.IsClose = true
		payload.CloseReason = core.CloseStopLoss
	case "TAKE_PROFIT":
		payload.IsClose = true
		payload.CloseReason = core.CloseTakeProfit
	}
	if req.Close {
		payload.IsClose = true
		if payload.CloseReason == "" {
			payload.CloseReason = core.CloseAPIClose
		}
	}

	if req.TriggerCondition != "" {
		payload.TriggerThreshold, payload.TriggerDirection = parseTriggerCondition(req.TriggerCondition)
	} else if !req.TriggerPrice.IsZero() {
		payload.TriggerThreshold = req.TriggerPrice
		payload.TriggerDirection = pipeline.TriggerAbove
	}

	return payload
}

// parseTriggerCondition parses a "price > N" / "price < N" condition string
// into a threshold and comparison direction.
func parseTriggerCondition(cond string) (decimal.Decimal, pipeline.TriggerDirection) {
	fields := strings.Fields(cond)
	if len(fields) != 3 {
		return decimal.Zero, pipeline.TriggerAbove
	}
	threshold, err := decimal.NewFromString(fields[2])
	if err != nil {
		return decimal.Zero, pipeline.TriggerAbove
	}
	if fields[1] == "<" {
		return threshold, pipeline.TriggerBelow
	}
	return threshold, pipeline.TriggerAbove
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseIntParam(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
