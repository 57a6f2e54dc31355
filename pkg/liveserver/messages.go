package liveserver

import "time"

// Message represents a WebSocket message pushed on /ws/status.
type Message struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Channel   string      `json:"channel"`
	Data      interface{} `json:"data"`
}

// MessageType constants for the /ws/status push. No daemon component
// broadcasts on the hub, so /ws/status clients receive none of these.
const (
	TypeOrderUpdate     = "ORDER_UPDATE"
	TypeOrderRejected   = "ORDER_REJECTED"
	TypeOrderCanceled   = "ORDER_CANCELED"
	TypePositionClosed  = "POSITION_CLOSED"
	TypeEmergencyFlatten = "EMERGENCY_FLATTEN"
	TypeStopLossUpdated = "STOP_LOSS_UPDATED"
	TypeTakeProfitUpdated = "TAKE_PROFIT_UPDATED"
	TypeCancelAll       = "CANCEL_ALL"
)
