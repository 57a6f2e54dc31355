package core

import "context"

// BrokerAdapter is the capability interface every concrete broker
// implementation must provide. The Gateway wraps one adapter instance with
// retries, timeouts, and idempotency; the adapter itself must be safe under
// concurrent calls since it is shared by all pipelines.
type BrokerAdapter interface {
	Name() string
	SendOrder(ctx context.Context, clientOrderID string, params OrderParams) (*OrderResult, error)
	GetPositions(ctx context.Context, symbol string) ([]Position, error)
	GetAccount(ctx context.Context) (*Account, error)
	CancelOrder(ctx context.Context, symbol, brokerOrderID string) error
	ClosePosition(ctx context.Context, symbol string) (*OrderResult, error)
	CloseAllPositions(ctx context.Context) error
	SetStopLoss(ctx context.Context, symbol string, price float64) error
	SetTakeProfit(ctx context.Context, symbol string, price float64) error
	TestConnection(ctx context.Context) error
	HealthCheck(ctx context.Context) error
}

// EventPublisher is the narrow slice of the Event Bus that domain components
// need: publish a typed event onto a topic. Kept here so Shadow State,
// Broker Gateway, and Reconciliation can depend on the interface without
// importing the eventbus package's full API.
type EventPublisher interface {
	Publish(topic string, event interface{})
}
