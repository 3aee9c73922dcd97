package notifier

import (
	"time"
)

// EventKind classifies what a notification is about.
type EventKind string

const (
	EventSignalDetected    EventKind = "signal_detected"
	EventOrderExecuted     EventKind = "order_executed"
	EventOrderFailed       EventKind = "order_failed"
	EventOrderSkipped      EventKind = "order_skipped"
	EventLiquidationWarn   EventKind = "liquidation_warning"
	EventLiquidationClose  EventKind = "liquidation_close"   // emergency close attempted
	EventCloseFailed       EventKind = "close_failed"        // emergency close did not go through
	EventStrategyStopped   EventKind = "strategy_stopped"
)

// Event carries everything needed to render one alert. Fields not relevant
// to a given kind stay zero.
type Event struct {
	Kind EventKind

	// Wallet / strategy context
	Wallet     string
	StrategyID string

	// Signal info
	Action   string // BUY or SELL
	Asset    string
	SignalID string
	ValueUSD float64

	// Order info
	InstID     string
	Side       string
	PosSide    string
	Size       string // decimal string as sent to the venue
	Leverage   int
	ReduceOnly bool
	OrderID    string

	// Liquidation info
	MarkPrice     float64
	LiqPrice      float64
	ProximityPct  float64 // 0-100, distance ratio as a percentage
	PositionValue float64

	// Failure detail
	Reason string

	Timestamp time.Time
}

// Notifier delivers events to one channel.
type Notifier interface {
	// Send delivers one event. Implementations log and swallow delivery
	// failures; alerting must never take the trading loop down.
	Send(event Event)

	// Close cleans up any resources.
	Close() error
}

// MultiNotifier broadcasts events to multiple notifiers.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a new MultiNotifier with the given notifiers.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	// Filter out nil notifiers
	var active []Notifier
	for _, n := range notifiers {
		if n != nil {
			active = append(active, n)
		}
	}
	return &MultiNotifier{notifiers: active}
}

// Send delivers the event to all registered notifiers.
func (m *MultiNotifier) Send(event Event) {
	for _, n := range m.notifiers {
		n.Send(event)
	}
}

// Close closes all registered notifiers.
func (m *MultiNotifier) Close() error {
	var lastErr error
	for _, n := range m.notifiers {
		if err := n.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Count returns the number of active notifiers.
func (m *MultiNotifier) Count() int {
	return len(m.notifiers)
}
