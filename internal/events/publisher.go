// Package events implements the deferred event publication of spec §4.8:
// in-process pub/sub, queued during a matching call and flushed only after
// the controller's transaction has committed (C8), plus an optional
// webhook subscriber for external delivery.
//
// Handlers are kept as one handler set per event Type and are run
// synchronously, in queue order, on the goroutine that calls Flush. Events
// are queued first and flushed later so publication always happens after
// commit, never before or during it.
package events

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fenrir/internal/domain"
	"fenrir/internal/matching"
)

// Type names one of the event kinds spec §4.8 defines.
type Type string

const (
	OrderMatch     Type = "ORDER_MATCH"
	OrderFill      Type = "ORDER_FILL"
	TradeExecution Type = "TRADE_EXECUTION"
)

// Event is one published occurrence. Handlers type-switch or inspect
// Type to decide whether they care about it.
type Event struct {
	Type     Type
	MarketID string
	Match    matching.Match
	Trade    domain.Trade
	Fill     Fill
}

// Fill is an ORDER_FILL event's payload (spec §4.8): one side of one match,
// from the perspective of the order that was just filled.
type Fill struct {
	OrderID    string
	Side       domain.Side
	Filled     decimal.Decimal
	Remaining  decimal.Decimal
	Price      decimal.Decimal
	IsComplete bool
}

// Handler receives one event at a time. A handler's error is logged and
// never propagates back to the matching call that produced the event —
// spec §4.8 requires that subscriber failures cannot roll back a
// settlement that has already committed.
type Handler func(Event) error

// Publisher is the in-process event bus. Callers queue events during a
// matching call with Queue, then call Flush once the controller has
// committed; nothing is delivered to a handler before Flush runs.
type Publisher struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler

	queueMu sync.Mutex
	queue   []Event
}

func New() *Publisher {
	return &Publisher{handlers: make(map[Type][]Handler)}
}

// Subscribe registers h for every event of the given type.
func (p *Publisher) Subscribe(t Type, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[t] = append(p.handlers[t], h)
}

// Queue stages an event for delivery on the next Flush. Safe to call from
// inside the matching transaction since nothing is delivered yet.
func (p *Publisher) Queue(e Event) {
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	p.queue = append(p.queue, e)
}

// Flush delivers every queued event to its type's handlers, in queue
// order, then clears the queue. Call this only after the owning
// transaction has committed.
func (p *Publisher) Flush() {
	p.queueMu.Lock()
	pending := p.queue
	p.queue = nil
	p.queueMu.Unlock()

	for _, e := range pending {
		p.dispatch(e)
	}
}

func (p *Publisher) dispatch(e Event) {
	p.mu.RLock()
	handlers := p.handlers[e.Type]
	p.mu.RUnlock()

	for _, h := range handlers {
		if err := h(e); err != nil {
			log.Error().Err(err).Str("eventType", string(e.Type)).Str("marketId", e.MarketID).Msg("event handler failed")
		}
	}
}
