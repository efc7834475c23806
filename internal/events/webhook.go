package events

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// WebhookSubscriber delivers events to one external HTTP endpoint,
// grounded on 0xtitan6-polymarket-mm's internal/exchange/client.go resty
// setup (base URL, timeout, bounded retry on 5xx). Unlike that client this
// one only ever POSTs outward; it never reads a response body.
type WebhookSubscriber struct {
	http *resty.Client
	url  string
}

// WebhookPayload is the JSON body posted for every delivered event.
type WebhookPayload struct {
	Type     Type   `json:"type"`
	MarketID string `json:"marketId"`

	TakerOrderID string `json:"takerOrderId,omitempty"`
	MakerOrderID string `json:"makerOrderId,omitempty"`
	Price        string `json:"price,omitempty"`
	Quantity     string `json:"quantity,omitempty"`

	TradeID string `json:"tradeId,omitempty"`

	OrderID    string `json:"orderId,omitempty"`
	Side       string `json:"side,omitempty"`
	Filled     string `json:"filled,omitempty"`
	Remaining  string `json:"remaining,omitempty"`
	IsComplete bool   `json:"isComplete,omitempty"`
}

func NewWebhookSubscriber(url string) *WebhookSubscriber {
	client := resty.New().
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})
	return &WebhookSubscriber{http: client, url: url}
}

// Handler adapts the subscriber to the Handler signature so it can be
// registered with Publisher.Subscribe for whichever Types the deployment
// wants delivered externally.
func (w *WebhookSubscriber) Handler(ctx context.Context) Handler {
	return func(e Event) error {
		payload := WebhookPayload{Type: e.Type, MarketID: e.MarketID}
		switch e.Type {
		case OrderMatch:
			payload.TakerOrderID = e.Match.TakerOrderID
			payload.MakerOrderID = e.Match.MakerOrderID
			payload.Price = e.Match.Price.String()
			payload.Quantity = e.Match.Quantity.String()
		case OrderFill:
			payload.OrderID = e.Fill.OrderID
			payload.Side = e.Fill.Side.String()
			payload.Price = e.Fill.Price.String()
			payload.Filled = e.Fill.Filled.String()
			payload.Remaining = e.Fill.Remaining.String()
			payload.IsComplete = e.Fill.IsComplete
		case TradeExecution:
			payload.TradeID = e.Trade.ID
			payload.Price = e.Trade.Price.String()
			payload.Quantity = e.Trade.Quantity.String()
		}

		resp, err := w.http.R().SetContext(ctx).SetBody(payload).Post(w.url)
		if err != nil {
			return fmt.Errorf("post webhook: %w", err)
		}
		if resp.StatusCode() >= 300 {
			return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode())
		}
		return nil
	}
}
