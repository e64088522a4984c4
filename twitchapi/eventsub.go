package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Redemption subscription types handled by the service.
const (
	TypeRedemptionAdd    = "channel.channel_points_custom_reward_redemption.add"
	TypeRedemptionUpdate = "channel.channel_points_custom_reward_redemption.update"
)

// TransportWebSocket is the EventSub transport method for socket sessions.
const TransportWebSocket = "websocket"

// maxListPages guards against a server that never stops returning cursors.
const maxListPages = 100

// Condition scopes a subscription to one broadcaster.
type Condition struct {
	BroadcasterUserID string `json:"broadcaster_user_id"`
}

// Transport binds a subscription to a delivery channel.
type Transport struct {
	Method    string `json:"method"`
	SessionID string `json:"session_id,omitempty"`
}

// Subscription is a remote EventSub subscription.
type Subscription struct {
	CreatedAt time.Time `json:"created_at"`
	Condition Condition `json:"condition"`
	Transport Transport `json:"transport"`
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Version   string    `json:"version"`
	Status    string    `json:"status"`
}

// CreateSubscriptionRequest is the POST body for a new subscription.
type CreateSubscriptionRequest struct {
	Condition Condition `json:"condition"`
	Transport Transport `json:"transport"`
	Type      string    `json:"type"`
	Version   string    `json:"version"`
}

// CreateSubscription registers a subscription.
func (hc *HelixClient) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*Subscription, error) {
	if req.Type == "" || req.Transport.Method == "" {
		return nil, errors.New("subscription type and transport required")
	}
	var body struct {
		Data []Subscription `json:"data"`
	}
	if err := hc.do(ctx, http.MethodPost, "/eventsub/subscriptions", nil, req, &body); err != nil {
		return nil, fmt.Errorf("create %s: %w", req.Type, err)
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("create %s: empty response", req.Type)
	}
	return &body.Data[0], nil
}

// ListSubscriptions returns every subscription, following pagination cursors.
func (hc *HelixClient) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	var out []Subscription
	after := ""
	for page := 0; page < maxListPages; page++ {
		q := url.Values{}
		if after != "" {
			q.Set("after", after)
		}
		var body struct {
			Data       []Subscription `json:"data"`
			Pagination struct {
				Cursor string `json:"cursor"`
			} `json:"pagination"`
		}
		if err := hc.do(ctx, http.MethodGet, "/eventsub/subscriptions", q, nil, &body); err != nil {
			return out, fmt.Errorf("list subscriptions: %w", err)
		}
		out = append(out, body.Data...)
		if body.Pagination.Cursor == "" || body.Pagination.Cursor == after {
			return out, nil
		}
		after = body.Pagination.Cursor
	}
	return out, fmt.Errorf("list subscriptions: more than %d pages", maxListPages)
}

// DeleteSubscription removes a subscription by id.
func (hc *HelixClient) DeleteSubscription(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("subscription id empty")
	}
	q := url.Values{}
	q.Set("id", id)
	if err := hc.do(ctx, http.MethodDelete, "/eventsub/subscriptions", q, nil, nil); err != nil {
		return fmt.Errorf("delete subscription %s: %w", id, err)
	}
	return nil
}
