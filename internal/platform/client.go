package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"caterline/internal/domain"
)

// Client talks to the third-party delivery platform's GraphQL endpoint.
// Upstream failures are normalized into Result rather than returned as
// errors, so callers can treat a failed side effect as data.
type Client struct {
	Endpoint   string
	Token      string
	HTTPClient *http.Client
}

// Result is the normalized outcome of one platform call.
type Result struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

var (
	ErrMissingDeliveryID = errors.New("delivery id required")
	ErrInvalidEventType  = errors.New("invalid courier event type")
)

func New(endpoint, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		Endpoint:   endpoint,
		Token:      token,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// EventInput describes a courier lifecycle event.
type EventInput struct {
	EventType string
	Timestamp time.Time
	Note      string
}

// GeoInput is a courier location ping.
type GeoInput struct {
	Latitude  float64
	Longitude float64
	Timestamp time.Time
}

// AssignCourier attaches a courier identity to a delivery.
func (c *Client) AssignCourier(ctx context.Context, deliveryID string, courier domain.Courier) (Result, error) {
	if strings.TrimSpace(deliveryID) == "" {
		return Result{}, ErrMissingDeliveryID
	}
	const mutation = `mutation AssignCourier($deliveryId: ID!, $name: String!, $phone: String) {
  assignDeliveryCourier(deliveryId: $deliveryId, courier: {name: $name, phone: $phone}) { id }
}`
	return c.mutate(ctx, mutation, map[string]any{
		"deliveryId": deliveryID,
		"name":       courier.Name,
		"phone":      courier.Phone,
	}), nil
}

// UnassignCourier detaches the courier from a delivery.
func (c *Client) UnassignCourier(ctx context.Context, deliveryID string) (Result, error) {
	if strings.TrimSpace(deliveryID) == "" {
		return Result{}, ErrMissingDeliveryID
	}
	const mutation = `mutation UnassignCourier($deliveryId: ID!) {
  unassignDeliveryCourier(deliveryId: $deliveryId) { id }
}`
	return c.mutate(ctx, mutation, map[string]any{"deliveryId": deliveryID}), nil
}

// CourierEvent emits a lifecycle event (picked_up, in_transit, delivered).
func (c *Client) CourierEvent(ctx context.Context, deliveryID string, in EventInput) (Result, error) {
	if strings.TrimSpace(deliveryID) == "" {
		return Result{}, ErrMissingDeliveryID
	}
	if !domain.ValidEventType(in.EventType) {
		return Result{}, fmt.Errorf("%w: %s", ErrInvalidEventType, in.EventType)
	}
	const mutation = `mutation CourierEvent($deliveryId: ID!, $eventType: CourierEventType!, $occurredAt: DateTime!, $note: String) {
  createCourierEvent(deliveryId: $deliveryId, eventType: $eventType, occurredAt: $occurredAt, note: $note) { id }
}`
	return c.mutate(ctx, mutation, map[string]any{
		"deliveryId": deliveryID,
		"eventType":  strings.ToUpper(in.EventType),
		"occurredAt": in.Timestamp.UTC().Format(time.RFC3339),
		"note":       in.Note,
	}), nil
}

// TrackingEvent reports a courier location ping.
func (c *Client) TrackingEvent(ctx context.Context, deliveryID string, in GeoInput) (Result, error) {
	if strings.TrimSpace(deliveryID) == "" {
		return Result{}, ErrMissingDeliveryID
	}
	const mutation = `mutation TrackingEvent($deliveryId: ID!, $latitude: Float!, $longitude: Float!, $occurredAt: DateTime!) {
  createTrackingEvent(deliveryId: $deliveryId, latitude: $latitude, longitude: $longitude, occurredAt: $occurredAt) { id }
}`
	return c.mutate(ctx, mutation, map[string]any{
		"deliveryId": deliveryID,
		"latitude":   in.Latitude,
		"longitude":  in.Longitude,
		"occurredAt": in.Timestamp.UTC().Format(time.RFC3339),
	}), nil
}

// UploadImage attaches a proof-of-delivery photo.
func (c *Client) UploadImage(ctx context.Context, deliveryID, imageBase64 string) (Result, error) {
	if strings.TrimSpace(deliveryID) == "" {
		return Result{}, ErrMissingDeliveryID
	}
	if imageBase64 == "" {
		return Result{}, errors.New("image payload required")
	}
	const mutation = `mutation UploadImage($deliveryId: ID!, $image: String!) {
  uploadDeliveryImage(deliveryId: $deliveryId, imageBase64: $image) { id url }
}`
	return c.mutate(ctx, mutation, map[string]any{
		"deliveryId": deliveryID,
		"image":      imageBase64,
	}), nil
}

// Reconfirm acknowledges the delivery roughly a day ahead of the promise.
func (c *Client) Reconfirm(ctx context.Context, deliveryID string) (Result, error) {
	if strings.TrimSpace(deliveryID) == "" {
		return Result{}, ErrMissingDeliveryID
	}
	const mutation = `mutation Reconfirm($deliveryId: ID!) {
  reconfirmDelivery(deliveryId: $deliveryId) { id }
}`
	return c.mutate(ctx, mutation, map[string]any{"deliveryId": deliveryID}), nil
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   map[string]any `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) mutate(ctx context.Context, query string, vars map[string]any) Result {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: vars})
	if err != nil {
		return Result{Error: fmt.Sprintf("encode request: %v", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{Error: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	res, err := httpClient.Do(req)
	if err != nil {
		return Result{Error: err.Error()}
	}
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return Result{Error: fmt.Sprintf("read response: %v", err)}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return Result{Error: fmt.Sprintf("status %d: %s", res.StatusCode, strings.TrimSpace(string(data)))}
	}
	var parsed graphqlResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Result{Error: fmt.Sprintf("decode response: %v", err)}
	}
	if len(parsed.Errors) > 0 {
		msgs := make([]string, len(parsed.Errors))
		for i, e := range parsed.Errors {
			msgs[i] = e.Message
		}
		return Result{Error: strings.Join(msgs, "; ")}
	}
	return Result{Success: true, Data: parsed.Data}
}
