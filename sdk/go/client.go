package caterlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Caterline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Order represents the API order model (partial).
type Order struct {
	ID                 string  `json:"id"`
	OrderNumber        string  `json:"order_number"`
	ExternalDeliveryID *string `json:"external_delivery_id,omitempty"`
	SourceSystem       string  `json:"source_system"`
	CustomerName       string  `json:"customer_name"`
	DeliveryAddress    string  `json:"delivery_address"`
	DeliveryTime       string  `json:"delivery_time"`
	DeliveryStatus     string  `json:"delivery_status"`
	CourierName        *string `json:"courier_name,omitempty"`
	CourierPhone       *string `json:"courier_phone,omitempty"`
}

// TrackingEvent represents one tracking log entry.
type TrackingEvent struct {
	ID        int64   `json:"id"`
	OrderID   string  `json:"order_id"`
	TS        string  `json:"ts"`
	Status    *string `json:"status,omitempty"`
	Operation *string `json:"operation,omitempty"`
	EventType *string `json:"event_type,omitempty"`
	Auto      bool    `json:"auto"`
	Note      string  `json:"note,omitempty"`
}

// DeliveryUpdate describes one status transition from a tracking run.
type DeliveryUpdate struct {
	OrderID              string `json:"order_id"`
	OrderNumber          string `json:"order_number"`
	OldStatus            string `json:"old_status"`
	NewStatus            string `json:"new_status"`
	MinutesUntilDelivery int    `json:"minutes_until_delivery"`
}

// TrackingRun is the summary returned by the tracking trigger.
type TrackingRun struct {
	Success bool             `json:"success"`
	Message string           `json:"message"`
	Updated int              `json:"updated"`
	Updates []DeliveryUpdate `json:"updates,omitempty"`
	Errors  []struct {
		OrderID string `json:"order_id"`
		Error   string `json:"error"`
	} `json:"errors,omitempty"`
}

// ProxyResult is the response to a pass-through courier operation.
type ProxyResult struct {
	Success    bool           `json:"success"`
	Operation  string         `json:"operation"`
	DeliveryID string         `json:"deliveryId"`
	Order      Order          `json:"order"`
	Data       map[string]any `json:"data,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RunTracking triggers one automated tracking pass.
func (c *Client) RunTracking(ctx context.Context) (TrackingRun, error) {
	var resp TrackingRun
	err := c.do(ctx, http.MethodPost, "v0/tracking/run", nil, &resp)
	return resp, err
}

// Proxy passes one courier operation through to the delivery platform.
func (c *Client) Proxy(ctx context.Context, operation, deliveryID string, data map[string]any) (ProxyResult, error) {
	body := map[string]any{
		"operation":  operation,
		"deliveryId": deliveryID,
	}
	if data != nil {
		body["data"] = data
	}
	var resp ProxyResult
	err := c.do(ctx, http.MethodPost, "v0/deliveries/proxy", body, &resp)
	return resp, err
}

// CreateOrder ingests a catering order.
func (c *Client) CreateOrder(ctx context.Context, order Order) (Order, error) {
	body := map[string]any{
		"order_number":          order.OrderNumber,
		"source_system":         order.SourceSystem,
		"customer_name":         order.CustomerName,
		"delivery_address":      order.DeliveryAddress,
		"delivery_time":         order.DeliveryTime,
		"auto_tracking_enabled": true,
	}
	if order.ExternalDeliveryID != nil {
		body["external_delivery_id"] = *order.ExternalDeliveryID
	}
	var resp Order
	err := c.do(ctx, http.MethodPost, "v0/orders", body, &resp)
	return resp, err
}

// ListOrders lists orders, optionally filtered by status.
func (c *Client) ListOrders(ctx context.Context, status string) ([]Order, error) {
	endpoint := "v0/orders"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Order
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetOrder fetches one order by id.
func (c *Client) GetOrder(ctx context.Context, id string) (Order, error) {
	var resp Order
	err := c.do(ctx, http.MethodGet, "v0/orders/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// OrderEvents returns an order's tracking log, oldest first.
func (c *Client) OrderEvents(ctx context.Context, id string) ([]TrackingEvent, error) {
	var resp []TrackingEvent
	err := c.do(ctx, http.MethodGet, "v0/orders/"+url.PathEscape(id)+"/events", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
