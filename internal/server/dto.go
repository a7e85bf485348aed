package server

import (
	"caterline/internal/domain"
	"caterline/internal/engine"
)

type TrackingRunResponse struct {
	Success bool                    `json:"success"`
	Message string                  `json:"message"`
	Updated int                     `json:"updated"`
	Updates []engine.DeliveryUpdate `json:"updates,omitempty"`
	Errors  []engine.OrderError     `json:"errors,omitempty"`
}

type ProxyRequest struct {
	Operation  string               `json:"operation" example:"assignCourier"`
	DeliveryID string               `json:"deliveryId" example:"del_123"`
	Data       engine.OperationData `json:"data,omitempty"`
}

type ProxyResponse struct {
	Success    bool           `json:"success"`
	Operation  string         `json:"operation"`
	DeliveryID string         `json:"deliveryId"`
	Order      domain.Order   `json:"order"`
	Data       map[string]any `json:"data,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type CreateOrderRequest struct {
	OrderNumber         string  `json:"order_number"`
	ExternalDeliveryID  *string `json:"external_delivery_id,omitempty"`
	SourceSystem        string  `json:"source_system,omitempty"`
	CustomerName        string  `json:"customer_name,omitempty"`
	DeliveryAddress     string  `json:"delivery_address,omitempty"`
	DeliveryTime        string  `json:"delivery_time" example:"2026-09-01T18:30:00Z"`
	AutoTrackingEnabled bool    `json:"auto_tracking_enabled,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name    string `json:"name,omitempty"`
	ActorID string `json:"actor_id,omitempty"`
}

type APIKeyResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key"`
}
