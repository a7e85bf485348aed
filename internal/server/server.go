package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"caterline/internal/domain"
	"caterline/internal/engine"
	"caterline/internal/platform"
	"caterline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"deliveryId is required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// Server is the API handler together with the background webhook delivery
// it owns. Shutting down the HTTP listener is the caller's job; Close only
// stops the delivery loop.
type Server struct {
	http.Handler
	stopWebhooks func()
	closeOnce    sync.Once
}

// Close stops background webhook delivery. Safe to call more than once.
func (s *Server) Close() {
	s.closeOnce.Do(s.stopWebhooks)
}

// New returns the Caterline API server.
func New(cfg Config) (*Server, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Caterline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerTracking(group, cfg.Engine)
	registerProxy(group, cfg.Engine)
	registerOrders(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return &Server{
		Handler:      router,
		stopWebhooks: startWebhookDispatcher(cfg.Engine),
	}, nil
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ue engine.UpstreamError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusInternalServerError, "upstream_error", err.Error(), map[string]any{"operation": ue.Operation})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, platform.ErrMissingDeliveryID),
		errors.Is(err, platform.ErrInvalidEventType),
		errors.Is(err, engine.ErrUnknownOperation):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Order counts by delivery status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		counts, err := e.Repo.CountOrdersByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"restaurant":   e.Config.Restaurant.Name,
			"order_counts": counts,
		}}, nil
	})
}

func registerTracking(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-tracking",
		Method:      http.MethodPost,
		Path:        "/tracking/run",
		Summary:     "Run one automated tracking pass",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TrackingRunResponse `json:"body"`
	}, error) {
		sum, err := e.RunAutoTracking(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		msg := fmt.Sprintf("updated %d order(s)", sum.Updated)
		if len(sum.Errors) > 0 {
			msg = fmt.Sprintf("%s, %d error(s)", msg, len(sum.Errors))
		}
		return &struct {
			Body TrackingRunResponse `json:"body"`
		}{Body: TrackingRunResponse{
			Success: true,
			Message: msg,
			Updated: sum.Updated,
			Updates: sum.Updates,
			Errors:  sum.Errors,
		}}, nil
	})
}

func registerProxy(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "delivery-proxy",
		Method:      http.MethodPost,
		Path:        "/deliveries/proxy",
		Summary:     "Pass a courier operation through to the delivery platform",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ProxyRequest `json:"body"`
	}) (*struct {
		Body ProxyResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.DeliveryID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "deliveryId is required", nil)
		}
		if !engine.ValidOperation(input.Body.Operation) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request",
				fmt.Sprintf("unknown operation %q", input.Body.Operation), nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.ApplyOperation(ctx, engine.OperationOptions{
			Operation:  input.Body.Operation,
			DeliveryID: input.Body.DeliveryID,
			Data:       input.Body.Data,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProxyResponse `json:"body"`
		}{Body: ProxyResponse{
			Success:    true,
			Operation:  out.Operation,
			DeliveryID: out.DeliveryID,
			Order:      out.Order,
			Data:       out.Data,
		}}, nil
	})
}

func registerOrders(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-order",
		Method:        http.MethodPost,
		Path:          "/orders",
		Summary:       "Ingest a catering order",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateOrderRequest `json:"body"`
	}) (*struct {
		Body domain.Order `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.OrderNumber == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "order_number is required", nil)
		}
		deliveryTime, err := domain.NormalizeTime(input.Body.DeliveryTime)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "delivery_time must be RFC3339", nil)
		}
		now := time.Now().UTC().Format(time.RFC3339)
		o := domain.Order{
			ID:                  uuid.New().String(),
			OrderNumber:         input.Body.OrderNumber,
			ExternalDeliveryID:  input.Body.ExternalDeliveryID,
			SourceSystem:        input.Body.SourceSystem,
			CustomerName:        input.Body.CustomerName,
			DeliveryAddress:     input.Body.DeliveryAddress,
			DeliveryTime:        deliveryTime,
			DeliveryStatus:      domain.StatusPending,
			AutoTrackingEnabled: input.Body.AutoTrackingEnabled,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		if o.SourceSystem == "" {
			o.SourceSystem = e.Config.Platform.Source
		}
		if err := e.Repo.InsertOrder(ctx, o); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Order `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-orders",
		Method:      http.MethodGet,
		Path:        "/orders",
		Summary:     "List orders",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Source string `query:"source"`
	}) (*struct {
		Body []domain.Order `json:"body"`
	}, error) {
		items, err := e.Repo.ListOrders(ctx, repo.OrderFilters{Status: input.Status, Source: input.Source})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Order `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-order",
		Method:      http.MethodGet,
		Path:        "/orders/{order_id}",
		Summary:     "Get order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrderID string `path:"order_id"`
	}) (*struct {
		Body domain.Order `json:"body"`
	}, error) {
		o, err := e.Repo.GetOrder(ctx, input.OrderID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Order `json:"body"`
		}{Body: o}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-order-events",
		Method:      http.MethodGet,
		Path:        "/orders/{order_id}/events",
		Summary:     "Order tracking log, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrderID string `path:"order_id"`
	}) (*struct {
		Body []domain.TrackingEvent `json:"body"`
	}, error) {
		if _, err := e.Repo.GetOrder(ctx, input.OrderID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTrackingEvents(ctx, input.OrderID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TrackingEvent `json:"body"`
		}{Body: items}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-apikey",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ActorID != "" {
			actorID = input.Body.ActorID
		}
		secret := uuid.New().String()
		key := domain.APIKey{
			ID:      uuid.New().String(),
			ActorID: actorID,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(secret),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{ID: key.ID, ActorID: key.ActorID, Name: key.Name, Key: secret}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-apikeys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: keys}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-apikey",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Delete API key",
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}
