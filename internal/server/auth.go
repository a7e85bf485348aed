package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"caterline/internal/repo"
)

// AuthConfig controls request authentication.
type AuthConfig struct {
	// JWTSecret enables Bearer token auth when non-empty.
	JWTSecret string
	// AllowLegacyActorHeader accepts a bare X-Actor-Id header. Meant for
	// local development only.
	AllowLegacyActorHeader bool
}

// Principal is the authenticated caller.
type Principal struct {
	ActorID string
	Source  string // "jwt", "apikey" or "header"
}

type principalKey struct{}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorIDFromContext(ctx context.Context) (string, error) {
	p, ok := principalFromContext(ctx)
	if !ok || p.ActorID == "" {
		return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	return p.ActorID, nil
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	exempt := map[string]bool{
		path.Join(basePath, "health"):       true,
		path.Join(basePath, "openapi.json"): true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if exempt[req.URL.Path] || !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			p, err := authenticate(req, cfg, r)
			if err != nil {
				writeAuthError(w, err.Error())
				return
			}
			ctx := context.WithValue(req.Context(), principalKey{}, p)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func authenticate(req *http.Request, cfg AuthConfig, r repo.Repo) (Principal, error) {
	if auth := req.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		if cfg.JWTSecret == "" {
			return Principal{}, fmt.Errorf("bearer auth not configured")
		}
		raw := strings.TrimPrefix(auth, "Bearer ")
		claims := jwt.MapClaims{}
		tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(cfg.JWTSecret), nil
		})
		if err != nil || !tok.Valid {
			return Principal{}, fmt.Errorf("invalid token")
		}
		sub, _ := claims["sub"].(string)
		if sub == "" {
			return Principal{}, fmt.Errorf("token missing subject")
		}
		return Principal{ActorID: sub, Source: "jwt"}, nil
	}

	if key := req.Header.Get("X-Api-Key"); key != "" {
		ak, err := r.GetAPIKeyByHash(req.Context(), repo.HashAPIKey(key))
		if err != nil {
			return Principal{}, fmt.Errorf("invalid api key")
		}
		return Principal{ActorID: ak.ActorID, Source: "apikey"}, nil
	}

	if cfg.AllowLegacyActorHeader {
		if actor := req.Header.Get("X-Actor-Id"); actor != "" {
			return Principal{ActorID: actor, Source: "header"}, nil
		}
	}

	return Principal{}, fmt.Errorf("authentication required")
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]any{
		"error": apiErrorBody{Code: "unauthorized", Message: msg},
	})
}
