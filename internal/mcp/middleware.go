package mcp

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

type contextKey int

const (
	actorIDKey contextKey = iota
	sessionIDKey
)

// getActorID extracts the authenticated user from context.
func getActorID(ctx context.Context) string {
	v, _ := ctx.Value(actorIDKey).(string)
	return v
}

// getSessionID extracts the collaboration session ID from context.
func getSessionID(ctx context.Context) string {
	v, _ := ctx.Value(sessionIDKey).(string)
	return v
}

// ActorResolver resolves the calling user from a bearer token.
type ActorResolver interface {
	ResolveActor(ctx context.Context, token string) (string, error)
}

// ErrUnknownToken is returned by StaticTokens for tokens it doesn't hold.
var ErrUnknownToken = errors.New("unknown token")

// StaticTokens maps bearer tokens to user IDs.
type StaticTokens map[string]string

func (s StaticTokens) ResolveActor(_ context.Context, token string) (string, error) {
	for known, actor := range s {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return actor, nil
		}
	}
	return "", ErrUnknownToken
}

// authMiddleware implements bearer token authentication as MCP middleware.
func authMiddleware(resolver ActorResolver) sdkmcp.Middleware {
	return func(next sdkmcp.MethodHandler) sdkmcp.MethodHandler {
		return func(ctx context.Context, method string, req sdkmcp.Request) (sdkmcp.Result, error) {
			// Skip auth for protocol methods
			if method == "initialize" || method == "ping" || strings.HasPrefix(method, "notifications/") {
				return next(ctx, method, req)
			}

			extra := req.GetExtra()
			if extra == nil || extra.Header == nil {
				return nil, fmt.Errorf("unauthorized: missing headers")
			}

			auth := extra.Header.Get("Authorization")
			token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
			if token == "" {
				return nil, fmt.Errorf("unauthorized: missing bearer token")
			}

			actorID, err := resolver.ResolveActor(ctx, token)
			if err != nil {
				return nil, fmt.Errorf("unauthorized: %w", err)
			}
			if actorID == "" {
				return nil, fmt.Errorf("unauthorized: invalid bearer token")
			}

			ctx = context.WithValue(ctx, actorIDKey, actorID)
			return next(ctx, method, req)
		}
	}
}

// noAuthMiddleware injects a default actor when auth is disabled.
func noAuthMiddleware(defaultActor string) sdkmcp.Middleware {
	return func(next sdkmcp.MethodHandler) sdkmcp.MethodHandler {
		return func(ctx context.Context, method string, req sdkmcp.Request) (sdkmcp.Result, error) {
			ctx = context.WithValue(ctx, actorIDKey, defaultActor)
			return next(ctx, method, req)
		}
	}
}

// sessionMiddleware takes the collaboration session from the
// Accord-Session-Id header (HTTP) or _meta.session_id (stdio).
func sessionMiddleware() sdkmcp.Middleware {
	return func(next sdkmcp.MethodHandler) sdkmcp.MethodHandler {
		return func(ctx context.Context, method string, req sdkmcp.Request) (sdkmcp.Result, error) {
			var sessionID string

			extra := req.GetExtra()
			if extra != nil && extra.Header != nil {
				sessionID = extra.Header.Get("Accord-Session-Id")
			}

			// Some notifications (like "initialized") have nil params.
			if sessionID == "" {
				if params := req.GetParams(); params != nil {
					// GetMeta panics on a typed nil params value.
					func() {
						defer func() { recover() }()
						if meta := params.GetMeta(); meta != nil {
							if sid, ok := meta["session_id"].(string); ok {
								sessionID = sid
							}
						}
					}()
				}
			}

			if sessionID != "" {
				ctx = context.WithValue(ctx, sessionIDKey, sessionID)
			}

			return next(ctx, method, req)
		}
	}
}

// actorOr returns explicit, or the caller when explicit is empty.
func actorOr(ctx context.Context, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return getActorID(ctx)
}

// sessionOr returns explicit, or the session carried by the request.
func sessionOr(ctx context.Context, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return getSessionID(ctx)
}
