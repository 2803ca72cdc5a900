package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"waitq/waiting-service/internal/store"
)

type authContextKey struct{}

// AuthMiddleware resolves the staff session and scopes the request to the session's
// store. The per-store rate limit is applied here because the store is only known
// once the session is loaded.
func AuthMiddleware(sessions store.SessionStore, limiter *RateLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		requestID := requestIDFromRequest(r)
		sessionID := sessionIDFromRequest(r)
		if sessionID == "" {
			writeError(w, requestID, http.StatusUnauthorized, "UNAUTHORIZED", "missing session")
			return
		}
		session, err := sessions.GetSession(r.Context(), sessionID)
		if err != nil {
			if errors.Is(err, store.ErrSessionNotFound) {
				writeError(w, requestID, http.StatusUnauthorized, "UNAUTHORIZED", "invalid session")
				return
			}
			writeError(w, requestID, http.StatusServiceUnavailable, "UNAVAILABLE", "session lookup failed")
			return
		}
		if session.StoreID == "" {
			writeError(w, requestID, http.StatusForbidden, "ACCESS_DENIED", "session is not bound to a store")
			return
		}
		if !limiter.AllowStore(session.StoreID) {
			writeError(w, requestID, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionFromContext(ctx context.Context) (store.Session, bool) {
	session, ok := ctx.Value(authContextKey{}).(store.Session)
	return session, ok
}

func storeIDFromContext(ctx context.Context) string {
	session, _ := sessionFromContext(ctx)
	return session.StoreID
}

func sessionIDFromRequest(r *http.Request) string {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.Header.Get("X-Session-ID"))
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}
