package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/helixml/surfboard/api/pkg/auth"
	"github.com/helixml/surfboard/api/pkg/types"
)

type userContextKey struct{}

type authMiddleware struct {
	keyStore *auth.KeyStore
}

func newAuthMiddleware(keyStore *auth.KeyStore) *authMiddleware {
	return &authMiddleware{keyStore: keyStore}
}

// getRequestToken pulls the API key out of the Authorization header.
func getRequestToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func setRequestUser(ctx context.Context, user *types.User) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

func getRequestUser(r *http.Request) *types.User {
	user, ok := r.Context().Value(userContextKey{}).(*types.User)
	if !ok {
		return nil
	}
	return user
}

// auth wraps a handler with Bearer API key authentication. Usage stats
// are recorded on every authenticated request; failures there never fail
// the request.
func (m *authMiddleware) auth(f http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := getRequestToken(r)
		if token == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeErrResponse(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		user := m.keyStore.ValidateKey(token)
		if user == nil {
			log.Debug().Str("key_prefix", keyPrefix(token)).Msg("invalid API key attempted")
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeErrResponse(w, "Invalid API key", http.StatusUnauthorized)
			return
		}

		m.keyStore.RecordUsage(token)

		r = r.WithContext(setRequestUser(r.Context(), user))
		f(w, r)
	}
}

func keyPrefix(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}
