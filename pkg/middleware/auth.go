package middleware

import (
	"net/http"
	"strings"

	"github.com/platinummonkey/orgfeed/pkg/contextkeys"
	"github.com/platinummonkey/orgfeed/pkg/httputil"
)

// UserIDHeader names the header carrying the authenticated viewer. Session
// authentication is handled by the gateway in front of orgfeed, which
// strips any client supplied copy of this header.
const UserIDHeader = "X-User-ID"

const maxUserIDLength = 128

// AuthMiddleware resolves the viewer identity for each request
type AuthMiddleware struct {
	header string
}

// NewAuthMiddleware creates an identity middleware reading header, or
// UserIDHeader when header is empty
func NewAuthMiddleware(header string) *AuthMiddleware {
	if header == "" {
		header = UserIDHeader
	}
	return &AuthMiddleware{header: header}
}

// Handler rejects requests without a viewer id and stores the id in the
// request context for everything downstream
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(m.header))
		if userID == "" {
			httputil.WriteUnauthorized(w, "missing viewer identity")
			return
		}
		if len(userID) > maxUserIDLength {
			httputil.WriteUnauthorized(w, "invalid viewer identity")
			return
		}

		ctx := contextkeys.WithUserID(r.Context(), userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ViewerID returns the authenticated viewer id of the request
func ViewerID(r *http.Request) string {
	return contextkeys.GetUserID(r.Context())
}
