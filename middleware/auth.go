// Package middleware provides HTTP middleware for the chat service.
//
// # Authentication Flow
//
// The auth middleware extracts a bearer token from the Authorization header,
// validates it using the configured AuthProvider, and stores the resulting
// AuthInfo in the Gin context for downstream handlers. Unauthenticated
// requests are rejected with 401 and an empty body before any handler runs,
// so the pipeline is never invoked for them.
//
// # Default Behavior
//
// With NopAuthProvider (the default), all requests are authenticated as
// "local-user". StaticTokenProvider enables single-token deployments via
// the CHAT_AUTH_TOKEN environment variable.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// =============================================================================
// Provider Contract
// =============================================================================

// ErrUnauthorized is returned by AuthProvider.Validate when the presented
// credentials are missing or invalid.
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo describes an authenticated caller.
type AuthInfo struct {
	UserID string
}

// AuthProvider validates bearer tokens. Implementations must be safe for
// concurrent use; Validate is called on every request.
type AuthProvider interface {
	// Validate checks the token and returns the caller's identity, or
	// ErrUnauthorized if the token is missing or invalid.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// =============================================================================
// Providers
// =============================================================================

// NopAuthProvider accepts every request, including those with no token.
// Used for local deployments with no authentication infrastructure.
type NopAuthProvider struct{}

func (NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: "local-user"}, nil
}

// StaticTokenProvider accepts exactly one preconfigured token.
type StaticTokenProvider struct {
	Token string
}

func (p StaticTokenProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" || token != p.Token {
		return nil, ErrUnauthorized
	}
	return &AuthInfo{UserID: "token-user"}, nil
}

// =============================================================================
// Context Helpers
// =============================================================================

// authInfoKey is the context key for storing AuthInfo.
// Using a dedicated key prevents collisions with other context values.
const authInfoKey = "pdftochat_auth_info"

// SetAuthInfo stores the authenticated user info in the Gin context.
// Called by AuthMiddleware after successful authentication.
func SetAuthInfo(c *gin.Context, info *AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo retrieves the authenticated user info from the Gin context.
// Returns nil if the request was not authenticated.
func GetAuthInfo(c *gin.Context) *AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// =============================================================================
// Auth Middleware
// =============================================================================

// AuthMiddleware creates a Gin middleware that authenticates requests.
//
// # Description
//
// Extracts the bearer token from the Authorization header, validates it
// using the provided AuthProvider, and stores the resulting AuthInfo in the
// context for downstream handlers.
//
// Failed authentication aborts with 401 and an empty body. No error payload
// is written: the response must not leak whether the token was absent,
// malformed or merely wrong.
//
// # Inputs
//
//   - provider: AuthProvider to validate tokens. Must not be nil.
//
// # Outputs
//
//   - gin.HandlerFunc: Middleware function ready for use with Gin
//
// # Limitations
//
//   - Only supports Bearer token authentication
//   - Does not cache validation results (validates every request)
func AuthMiddleware(provider AuthProvider) gin.HandlerFunc {
	if provider == nil {
		panic("AuthMiddleware: provider must not be nil")
	}
	return func(c *gin.Context) {
		token := extractBearerToken(c)

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// extractBearerToken extracts the token from the Authorization header.
// Returns empty string if the header is missing or malformed. The "Bearer"
// prefix is case-insensitive per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
