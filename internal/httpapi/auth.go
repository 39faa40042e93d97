package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"qless/queue-server/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

type authContextKey struct{}

// Claims carries staff identity inside the signed token.
type Claims struct {
	StaffID string `json:"staff_id"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

type TokenIssuer struct {
	secret     []byte
	expiration time.Duration
}

func NewTokenIssuer(secret string, expiration time.Duration) *TokenIssuer {
	if expiration <= 0 {
		expiration = 8 * time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), expiration: expiration}
}

func (t *TokenIssuer) Issue(staff models.Staff) (string, error) {
	now := time.Now()
	claims := Claims{
		StaffID: staff.StaffID,
		Role:    staff.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   staff.CID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.expiration)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

func (t *TokenIssuer) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func AuthMiddleware(issuer *TokenIssuer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			// Browser EventSource cannot set headers.
			token = strings.TrimSpace(r.URL.Query().Get("token"))
		}
		if token != "" {
			claims, err := issuer.Verify(token)
			if err == nil {
				ctx := context.WithValue(r.Context(), authContextKey{}, claims)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
	})
}

func claimsFromContext(ctx context.Context) (*Claims, bool) {
	value := ctx.Value(authContextKey{})
	if value == nil {
		return nil, false
	}
	claims, ok := value.(*Claims)
	return claims, ok
}

// requireStaff admits any authenticated staff member regardless of role.
func requireStaff(w http.ResponseWriter, r *http.Request) bool {
	if _, ok := claimsFromContext(r.Context()); !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
		return false
	}
	return true
}

func requireRole(w http.ResponseWriter, r *http.Request, role string) (*Claims, bool) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
		return nil, false
	}
	if claims.Role != role && claims.Role != models.RoleAdmin {
		writeError(w, http.StatusForbidden, "access_denied", "insufficient role")
		return nil, false
	}
	return claims, true
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

// isPublicEndpoint covers only routes served behind this middleware; /metrics
// and /realtime hang off the outer mux and never reach it.
func isPublicEndpoint(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz":
		return true
	case "/api/auth/login", "/api/patients/register":
		return r.Method == http.MethodPost
	case "/api/queue", "/api/queue/current", "/api/queue/stream", "/api/chambers":
		return r.Method == http.MethodGet
	}
	if strings.HasPrefix(r.URL.Path, "/api/patients/status/") {
		return r.Method == http.MethodGet
	}
	return r.Method == http.MethodOptions
}
