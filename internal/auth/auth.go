package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	AccessTTL  = 15 * time.Minute
	RefreshTTL = 7 * 24 * time.Hour

	kindAccess  = "access"
	kindRefresh = "refresh"
	issuer      = "cinerelay"
)

var ErrInvalidToken = errors.New("auth: invalid token")

type Claims struct {
	UserID string
	Role   string
}

type jwtClaims struct {
	UserID string `json:"uid"`
	Role   string `json:"role"`
	Kind   string `json:"typ"`
	jwt.RegisteredClaims
}

type Service struct {
	secret []byte
	now    func() time.Time
}

func NewService(secret string) *Service {
	return &Service{secret: []byte(secret), now: time.Now}
}

// WithClock replaces the time source used for issuing and validating tokens.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) sign(userID, role, kind string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := jwtClaims{
		UserID: userID,
		Role:   role,
		Kind:   kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// GenerateTokens returns an access and a refresh token for the user.
func (s *Service) GenerateTokens(userID, role string) (string, string, error) {
	access, err := s.sign(userID, role, kindAccess, AccessTTL)
	if err != nil {
		return "", "", err
	}
	refresh, err := s.sign(userID, role, kindRefresh, RefreshTTL)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func (s *Service) parse(tokenStr, kind string) (*Claims, error) {
	var c jwtClaims
	token, err := jwt.ParseWithClaims(tokenStr, &c, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if c.Kind != kind {
		return nil, ErrInvalidToken
	}
	return &Claims{UserID: c.UserID, Role: c.Role}, nil
}

// ParseToken validates an access token.
func (s *Service) ParseToken(tokenStr string) (*Claims, error) {
	return s.parse(tokenStr, kindAccess)
}

// ValidSession reports whether tokenStr is a live access token.
func (s *Service) ValidSession(tokenStr string) bool {
	_, err := s.ParseToken(tokenStr)
	return err == nil
}

// Refresh trades a refresh token for a new pair.
func (s *Service) Refresh(refreshToken string) (string, string, error) {
	claims, err := s.parse(refreshToken, kindRefresh)
	if err != nil {
		return "", "", err
	}
	return s.GenerateTokens(claims.UserID, claims.Role)
}

type ctxKey string

const claimsKey ctxKey = "claims"

func ClaimsFromContext(ctx context.Context) *Claims {
	val, ok := ctx.Value(claimsKey).(*Claims)
	if !ok {
		return nil
	}
	return val
}

// BearerToken extracts the credential from an Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	authz := r.Header.Get("Authorization")
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

func (s *Service) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, ok := BearerToken(r)
		if !ok {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		claims, err := s.ParseToken(tok)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Service) RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return s.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			if claims == nil || claims.Role != role {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		}))
	}
}
