package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// AuthConfig controls request authentication. With a SecretKey, requests
// must carry an HS256 bearer token whose "sub" claim is the user. Without
// one the user comes from the X-User-ID header set by the API gateway.
type AuthConfig struct {
	SecretKey        string
	Issuer           string
	Audience         string
	ValidateIssuer   bool
	ValidateAudience bool
}

type userKey struct{}

// WithUserID returns a copy of ctx carrying the authenticated user.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserID returns the authenticated user of the request context.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userKey{}).(string)
	return id, ok && id != ""
}

// Authenticate rejects unauthenticated requests with 401 and stores the
// user in the request context. Paths with a prefix in skipPaths pass
// through untouched.
func Authenticate(cfg AuthConfig, skipPaths []string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range skipPaths {
				if strings.HasPrefix(r.URL.Path, p) {
					next.ServeHTTP(w, r)
					return
				}
			}

			var userID string
			if cfg.SecretKey == "" {
				userID = strings.TrimSpace(r.Header.Get("X-User-ID"))
				if userID == "" {
					WriteError(w, http.StatusUnauthorized, "Authentication required! Please login to continue")
					return
				}
			} else {
				authHeader := r.Header.Get("Authorization")
				if !strings.HasPrefix(authHeader, "Bearer ") {
					WriteError(w, http.StatusUnauthorized, "missing or invalid authorization header")
					return
				}
				sub, err := validateJWT(strings.TrimPrefix(authHeader, "Bearer "), cfg)
				if err != nil {
					WriteError(w, http.StatusUnauthorized, "invalid token: "+err.Error())
					return
				}
				userID = sub
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// validateJWT performs minimal HS256 JWT validation (signature, expiry,
// issuer, audience) and returns the subject.
func validateJWT(tokenStr string, cfg AuthConfig) (string, error) {
	parts := strings.Split(tokenStr, ".")
	if len(parts) != 3 {
		return "", errInvalidToken
	}

	signingInput := parts[0] + "." + parts[1]
	mac := hmac.New(sha256.New, []byte(cfg.SecretKey))
	mac.Write([]byte(signingInput))
	expectedSig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expectedSig), []byte(parts[2])) {
		return "", errInvalidSignature
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", errInvalidToken
	}

	var claims struct {
		Sub string `json:"sub"`
		Exp int64  `json:"exp"`
		Iss string `json:"iss"`
		Aud string `json:"aud"`
	}
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return "", errInvalidToken
	}

	if claims.Exp > 0 && time.Now().Unix() > claims.Exp {
		return "", errTokenExpired
	}
	if cfg.ValidateIssuer && cfg.Issuer != "" && claims.Iss != cfg.Issuer {
		return "", errInvalidIssuer
	}
	if cfg.ValidateAudience && cfg.Audience != "" && claims.Aud != cfg.Audience {
		return "", errInvalidAudience
	}
	if claims.Sub == "" {
		return "", errMissingSubject
	}

	return claims.Sub, nil
}

type jwtError string

func (e jwtError) Error() string { return string(e) }

const (
	errInvalidToken     = jwtError("invalid token format")
	errInvalidSignature = jwtError("invalid signature")
	errTokenExpired     = jwtError("token expired")
	errInvalidIssuer    = jwtError("invalid issuer")
	errInvalidAudience  = jwtError("invalid audience")
	errMissingSubject   = jwtError("missing subject")
)
