package transport

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// AuthConfig configures inbound bearer-token authentication. With neither a
// static token nor a JWT secret configured, authentication is disabled.
type AuthConfig struct {
	// Token is compared verbatim against the bearer token.
	Token string `yaml:"token"`

	// JWTSecret validates HS256-signed JWTs instead of a static token.
	JWTSecret string `yaml:"jwt_secret"`
}

// Enabled reports whether requests must carry a bearer token.
func (a AuthConfig) Enabled() bool {
	return a.Token != "" || a.JWTSecret != ""
}

// middleware rejects unauthenticated requests with 401.
func (a AuthConfig) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}

		if a.Token != "" {
			if subtle.ConstantTimeCompare([]byte(a.Token), []byte(token)) != 1 {
				http.Error(w, "invalid bearer token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		_, err := jwt.Parse([]byte(token),
			jwt.WithKey(jwa.HS256, []byte(a.JWTSecret)),
			jwt.WithValidate(true),
		)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
