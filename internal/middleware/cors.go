package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/cors"
)

// CORSConfig holds the configuration for CORS middleware.
type CORSConfig struct {
	AllowedOrigins []string // explicit origins; "*" is not accepted
	MaxAge         int      // preflight cache duration in seconds
}

// CORS returns a middleware that lets the listed origins read the audit
// surface from a browser. The surface is read-only, so only GET, HEAD and
// OPTIONS are allowed and credentials are never shared. With no origins
// configured the middleware is a no-op.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	var origins []string
	for _, origin := range cfg.AllowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin != "" && origin != "*" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", RequestIDHeader},
		ExposedHeaders:   []string{RequestIDHeader, "Retry-After"},
		AllowCredentials: false,
		MaxAge:           cfg.MaxAge,
	})
}
