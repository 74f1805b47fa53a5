package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// TokenHeader echoes the access token issued by the auth endpoints.
const TokenHeader = "X-Ledger-Token"

var defaultCORSOrigins = []string{
	"http://localhost:3000", // local dev
	"http://localhost:5173", // vite dev server
}

// CORS returns middleware that applies the API's allowed origin policy.
func CORS(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = defaultCORSOrigins
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", TokenHeader, "Idempotency-Key", "X-Requested-With"},
		ExposedHeaders:   []string{TokenHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler
}
