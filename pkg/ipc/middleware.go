package ipc

import (
	"net/http"
	"net/url"
	"strings"
)

// corsMiddleware adds CORS headers based on allowed origins configuration.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if allowed, wildcard := s.isOriginAllowed(origin); allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				if !wildcard {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}
		}
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// securityHeadersMiddleware adds standard security headers to responses.
func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("X-Frame-Options", "DENY")
		headers.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// isOriginAllowed checks if the provided origin is in the allowed origins list.
func (s *Server) isOriginAllowed(origin string) (allowed bool, wildcard bool) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return false, false
	}

	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return false, false
	}
	normalized := strings.ToLower(parsed.Scheme) + "://" + parsed.Host

	for _, allowedOrigin := range s.cfg.AllowedOrigins {
		allowedOrigin = strings.TrimSpace(allowedOrigin)
		if allowedOrigin == "" {
			continue
		}
		if allowedOrigin == "*" {
			return true, true
		}
		if strings.EqualFold(allowedOrigin, origin) || strings.EqualFold(allowedOrigin, normalized) {
			return true, false
		}
	}
	return false, false
}

// isWebSocketOriginAllowed checks if a WebSocket upgrade request has an
// allowed origin. Same-host upgrades are always accepted.
func (s *Server) isWebSocketOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err == nil && parsed.Host != "" && strings.EqualFold(parsed.Host, r.Host) {
		return true
	}
	allowed, _ := s.isOriginAllowed(origin)
	return allowed
}
