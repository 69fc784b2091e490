package gateway

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/cors"
)

// OriginPolicy decides which browser origins may use the relay
type OriginPolicy struct {
	allowAll bool
	origins  map[string]struct{}
}

// NewOriginPolicy builds a policy from an allow list. "*" allows any origin.
func NewOriginPolicy(allowed []string) OriginPolicy {
	p := OriginPolicy{origins: make(map[string]struct{}, len(allowed))}
	for _, origin := range allowed {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			p.allowAll = true
			continue
		}
		if origin != "" {
			p.origins[strings.ToLower(strings.TrimSuffix(origin, "/"))] = struct{}{}
		}
	}
	return p
}

// CheckOrigin is a websocket.Upgrader CheckOrigin func. Requests without an
// Origin header come from non-browser clients and are allowed.
func (p OriginPolicy) CheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || p.allowAll {
		return true
	}
	if _, ok := p.origins[strings.ToLower(origin)]; ok {
		return true
	}
	// same-origin pages are always allowed
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

// CORS wraps handler with cross-origin headers for the same allow list
func (p OriginPolicy) CORS(handler http.Handler) http.Handler {
	origins := make([]string, 0, len(p.origins)+1)
	if p.allowAll {
		origins = append(origins, "*")
	}
	for origin := range p.origins {
		origins = append(origins, origin)
	}

	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodOptions,
		},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Requested-With"},
		MaxAge:         86400,
	})
	return c.Handler(handler)
}
