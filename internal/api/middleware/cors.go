package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/TheGojiOG/pvebackup/internal/config"
)

const corsAllowHeaders = "Content-Type, Content-Length, Accept-Encoding, Authorization, Accept, Origin, Cache-Control, X-Requested-With"

// OriginPolicy decides which browser origins may call the API and open the
// job event stream. "*" and "0.0.0.0/0" admit every origin.
type OriginPolicy struct {
	any     bool
	origins map[string]struct{}
}

// NewOriginPolicy builds a policy from the configured allowlist
func NewOriginPolicy(allowed []string) OriginPolicy {
	p := OriginPolicy{origins: make(map[string]struct{}, len(allowed))}
	for _, o := range allowed {
		switch o = strings.TrimSpace(o); o {
		case "":
		case "*", "0.0.0.0/0":
			p.any = true
		default:
			p.origins[strings.TrimRight(o, "/")] = struct{}{}
		}
	}
	return p
}

// Allows reports whether origin may be served. Requests without an Origin
// header are not cross-origin and always pass.
func (p OriginPolicy) Allows(origin string) bool {
	if origin == "" || p.any {
		return true
	}
	_, ok := p.origins[strings.TrimRight(origin, "/")]
	return ok
}

// CORS answers preflights and reflects allowed origins
func CORS(cfg config.CORSConfig) gin.HandlerFunc {
	policy := NewOriginPolicy(cfg.AllowedOrigins)
	methods := "GET, POST, PUT, DELETE, OPTIONS"
	if len(cfg.AllowedMethods) > 0 {
		methods = strings.Join(cfg.AllowedMethods, ", ")
	}

	return func(c *gin.Context) {
		h := c.Writer.Header()
		switch origin := c.GetHeader("Origin"); {
		case origin != "" && policy.Allows(origin):
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
		case origin == "" && policy.any:
			h.Set("Access-Control-Allow-Origin", "*")
		}
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
		h.Set("Access-Control-Allow-Methods", methods)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
