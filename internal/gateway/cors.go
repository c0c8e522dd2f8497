package gateway

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// CORSConfig controls which browser origins may call the REST and duplex
// surfaces directly (a lab's own dashboard, typically served from a
// different origin than this gateway).
type CORSConfig struct {
	AllowedOrigins   []string
	AllowedHeaders   []string
	AllowCredentials bool
	MaxAgeSeconds    int
}

func (c CORSConfig) withDefaults() CORSConfig {
	if len(c.AllowedHeaders) == 0 {
		c.AllowedHeaders = []string{"Content-Type", "X-Session-Id"}
	}
	if c.MaxAgeSeconds == 0 {
		c.MaxAgeSeconds = 3600
	}
	return c
}

func (c CORSConfig) allowAll() bool {
	for _, o := range c.AllowedOrigins {
		if o == "*" {
			return true
		}
	}
	return false
}

// isOriginAllowed reports whether origin matches one of the configured
// allowed origins, with a leading-dot entry (".example.com") matching any
// subdomain the way a browser's own origin header works.
func (c CORSConfig) isOriginAllowed(origin string) bool {
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := parsed.Hostname()
	if host == "" {
		return false
	}
	for _, allowed := range c.AllowedOrigins {
		allowed = strings.TrimSpace(allowed)
		switch {
		case allowed == "":
			continue
		case allowed == origin:
			return true
		case strings.HasPrefix(allowed, "."):
			suffix := strings.TrimPrefix(allowed, ".")
			if suffix != "" && strings.HasSuffix(host, suffix) {
				if idx := len(host) - len(suffix); idx > 0 && host[idx-1] == '.' {
					return true
				}
			}
		}
	}
	return false
}

// cors returns a gin middleware applying CORSConfig to every request,
// answering preflight OPTIONS requests directly without reaching a route
// handler.
func (gw *Gateway) cors(cfg CORSConfig) gin.HandlerFunc {
	cfg = cfg.withDefaults()
	allowAll := cfg.allowAll()

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		allowed := origin != "" && (allowAll || cfg.isOriginAllowed(origin))

		if allowed {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", strings.Join(cfg.AllowedHeaders, ", "))
			c.Header("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAgeSeconds))
			if cfg.AllowCredentials {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		} else if origin != "" && len(cfg.AllowedOrigins) > 0 {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
