package dispatcher

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/ferdiboxman/402claw-sub000/internal/analytics"
	"github.com/ferdiboxman/402claw-sub000/internal/usage"
	"github.com/ferdiboxman/402claw-sub000/pkg/auth"
)

// PlatformConfig configures the platform surface
type PlatformConfig struct {
	ServiceName string
	// Token gates /__platform/events. Accepted via X-Platform-Token header,
	// bearer token, or ?token= query param.
	Token string
	// JWTSecret, when set, additionally accepts bearer JWTs carrying the
	// platform:read scope
	JWTSecret []byte
	// PublicEvents disables the token check entirely
	PublicEvents bool
	// DefaultTopN bounds analytics rankings when top is not given
	DefaultTopN int
}

// RegisterRoutes wires the gateway surface onto the router: health, the
// platform analytics/events endpoints, and the catch-all tenant dispatch.
func RegisterRoutes(router *gin.Engine, d *Dispatcher, engine *analytics.Engine, pipeline *usage.Pipeline, cfg PlatformConfig) {
	if cfg.DefaultTopN <= 0 {
		cfg.DefaultTopN = 10
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ok":        true,
			"service":   cfg.ServiceName,
			"requestId": c.GetString("request_id"),
		})
	})

	router.GET("/__platform/analytics", func(c *gin.Context) {
		requestID := c.GetString("request_id")

		topN := cfg.DefaultTopN
		if raw := c.Query("top"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{
					"ok":        false,
					"error":     "invalid_top_parameter",
					"requestId": requestID,
				})
				return
			}
			topN = n
		}

		window := c.Query("window")
		if window == "" {
			snapshots, err := engine.Snapshots(topN)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{
					"ok":        false,
					"error":     "analytics_failed",
					"requestId": requestID,
				})
				return
			}
			c.JSON(http.StatusOK, gin.H{
				"ok":        true,
				"requestId": requestID,
				"snapshots": snapshots,
			})
			return
		}

		snap, err := engine.Snapshot(window, topN)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"ok":        false,
				"error":     "unsupported_window",
				"requestId": requestID,
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"ok":        true,
			"requestId": requestID,
			"window":    window,
			"snapshot":  snap,
		})
	})

	router.GET("/__platform/events", func(c *gin.Context) {
		requestID := c.GetString("request_id")

		if !cfg.PublicEvents && !platformAuthOK(c, cfg) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"ok":        false,
				"error":     "platform_token_required",
				"requestId": requestID,
			})
			return
		}

		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{
					"ok":        false,
					"error":     "invalid_limit_parameter",
					"requestId": requestID,
				})
				return
			}
			limit = n
		}

		c.JSON(http.StatusOK, gin.H{
			"ok":        true,
			"requestId": requestID,
			"events":    pipeline.Events(limit),
		})
	})

	router.NoRoute(d.HandleRequest)
}

func platformAuthOK(c *gin.Context, cfg PlatformConfig) bool {
	bearer := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")

	if cfg.Token != "" {
		candidates := []string{
			c.GetHeader("X-Platform-Token"),
			bearer,
			c.Query("token"),
		}
		for _, candidate := range candidates {
			if candidate != "" && subtle.ConstantTimeCompare([]byte(candidate), []byte(cfg.Token)) == 1 {
				return true
			}
		}
	}

	if len(cfg.JWTSecret) > 0 && bearer != "" {
		claims, err := auth.ValidateJWT(bearer, cfg.JWTSecret)
		if err == nil && claims.Scope == "platform:read" {
			return true
		}
	}

	return false
}
