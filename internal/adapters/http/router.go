package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/dkeye/voicemesh/internal/adapters/meetings"
	"github.com/dkeye/voicemesh/internal/adapters/signal"
	"github.com/dkeye/voicemesh/internal/config"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/identity"
	"github.com/dkeye/voicemesh/internal/relay"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// bearer reads the token from the Authorization header or the token query
// parameter, which is all a browser websocket can send.
func bearer(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && parts[0] == "Bearer" {
			return parts[1]
		}
		return ""
	}
	return c.Query("token")
}

// IdentityMiddleware parses the caller's token when a secret is configured.
// With required set, requests without a valid token are rejected.
func IdentityMiddleware(secret string, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		id, err := identity.Parse(bearer(c), secret)
		if err != nil {
			if required {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
				return
			}
			c.Next()
			return
		}
		c.Set(signal.IdentityKey, id)
		c.Next()
	}
}

type meetingResponse struct {
	domain.Meeting
	Peers []domain.PeerID `json:"peers"`
}

func SetupRouter(ctx context.Context, cfg *config.RelayConfig, hub *relay.Hub, store meetings.Store) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "conns": hub.Conns()})
	})

	api := r.Group("/api")
	ctrl := signal.NewSignalWSController(hub, cfg)

	api.GET("/ws", IdentityMiddleware(cfg.JWTSecret, true), func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("remote", c.Request.RemoteAddr).Msg("ws endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, hub.Rooms())
	})

	meetingsAPI := api.Group("/meetings")
	meetingsAPI.Use(IdentityMiddleware(cfg.JWTSecret, false))
	meetingsAPI.POST("", func(c *gin.Context) {
		if store == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "meeting registry disabled"})
			return
		}
		var m domain.Meeting
		if err := c.ShouldBindJSON(&m); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		room, err := domain.ParseRoomToken(string(m.Room))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		m.Room = room
		if v, ok := c.Get(signal.IdentityKey); ok {
			if id, ok := v.(domain.Identity); ok {
				m.HostSub = id.Subject
			}
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
		created, err := store.Create(c.Request.Context(), m)
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Str("room", string(room)).Msg("create meeting")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "registry unavailable"})
			return
		}
		if created {
			c.JSON(http.StatusCreated, m)
			return
		}
		existing, err := store.Get(c.Request.Context(), room)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "registry unavailable"})
			return
		}
		c.JSON(http.StatusOK, existing)
	})
	meetingsAPI.GET("/:room", func(c *gin.Context) {
		if store == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "meeting registry disabled"})
			return
		}
		room := domain.RoomToken(c.Param("room"))
		m, err := store.Get(c.Request.Context(), room)
		if errors.Is(err, meetings.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "meeting not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "registry unavailable"})
			return
		}
		peers, err := store.Peers(c.Request.Context(), room)
		if err != nil {
			peers = nil
		}
		c.JSON(http.StatusOK, meetingResponse{Meeting: m, Peers: peers})
	})

	log.Info().Str("module", "adapters.http").Bool("auth", cfg.JWTSecret != "").Bool("registry", store != nil).Msg("router setup")
	return r
}
