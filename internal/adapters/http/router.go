package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Parley/internal/adapters/ws"
	"github.com/dkeye/Parley/internal/app"
	"github.com/dkeye/Parley/internal/config"
	"github.com/dkeye/Parley/internal/domain"
	"github.com/dkeye/Parley/internal/protocol"
)

// ClientTokenMiddleware gives every browser a stable token so log lines from
// successive reconnects can be correlated.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, dir *app.Directory) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("ParleySessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Clients fetch this once at startup; values override their defaults.
	r.GET("/config", func(c *gin.Context) {
		c.JSON(http.StatusOK, config.Limits{
			MaxMessageBytes:   cfg.MaxMessageBytes,
			MaxMessages:       cfg.MaxMessages,
			StorageMaxBytes:   cfg.StorageMaxBytes,
			StorageMaxAgeDays: cfg.StorageMaxAgeDays,
			NamePattern:       domain.NamePattern,
			ErrorCodes:        protocol.ErrorCodes,
		})
	})

	lobby := &ws.LobbyController{Dir: dir, MaxMessageBytes: cfg.MaxMessageBytes, ReadLimit: cfg.ReadLimit}
	room := &ws.RoomController{Dir: dir, MaxMessageBytes: cfg.MaxMessageBytes, ReadLimit: cfg.ReadLimit}

	r.GET("/ws/lobby", func(c *gin.Context) {
		lobby.Handle(ctx, c)
	})
	r.GET("/ws/room/:room", func(c *gin.Context) {
		room.Handle(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")
	return r
}
