package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/harborchat/harbor/internal/adapters/signal"
	"github.com/harborchat/harbor/internal/config"
	"github.com/harborchat/harbor/internal/domain"
)

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware supplies the verified user identity for the signaling
// core. A real deployment would sit an auth layer here; the cookie token
// stands in for it.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, ctl *signal.Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("HarborSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("user", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctl.HandleSignal(ctx, c)
	})

	api.GET("/ice", func(c *gin.Context) {
		c.JSON(http.StatusOK, ctl.Relay.ICEServers())
	})

	api.GET("/online", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"users": ctl.Presence.OnlineUsers()})
	})

	// Called by the message-send path whenever a non-human account acts.
	// Agents have no persistent connection, so this stands in for a
	// heartbeat.
	api.POST("/agents/:id/activity", func(c *gin.Context) {
		var body struct {
			DisplayName string `json:"display_name"`
		}
		if err := c.ShouldBindJSON(&body); err != nil || body.DisplayName == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing display_name"})
			return
		}
		ctl.Presence.TouchAgentActivity(domain.UserID(c.Param("id")), body.DisplayName)
		c.Status(http.StatusNoContent)
	})

	return r
}
