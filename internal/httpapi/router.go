// Package httpapi wires the RPC surface (lock, slotkeeper) and the admin
// observability surface onto a Gin router, adapted from the teacher's
// cmd/zmux-server/main.go bring-up and internal/http/middleware stack.
// See SPEC_FULL.md §6.
package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/edirooss/azsync-server/internal/lockregistry"
	"github.com/edirooss/azsync-server/internal/slotregistry"
)

// Config configures the router: which registries to expose and how to
// guard the admin surface.
type Config struct {
	Log  *zap.Logger
	Lock *lockregistry.Registry // nil disables the lock.* routes
	Slot *slotregistry.Registry // nil disables the slotkeeper.* routes

	KeeperName       string // matched against the :name segment of the sync route
	HeartbeatTimeout time.Duration

	Admin        AdminCredentials
	SessionKey   []byte // cookie store signing key; see internal/config
	Dev          bool   // enables permissive local CORS, as in the teacher's main.go
}

// New builds the Gin engine. It does not call Run; callers own the
// http.Server so they can wire graceful shutdown (cmd/azsync-server).
func New(cfg Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	_ = r.SetTrustedProxies([]string{"127.0.0.1"})

	r.Use(gin.Recovery())
	r.Use(secure.New(secure.Config{
		SSLRedirect:           !cfg.Dev,
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		STSSeconds:            31536000,
		STSIncludeSubdomains:  true,
		ContentSecurityPolicy: "default-src 'none'",
	}))
	if cfg.Dev {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     []string{"http://localhost:5173"},
			AllowMethods:     []string{"GET", "POST"},
			AllowHeaders:     []string{"Content-Type", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}
	r.Use(RequestID())
	r.Use(ZapLogger(cfg.Log))

	store := cookie.NewStore(cfg.SessionKey)
	store.Options(sessions.Options{Path: "/admin", HttpOnly: true, Secure: !cfg.Dev})
	r.Use(sessions.Sessions("azsync_admin", store))

	h := &handlers{
		log:        cfg.Log.Named("httpapi"),
		lock:       cfg.Lock,
		slot:       cfg.Slot,
		keeperName: cfg.KeeperName,
		heartbeat:  cfg.HeartbeatTimeout,
	}

	rpc := r.Group("/rpc")
	if cfg.Lock != nil {
		rpc.GET("/lock/get_lock", h.getLock)
		rpc.GET("/lock/is_locked", h.isLocked)
	}
	if cfg.Slot != nil {
		rpc.GET("/slotkeeper/acquire", h.slotAcquire)
		rpc.GET("/slotkeeper/:name/sync", h.slotSync)
	}

	if cfg.Admin.Password != "" {
		admin := r.Group("/admin", Authentication(cfg.Admin))
		admin.GET("/stats", h.adminStats)
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
