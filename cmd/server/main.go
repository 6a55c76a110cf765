package main

import (
	"os"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/featherlist/server/internal/api/handlers"
	"github.com/featherlist/server/internal/api/middleware"
	"github.com/featherlist/server/internal/bridge"
	"github.com/featherlist/server/internal/bus"
	"github.com/featherlist/server/internal/config"
	"github.com/featherlist/server/internal/crypto"
	"github.com/featherlist/server/internal/database"
	"github.com/featherlist/server/internal/entitycache"
	"github.com/featherlist/server/internal/events"
	"github.com/featherlist/server/internal/logger"
	"github.com/featherlist/server/internal/ws"
)

func main() {
	// Load configuration
	cfg, err := config.Load(config.Overrides{})
	if err != nil {
		logger.Errorf("Failed to load config: %v", err)
		os.Exit(1)
	}

	if cfg.Debug {
		logger.SetLevel(logger.LevelDebug)
	}

	// Set Gin mode
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	// Open database
	logger.Infof("Opening database: %s", cfg.DatabasePath)
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		logger.Errorf("Failed to open database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	// Select the pub/sub transport. Redis is the cross-process production
	// path; the in-process transport serves single-server deployments.
	var b bus.Bus
	if cfg.RedisURL != "" {
		logger.Infof("Connecting to Redis: %s", cfg.RedisURL)
		b, err = bus.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.Errorf("Failed to connect to Redis: %v", err)
			os.Exit(1)
		}
	} else {
		logger.Warnf("REDIS_URL not set, using in-process pub/sub")
		b = bus.NewMemory()
	}
	defer b.Close()

	// Initialize JWT manager
	jwtManager, err := crypto.NewJWTManager(cfg.MasterSecret)
	if err != nil {
		logger.Errorf("Failed to create JWT manager: %v", err)
		os.Exit(1)
	}

	// Gateway bridge and the entity cache in front of it
	gatewayBridge := bridge.New(b, cfg.GatewayHTTPAddr)
	cache := entitycache.New(db.DB, gatewayBridge, entitycache.DefaultTTL)
	vanity := entitycache.NewVanityResolver(db.DB, b, entitycache.VanityTTL)

	// Event pipeline: durable log, webhook fan-out, channel publisher
	store := events.NewStore(db.DB, events.DefaultLogCap)
	webhooks := events.NewWebhookDispatcher(db.DB)
	recorder := events.NewRecorder(store, b, webhooks)

	// Websocket layer
	manager := ws.NewManager()
	wsServer := ws.NewServer(db.DB, b, store, manager, cache, cfg.MasterSecret)

	// Create Gin router
	router := gin.New()
	router.Use(gin.Recovery())

	// CORS middleware
	corsConfig := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"*"},
		ExposeHeaders: []string{"Content-Length"},
	}
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	router.Use(cors.New(corsConfig))

	// Logging middleware
	router.Use(middleware.LoggingMiddleware())

	// Root endpoint
	router.GET("/", func(c *gin.Context) {
		c.String(200, "Welcome to Featherlist!")
	})

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(db.DB, jwtManager)
	voteHandler := handlers.NewVoteHandler(db.DB, b, recorder)
	botHandler := handlers.NewBotHandler(db.DB, recorder, cache, vanity)
	serverHandler := handlers.NewServerHandler(db.DB, recorder)
	reviewHandler := handlers.NewReviewHandler(db.DB, recorder)
	entityHandler := handlers.NewEntityHandler(cache, vanity, store)
	commandHandler := handlers.NewCommandHandler(gatewayBridge)

	// Websocket bootstrap document
	router.GET("/api/ws", func(c *gin.Context) {
		c.JSON(200, ws.Bootstrap())
	})

	v2 := router.Group("/api/v2")
	{
		// Public routes
		v2.POST("/auth/staff", authHandler.StaffLogin)
		v2.GET("/entities/:id", entityHandler.Get)
		v2.GET("/vanity/:slug", entityHandler.GetVanity)
		v2.GET("/bots/:id/reviews", reviewHandler.List)

		// Websocket endpoints; authorization happens in-band after the
		// upgrade.
		v2.GET("/ws/rtstats", wsServer.HandleRTStats)
		v2.GET("/ws/chat", wsServer.HandleChat)

		// Bot self-service (bot API token)
		botAuth := v2.Group("")
		botAuth.Use(middleware.BotAuth(db.DB))
		{
			botAuth.PATCH("/bots/:id", botHandler.Edit)
			botAuth.POST("/bots/:id/token", botHandler.RotateToken)
			botAuth.GET("/bots/:id/events", entityHandler.ListEvents)
		}

		// Server self-service (server API token, checked in the handler)
		v2.PATCH("/servers/:id", serverHandler.Edit)

		// User routes (user API token)
		userAuth := v2.Group("")
		userAuth.Use(middleware.UserAuth(db.DB))
		{
			userAuth.POST("/bots/:id/votes", voteHandler.VoteBot)
			userAuth.POST("/servers/:id/votes", voteHandler.VoteServer)
			userAuth.POST("/bots/:id/reviews", reviewHandler.Create)
			userAuth.PATCH("/reviews/:rid", reviewHandler.Edit)
			userAuth.DELETE("/reviews/:rid", reviewHandler.Delete)
		}

		// Staff routes (JWT from /auth/staff)
		staff := v2.Group("")
		staff.Use(middleware.StaffAuth(jwtManager, db.DB))
		{
			staff.POST("/bots/:id/ban", botHandler.Ban)
			staff.DELETE("/bots/:id/ban", botHandler.Unban)
			staff.POST("/servers/:id/ban", serverHandler.Ban)
			staff.POST("/commands", commandHandler.Invoke)
			staff.POST("/channels/:id/messages", commandHandler.SendMessage)
		}
	}

	logger.Infof("Featherlist server starting on %s", cfg.Addr)
	if cfg.TLS != nil {
		err = router.RunTLS(cfg.Addr, cfg.TLS.CertFile, cfg.TLS.KeyFile)
	} else {
		err = router.Run(cfg.Addr)
	}
	if err != nil {
		logger.Errorf("Failed to start server: %v", err)
		os.Exit(1)
	}
}
