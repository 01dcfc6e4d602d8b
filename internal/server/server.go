package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaygate/gateway/internal/config"
	"github.com/relaygate/gateway/internal/logging"
	"github.com/relaygate/gateway/internal/server/handlers"
	"github.com/relaygate/gateway/internal/storage"
)

// Server owns the gin engine and the http.Server lifecycle.
type Server struct {
	cfg    *config.Config
	engine *gin.Engine
	http   *http.Server
}

// New assembles the engine: global middleware, the three wire-format route
// families, the per-backend direct-addressed prefixes, and the panel API.
func New(cfg *config.Config, pipe *handlers.Pipeline, logs *logging.Manager, ledger *storage.UsageStore) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(RecoveryMiddleware(), TraceMiddleware(), CORSMiddleware())

	engine.GET("/health", pipe.Health())

	api := engine.Group("/", AuthMiddleware(cfg), ClassifyMiddleware(), RateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst))

	registerChat := func(g *gin.RouterGroup, forceBackend string) {
		g.POST("/chat/completions", pipe.OpenAIChat(forceBackend))
		g.POST("/messages", pipe.AnthropicMessages(forceBackend))
		g.POST("/models/*modelAction", pipe.GeminiGenerate(forceBackend))
		g.GET("/models", pipe.Models())
	}

	v1 := api.Group("/v1")
	registerChat(v1, "")
	v1.POST("/ide/stream", pipe.IDEStream())

	// Direct-addressed variants: /{backend_prefix}/v1/... pins the chain to
	// that one backend, no failover.
	for _, b := range cfg.Backends {
		registerChat(api.Group("/"+b.Key+"/v1"), b.Key)
	}

	admin := &handlers.Admin{Pipeline: pipe, Logs: logs, Ledger: ledger}
	panel := engine.Group("/panel", PanelAuthMiddleware(cfg))
	panel.GET("/config", admin.GetConfig)
	panel.GET("/logs", admin.GetLogs)
	panel.GET("/stats", admin.GetStats)

	return &Server{
		cfg:    cfg,
		engine: engine,
		http: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler: engine,
			// No WriteTimeout: streamed responses legitimately outlive any
			// fixed bound; per-backend stream timeouts bound the upstream
			// side instead.
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Run serves until ctx is canceled, then drains with a shutdown grace
// period. The error from ListenAndServe is returned except for the normal
// http.ErrServerClosed.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()

	mwlog.Info().Str("addr", s.http.Addr).Msg("gateway listening")

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// Engine exposes the router for handler tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}
