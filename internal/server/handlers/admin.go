package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaygate/gateway/internal/logging"
	"github.com/relaygate/gateway/internal/storage"
)

// Admin serves the control panel's JSON API (the panel UI itself is an
// external collaborator; these endpoints are its data source). All routes
// sit behind PanelAuthMiddleware.
type Admin struct {
	Pipeline *Pipeline
	Logs     *logging.Manager
	Ledger   *storage.UsageStore // nil when no sqlite path is configured
}

// GetConfig handles GET /panel/config: the running configuration with every
// secret redacted.
func (a *Admin) GetConfig(c *gin.Context) {
	cfg := a.Pipeline.Cfg
	backends := make([]gin.H, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		backends = append(backends, gin.H{
			"key":            b.Key,
			"display_name":   b.DisplayName,
			"base_urls":      b.BaseURLs,
			"api_format":     b.APIFormat,
			"priority":       b.Priority,
			"timeout":        b.TimeoutS,
			"stream_timeout": b.StreamTimeoutS,
			"max_retries":    b.MaxRetries,
			"enabled":        b.Enabled,
			"models":         b.Models,
			"api_keys":       len(b.APIKeys), // count only, never values
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"config": gin.H{
			"host":               cfg.Host,
			"port":               cfg.Port,
			"calls_per_rotation": cfg.CallsPerRotation,
			"auto_ban":           cfg.AutoBan,
			"compatibility_mode": cfg.CompatibilityMode,
			"server_preset":      cfg.ServerPreset,
			"log_level":          cfg.LogLevel,
			"backends":           backends,
		},
		"note": "configuration is environment-driven; restart to apply changes",
	})
}

// GetLogs handles GET /panel/logs: the retained log ring buffer.
func (a *Admin) GetLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "entries": a.Logs.History()})
}

// GetStats handles GET /panel/stats: cache/conversation counters plus the
// last 24 hours of the usage ledger when one is configured.
func (a *Admin) GetStats(c *gin.Context) {
	stats := a.Pipeline.Store.StatsSnapshot()
	body := gin.H{
		"status": "ok",
		"signature_cache": gin.H{
			"hits":     stats.Hits,
			"misses":   stats.Misses,
			"writes":   stats.Writes,
			"size":     stats.Size,
			"hit_rate": stats.HitRate,
		},
		"conversations": a.Pipeline.Convo.Size(),
	}
	if a.Ledger != nil {
		totals, err := a.Ledger.TotalsSince(c.Request.Context(), time.Now().Add(-24*time.Hour))
		if err == nil {
			body["usage_last_24h"] = totals
		}
	}
	c.JSON(http.StatusOK, body)
}
