package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

var startTime = time.Now()

// Health handles GET /health: liveness plus a small diagnostics snapshot.
func (p *Pipeline) Health() gin.HandlerFunc {
	return func(c *gin.Context) {
		enabled := 0
		for _, b := range p.Cfg.Backends {
			if b.Enabled {
				enabled++
			}
		}
		stats := p.Store.StatsSnapshot()
		c.JSON(http.StatusOK, gin.H{
			"status":          "ok",
			"uptime_seconds":  int(time.Since(startTime).Seconds()),
			"backends":        enabled,
			"conversations":   p.Convo.Size(),
			"signature_cache": gin.H{"size": stats.Size, "hit_rate": stats.HitRate},
		})
	}
}
