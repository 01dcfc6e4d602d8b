package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Models handles GET /v1/models: the union of every enabled backend's
// declared model list, in OpenAI list shape (the shape all client SDKs in
// scope can parse). Wildcard backends contribute nothing - they accept
// anything but declare nothing.
func (p *Pipeline) Models() gin.HandlerFunc {
	return func(c *gin.Context) {
		seen := map[string]bool{}
		data := make([]gin.H, 0)
		for _, b := range p.Cfg.Backends {
			if !b.Enabled {
				continue
			}
			for _, m := range b.Models {
				if seen[m] {
					continue
				}
				seen[m] = true
				data = append(data, gin.H{
					"id":       m,
					"object":   "model",
					"owned_by": b.Key,
				})
			}
		}
		c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
	}
}
