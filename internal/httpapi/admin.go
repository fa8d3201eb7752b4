package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/edirooss/azsync-server/internal/lockregistry"
	"github.com/edirooss/azsync-server/internal/slotregistry"
)

// statsResponse is the JSON body of GET /admin/stats (SPEC_FULL.md §6).
type statsResponse struct {
	Lock struct {
		lockregistry.Stats
		Active int `json:"active"`
	} `json:"lock"`
	Slot struct {
		slotregistry.Stats
		Objects     int `json:"objects"`
		Subscribers int `json:"subscribers"`
	} `json:"slotkeeper"`
}

func (h *handlers) adminStats(c *gin.Context) {
	var resp statsResponse
	if h.lock != nil {
		resp.Lock.Stats = h.lock.Stats()
		resp.Lock.Active = h.lock.Active()
	}
	if h.slot != nil {
		resp.Slot.Stats = h.slot.Stats()
		resp.Slot.Objects = h.slot.ObjectCount()
		resp.Slot.Subscribers = h.slot.Master().SubscriberCount()
	}
	c.JSON(http.StatusOK, resp)
}
