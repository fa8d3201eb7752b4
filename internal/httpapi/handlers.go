package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/edirooss/azsync-server/internal/lockregistry"
	"github.com/edirooss/azsync-server/internal/rpctransport"
	"github.com/edirooss/azsync-server/internal/slotregistry"
)

// handlers bundles the registries and config the RPC routes dispatch
// against. One instance is shared across all requests; the registries are
// themselves concurrency-safe.
type handlers struct {
	log        *zap.Logger
	lock       *lockregistry.Registry
	slot       *slotregistry.Registry
	keeperName string
	heartbeat  time.Duration
}

func (h *handlers) stream(c *gin.Context) (*rpctransport.Stream, bool) {
	s, err := rpctransport.NewStream(c.Writer, c.Request, h.heartbeat)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return nil, false
	}
	return s, true
}

// getLock handles GET /rpc/lock/get_lock?name=&try=.
func (h *handlers) getLock(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "name is required"})
		return
	}
	try, _ := strconv.ParseBool(c.DefaultQuery("try", "false"))

	s, ok := h.stream(c)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			h.lock.RecordException()
			h.log.Error("panic in get_lock", zap.Any("recover", r), zap.String("name", name))
			s.Close(rpctransport.ErrUnexpectedClose)
		}
	}()
	h.lock.GetLock(s.Context(), s, name, try)
}

// isLocked handles GET /rpc/lock/is_locked?name=.
func (h *handlers) isLocked(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "name is required"})
		return
	}
	defer func() {
		if r := recover(); r != nil {
			h.lock.RecordException()
			h.log.Error("panic in is_locked", zap.Any("recover", r), zap.String("name", name))
			c.JSON(http.StatusInternalServerError, gin.H{"message": "internal error"})
		}
	}()
	c.JSON(http.StatusOK, gin.H{"locked": h.lock.IsLocked(name)})
}

// slotAcquire handles GET /rpc/slotkeeper/acquire?obj_id=&max_slots=&slot_id=.
func (h *handlers) slotAcquire(c *gin.Context) {
	objID := c.Query("obj_id")
	slotID := c.Query("slot_id")
	if objID == "" || slotID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "obj_id and slot_id are required"})
		return
	}
	maxSlots, err := strconv.ParseInt(c.Query("max_slots"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "max_slots must be an integer"})
		return
	}

	s, ok := h.stream(c)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("panic in slotkeeper acquire", zap.Any("recover", r), zap.String("obj_id", objID))
			s.Close(rpctransport.ErrUnexpectedClose)
		}
	}()
	h.slot.Acquire(s.Context(), s, objID, maxSlots, slotID)
}

// slotSync handles GET /rpc/slotkeeper/:name/sync?instance_id=. The :name
// path segment addresses a specific named slot-keeper instance (this
// process may be configured to serve only one); requests for any other
// name are rejected with 404, matching the CLI's --name flag semantics
// (SPEC_FULL.md §6).
func (h *handlers) slotSync(c *gin.Context) {
	if c.Param("name") != h.keeperName {
		c.Status(http.StatusNotFound)
		return
	}
	instanceID := c.Query("instance_id")

	s, ok := h.stream(c)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("panic in slotkeeper sync", zap.Any("recover", r), zap.String("instance_id", instanceID))
			s.Close(rpctransport.ErrUnexpectedClose)
		}
	}()
	if err := h.slot.Master().Subscribe(s.Context(), s); err != nil {
		h.log.Debug("sync stream ended", zap.String("instance_id", instanceID), zap.Error(err))
	}
}
