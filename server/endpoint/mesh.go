package endpoint

import (
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kbukum/meshkit/discovery"
	apperrors "github.com/kbukum/meshkit/errors"
)

// maxKVValue bounds PUT bodies on the kv route.
const maxKVValue = 512 << 10

// StatsFunc reports the live discovery clients.
type StatsFunc func() []discovery.ClientStats

type meshHandler struct {
	gw    discovery.Gateway
	stats StatsFunc
}

// Mesh mounts the read-only registry views and the KV passthrough on r:
//
//	GET    /services
//	GET    /services/:name
//	GET    /instances/:name
//	GET    /stats
//	GET    /kv/*key
//	PUT    /kv/*key
//	DELETE /kv/*key
func Mesh(r gin.IRouter, gw discovery.Gateway, stats StatsFunc) {
	h := &meshHandler{gw: gw, stats: stats}
	r.GET("/services", h.services)
	r.GET("/services/:name", h.serviceDetails)
	r.GET("/instances/:name", h.instances)
	r.GET("/stats", h.clientStats)
	r.GET("/kv/*key", h.getKV)
	r.PUT("/kv/*key", h.putKV)
	r.DELETE("/kv/*key", h.deleteKV)
}

func (h *meshHandler) services(c *gin.Context) {
	services, err := h.gw.GetAllServices(c.Request.Context())
	if err != nil {
		RespondWithError(c, err)
		return
	}
	RespondOK(c, services)
}

func (h *meshHandler) serviceDetails(c *gin.Context) {
	name := c.Param("name")
	entries, err := h.gw.GetServiceDetails(c.Request.Context(), name)
	if err != nil {
		RespondWithError(c, err)
		return
	}
	if len(entries) == 0 {
		RespondWithError(c, apperrors.NotFound("service", name))
		return
	}
	RespondOK(c, entries)
}

func (h *meshHandler) instances(c *gin.Context) {
	instances, err := h.gw.DiscoverService(c.Request.Context(), c.Param("name"))
	if err != nil {
		RespondWithError(c, err)
		return
	}
	if instances == nil {
		instances = []discovery.ServiceInstance{}
	}
	RespondOK(c, instances)
}

func (h *meshHandler) clientStats(c *gin.Context) {
	stats := []discovery.ClientStats{}
	if h.stats != nil {
		stats = append(stats, h.stats()...)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].ServiceName < stats[j].ServiceName })
	RespondOK(c, stats)
}

func kvKey(c *gin.Context) (string, bool) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if key == "" {
		RespondWithError(c, apperrors.MissingField("key"))
		return "", false
	}
	return key, true
}

func (h *meshHandler) getKV(c *gin.Context) {
	key, ok := kvKey(c)
	if !ok {
		return
	}
	value, found, err := h.gw.GetKV(c.Request.Context(), key)
	if err != nil {
		RespondWithError(c, err)
		return
	}
	if !found {
		RespondWithError(c, apperrors.NotFound("key", key))
		return
	}
	RespondOK(c, gin.H{"key": key, "value": value})
}

func (h *meshHandler) putKV(c *gin.Context) {
	key, ok := kvKey(c)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxKVValue+1))
	if err != nil {
		RespondWithError(c, apperrors.InvalidInput("value", err.Error()))
		return
	}
	if len(body) > maxKVValue {
		RespondWithError(c, apperrors.InvalidInput("value", "value too large"))
		return
	}
	if err := h.gw.SetKV(c.Request.Context(), key, string(body)); err != nil {
		RespondWithError(c, err)
		return
	}
	RespondOK(c, gin.H{"key": key, "value": string(body)})
}

func (h *meshHandler) deleteKV(c *gin.Context) {
	key, ok := kvKey(c)
	if !ok {
		return
	}
	if err := h.gw.DeleteKV(c.Request.Context(), key); err != nil {
		RespondWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
