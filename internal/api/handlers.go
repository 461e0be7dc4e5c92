package api

import (
	"net/http"
	"strconv"
	"time"

	"example.com/backstage/services/powerwatch/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
)

const (
	defaultTelemetryLimit = 100
	maxTelemetryLimit     = 1000
)

// StatsSource reports runtime counters for the admin stats view.
type StatsSource interface {
	Stats() map[string]interface{}
}

// APIHandlers holds all HTTP handlers
type APIHandlers struct {
	services *core.ServiceRegistry
	stats    map[string]StatsSource
}

// NewAPIHandlers creates a new handler instance
func NewAPIHandlers(services *core.ServiceRegistry) *APIHandlers {
	return &APIHandlers{
		services: services,
		stats:    map[string]StatsSource{},
	}
}

// AddStatsSource exposes the counters of source under name in GET /api/admin/stats.
func (h *APIHandlers) AddStatsSource(name string, source StatsSource) {
	h.stats[name] = source
}

// HealthCheck returns service health status
func (h *APIHandlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   "powerwatch-api",
	})
}

// --- PowerWatch ingestion ---

// IngestEventBatch queues field events. 202 means stored, not processed.
func (h *APIHandlers) IngestEventBatch(c *gin.Context) {
	var req core.BatchRequest
	if !bindJSON(c, &req) {
		return
	}

	receipt, err := h.services.Ingestion.IngestBatch(c.Request.Context(), &req)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, receipt)
}

// --- Telemetry ---

func (h *APIHandlers) IngestTelemetry(c *gin.Context) {
	var req core.TelemetryRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.services.Telemetry.Ingest(c.Request.Context(), &req)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetDeviceTelemetry retrieves historical telemetry
func (h *APIHandlers) GetDeviceTelemetry(c *gin.Context) {
	deviceID, ok := uintParam(c, "id", "invalid device id")
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultTelemetryLimit)))
	if limit <= 0 || limit > maxTelemetryLimit {
		limit = defaultTelemetryLimit
	}

	rows, err := h.services.Telemetry.ListTelemetry(c.Request.Context(), deviceID, limit)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"telemetry": rows,
		"count":     len(rows),
	})
}

// --- Admin ---

func (h *APIHandlers) ListInbox(c *gin.Context) {
	events, err := h.services.Admin.ListInbox(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, events)
}

// ResolveInbox settles a rejected event by merge or create.
func (h *APIHandlers) ResolveInbox(c *gin.Context) {
	eventID, ok := uintParam(c, "id", "invalid event id")
	if !ok {
		return
	}

	var req core.ResolveRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.services.Admin.ResolveInbox(c.Request.Context(), eventID, &req)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *APIHandlers) ListDevices(c *gin.Context) {
	devices, err := h.services.Admin.ListDevices(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, devices)
}

func (h *APIHandlers) GetDevice(c *gin.Context) {
	id, ok := uintParam(c, "id", "invalid device id")
	if !ok {
		return
	}

	device, err := h.services.Admin.GetDevice(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, device)
}

func (h *APIHandlers) ListServiceHistory(c *gin.Context) {
	entries, err := h.services.Admin.ListServiceHistory(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *APIHandlers) ListRecommendations(c *gin.Context) {
	recs, err := h.services.Admin.ListRecommendations(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, recs)
}

func (h *APIHandlers) ListRecentTelemetry(c *gin.Context) {
	rows, err := h.services.Admin.ListTelemetry(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

// GetSystemStats returns event counts per status plus runtime counters.
func (h *APIHandlers) GetSystemStats(c *gin.Context) {
	counts, err := h.services.Admin.EventCounts(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}

	stats := gin.H{
		"events":    counts,
		"worker":    h.services.Worker.Stats(),
		"timestamp": time.Now().UTC(),
	}
	for name, source := range h.stats {
		stats[name] = source.Stats()
	}

	c.JSON(http.StatusOK, stats)
}

// --- Partners ---

func (h *APIHandlers) CreateCustomer(c *gin.Context) {
	partner, ok := c.MustGet(partnerContextKey).(*core.Partner)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "partner authentication required"})
		return
	}

	var req core.CreateCustomerRequest
	if !bindJSON(c, &req) {
		return
	}

	customer, err := h.services.Partners.CreateCustomer(c.Request.Context(), partner, &req)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, customer)
}

func (h *APIHandlers) GetDeviceStatus(c *gin.Context) {
	status, err := h.services.Partners.DeviceStatus(c.Request.Context(), c.Param("serial"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// --- Sizing ---

func (h *APIHandlers) RecommendSizing(c *gin.Context) {
	var req core.SizingInput
	if !bindJSON(c, &req) {
		return
	}

	outcome, err := h.services.Sizing.Recommend(c.Request.Context(), &req)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, outcome)
}

// Request bodies keep numbers as json.Number so metric values survive unchanged.
func init() {
	binding.EnableDecoderUseNumber = true
}

// bindJSON writes the 400 itself on failure.
func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request format", "details": err.Error()})
		return false
	}
	return true
}

func uintParam(c *gin.Context, name, message string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": message})
		return 0, false
	}
	return uint(id), true
}
