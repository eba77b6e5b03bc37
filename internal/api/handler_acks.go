package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"relay-queue-backend/internal/model"
	"relay-queue-backend/internal/queue"
)

// ListAcks returns the acknowledgement feed of one partition.
// GET /api/acks
func (h *Handler) ListAcks(c *gin.Context) {
	verr := &queue.ValidationError{}

	p, err := model.ParsePartition(c.Query("partition"))
	if err != nil {
		verr.Fields = append(verr.Fields, queue.FieldError{Field: "partition", Message: "partition must be master or slave"})
	}

	var statuses []model.Status
	for _, raw := range c.QueryArray("status") {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
				statuses = append(statuses, model.Status(s))
			}
		}
	}

	var includeInFlight bool
	if raw := c.Query("include_in_flight"); raw != "" {
		if includeInFlight, err = strconv.ParseBool(raw); err != nil {
			verr.Fields = append(verr.Fields, queue.FieldError{Field: "include_in_flight", Message: "include_in_flight must be a boolean"})
		}
	}
	limit := queryInt(c, "limit", verr)
	offset := queryInt(c, "offset", verr)
	if len(verr.Fields) > 0 {
		h.respondError(c, verr)
		return
	}

	acks, err := h.queue.History(c.Request.Context(), p, queue.HistoryRequest{
		CommandID:       c.Query("command_id"),
		OriginDeviceID:  c.Query("origin_device_id"),
		TargetDeviceID:  c.Query("target_device_id"),
		Statuses:        statuses,
		IncludeInFlight: includeInFlight,
		Limit:           limit,
		Offset:          offset,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"acks": acks, "count": len(acks)})
}
