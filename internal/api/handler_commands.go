package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"relay-queue-backend/internal/model"
	"relay-queue-backend/internal/queue"
)

// SubmitCommand enqueues one command.
// POST /api/commands/:partition
func (h *Handler) SubmitCommand(c *gin.Context) {
	p, ok := partitionParam(c, "partition")
	if !ok {
		return
	}

	var req queue.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	cmd, err := h.queue.Submit(c.Request.Context(), p, req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cmd)
}

// ExecuteRule batches a rule script into per-device commands.
// POST /api/rules/execute
func (h *Handler) ExecuteRule(c *gin.Context) {
	var req queue.RuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	res, err := h.queue.ExecuteRule(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	status := http.StatusCreated
	if len(res.Commands) == 0 {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

// GetCommand returns one command.
// GET /api/commands/:partition/:id
func (h *Handler) GetCommand(c *gin.Context) {
	p, ok := partitionParam(c, "partition")
	if !ok {
		return
	}
	cmd, err := h.queue.Get(c.Request.Context(), p, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cmd)
}

// CancelCommand expires a pending command.
// DELETE /api/commands/:partition/:id
func (h *Handler) CancelCommand(c *gin.Context) {
	p, ok := partitionParam(c, "partition")
	if !ok {
		return
	}
	cmd, err := h.queue.Cancel(c.Request.Context(), p, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cmd)
}

// CompleteCommand records the device's report for a claimed command.
// PATCH /api/commands/:partition/:id
func (h *Handler) CompleteCommand(c *gin.Context) {
	p, ok := partitionParam(c, "partition")
	if !ok {
		return
	}

	var req queue.CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	cmd, err := h.queue.Complete(c.Request.Context(), p, c.Param("id"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cmd)
}

// ClaimCommands hands pending commands to a polling hub.
// GET /api/devices/:device_id/commands
func (h *Handler) ClaimCommands(c *gin.Context) {
	verr := &queue.ValidationError{}
	p, err := model.ParsePartition(c.DefaultQuery("partition", string(model.PartitionSlave)))
	if err != nil {
		verr.Fields = append(verr.Fields, queue.FieldError{Field: "partition", Message: err.Error()})
	}
	limit := queryInt(c, "limit", verr)
	timeout := queryInt(c, "timeout_seconds", verr)
	if len(verr.Fields) > 0 {
		h.respondError(c, verr)
		return
	}

	cmds, err := h.queue.Claim(c.Request.Context(), p, queue.ClaimRequest{
		OriginDeviceID:     c.Param("device_id"),
		TargetDeviceID:     c.Query("target_device_id"),
		Limit:              limit,
		LockTimeoutSeconds: timeout,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"commands": cmds, "count": len(cmds)})
}

// queryInt parses an optional integer query parameter, recording a field error when
// it is malformed.
func queryInt(c *gin.Context, name string, verr *queue.ValidationError) int {
	raw := c.Query(name)
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		verr.Fields = append(verr.Fields, queue.FieldError{Field: name, Message: name + " must be an integer"})
		return 0
	}
	return v
}
