// Package controller holds the HTTP handlers for the sandbox API.
package controller

import (
	"time"

	"isolator/internal/isolator/executor"
	"isolator/internal/isolator/service"
	"isolator/internal/isolator/spec"
	appErr "isolator/pkg/errors"
	"isolator/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// SandboxController handles sandbox HTTP endpoints.
type SandboxController struct {
	svc *service.Service
}

// NewSandboxController creates a new SandboxController.
func NewSandboxController(svc *service.Service) *SandboxController {
	return &SandboxController{svc: svc}
}

// Create provisions a new sandbox.
func (h *SandboxController) Create(c *gin.Context) {
	var req CreateSandboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	sandbox, err := h.svc.Create(c.Request.Context(), service.CreateInput{
		Owner:   req.Owner,
		Image:   req.Image,
		Profile: req.Profile,
		Limits:  req.Limits,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, toSandboxResponse(sandbox))
}

// Get returns the state of one sandbox.
func (h *SandboxController) Get(c *gin.Context) {
	sandboxID := c.Param("id")
	if sandboxID == "" {
		response.BadRequest(c, "Invalid sandbox id")
		return
	}
	sandbox, err := h.svc.Status(c.Request.Context(), sandboxID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, toSandboxResponse(sandbox))
}

// List returns every sandbox this node tracks.
func (h *SandboxController) List(c *gin.Context) {
	sandboxes := h.svc.List(c.Request.Context())
	items := make([]SandboxResponse, 0, len(sandboxes))
	for _, sb := range sandboxes {
		items = append(items, toSandboxResponse(sb))
	}
	response.Success(c, ListSandboxesResponse{Items: items, Total: len(items)})
}

// Delete tears a sandbox down. Unknown ids succeed.
func (h *SandboxController) Delete(c *gin.Context) {
	sandboxID := c.Param("id")
	if sandboxID == "" {
		response.BadRequest(c, "Invalid sandbox id")
		return
	}
	if err := h.svc.Delete(c.Request.Context(), sandboxID); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"sandbox_id": sandboxID, "deleted": true})
}

// Exec runs one command in the sandbox and waits for it.
func (h *SandboxController) Exec(c *gin.Context) {
	sandboxID := c.Param("id")
	if sandboxID == "" {
		response.BadRequest(c, "Invalid sandbox id")
		return
	}
	var req ExecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	record, err := h.svc.Exec(c.Request.Context(), sandboxID, executor.Request{
		Command:    req.Command,
		Shell:      req.Shell,
		Timeout:    time.Duration(req.TimeoutSeconds) * time.Second,
		Isolated:   req.Isolated,
		WorkingDir: req.WorkingDir,
		Env:        req.Env,
	})
	if err != nil {
		// A timeout still carries the captured output alongside the 504.
		if appErr.Is(err, appErr.TimedOut) {
			response.ErrorWithData(c, err, toExecResponse(record))
			return
		}
		response.Error(c, err)
		return
	}
	response.Success(c, toExecResponse(record))
}

// Health reports component status.
func (h *SandboxController) Health(c *gin.Context) {
	response.Success(c, h.svc.Health(c.Request.Context()))
}

func toSandboxResponse(sb spec.Sandbox) SandboxResponse {
	resp := SandboxResponse{
		SandboxID:      sb.ID,
		Owner:          sb.Owner,
		Image:          sb.Image,
		State:          string(sb.State),
		FailureReason:  sb.FailureReason,
		Limits:         sb.Limits,
		CreatedAt:      sb.CreatedAt.UTC().Format(time.RFC3339),
		LastActivityAt: sb.LastActivityAt.UTC().Format(time.RFC3339),
	}
	if sb.Container != nil {
		resp.ContainerID = sb.Container.ID
		resp.ImageDigest = sb.Container.ImageDigest
	}
	return resp
}

func toExecResponse(record spec.CommandExecution) ExecResponse {
	return ExecResponse{
		ExecutionID:     record.ID,
		SandboxID:       record.SandboxID,
		ExitCode:        record.ExitCode,
		Stdout:          record.Stdout,
		Stderr:          record.Stderr,
		StdoutTruncated: record.StdoutTruncated,
		StderrTruncated: record.StderrTruncated,
		TimedOut:        record.TimedOut,
		DurationMs:      record.FinishedAt.Sub(record.StartedAt).Milliseconds(),
	}
}

// CreateSandboxRequest defines the sandbox creation payload.
type CreateSandboxRequest struct {
	Owner   string                `json:"owner"`
	Image   string                `json:"image" binding:"required"`
	Profile *spec.SecurityProfile `json:"profile"`
	Limits  *spec.ResourceLimits  `json:"limits"`
}

// SandboxResponse defines the sandbox view returned by the API.
type SandboxResponse struct {
	SandboxID      string              `json:"sandbox_id"`
	Owner          string              `json:"owner,omitempty"`
	Image          string              `json:"image"`
	ImageDigest    string              `json:"image_digest,omitempty"`
	ContainerID    string              `json:"container_id,omitempty"`
	State          string              `json:"state"`
	FailureReason  string              `json:"failure_reason,omitempty"`
	Limits         spec.ResourceLimits `json:"limits"`
	CreatedAt      string              `json:"created_at"`
	LastActivityAt string              `json:"last_activity_at"`
}

// ListSandboxesResponse wraps the sandbox listing.
type ListSandboxesResponse struct {
	Items []SandboxResponse `json:"items"`
	Total int               `json:"total"`
}

// ExecRequest defines the command execution payload.
type ExecRequest struct {
	Command        string   `json:"command" binding:"required"`
	Shell          bool     `json:"shell"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	Isolated       bool     `json:"isolated"`
	WorkingDir     string   `json:"working_dir"`
	Env            []string `json:"env"`
}

// ExecResponse defines the command execution result payload.
type ExecResponse struct {
	ExecutionID     string `json:"execution_id"`
	SandboxID       string `json:"sandbox_id"`
	ExitCode        int    `json:"exit_code"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	StdoutTruncated bool   `json:"stdout_truncated"`
	StderrTruncated bool   `json:"stderr_truncated"`
	TimedOut        bool   `json:"timed_out"`
	DurationMs      int64  `json:"duration_ms"`
}
