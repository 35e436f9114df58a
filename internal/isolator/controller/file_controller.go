package controller

import (
	"isolator/internal/isolator/service"
	"isolator/internal/isolator/workspace"
	"isolator/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// FileController handles workspace file endpoints.
type FileController struct {
	svc *service.Service
}

// NewFileController creates a new FileController.
func NewFileController(svc *service.Service) *FileController {
	return &FileController{svc: svc}
}

// Read returns one workspace file. Content is base64 in the JSON body.
func (h *FileController) Read(c *gin.Context) {
	sandboxID := c.Param("id")
	path := c.Query("path")
	if sandboxID == "" || path == "" {
		response.BadRequest(c, "sandbox id and path are required")
		return
	}
	content, err := h.svc.ReadFile(c.Request.Context(), sandboxID, path)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, FileReadResponse{
		Path:      content.Path,
		Content:   content.Data,
		Truncated: content.Truncated,
	})
}

// Write stores one workspace file, creating parent directories.
func (h *FileController) Write(c *gin.Context) {
	sandboxID := c.Param("id")
	if sandboxID == "" {
		response.BadRequest(c, "Invalid sandbox id")
		return
	}
	var req FileWriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	if err := h.svc.WriteFile(c.Request.Context(), sandboxID, req.Path, req.Content); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"path": req.Path, "bytes": len(req.Content)})
}

// Delete removes one workspace file or directory.
func (h *FileController) Delete(c *gin.Context) {
	sandboxID := c.Param("id")
	path := c.Query("path")
	if sandboxID == "" || path == "" {
		response.BadRequest(c, "sandbox id and path are required")
		return
	}
	if err := h.svc.DeleteFile(c.Request.Context(), sandboxID, path); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"path": path, "deleted": true})
}

// Copy duplicates a file inside the workspace.
func (h *FileController) Copy(c *gin.Context) {
	sandboxID := c.Param("id")
	if sandboxID == "" {
		response.BadRequest(c, "Invalid sandbox id")
		return
	}
	var req FileCopyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	if err := h.svc.CopyFile(c.Request.Context(), sandboxID, req.Source, req.Destination); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"source": req.Source, "destination": req.Destination})
}

// List returns one directory level of the workspace.
func (h *FileController) List(c *gin.Context) {
	sandboxID := c.Param("id")
	path := c.DefaultQuery("path", "/")
	if sandboxID == "" {
		response.BadRequest(c, "Invalid sandbox id")
		return
	}
	entries, err := h.svc.ListDir(c.Request.Context(), sandboxID, path)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, FileListResponse{Path: path, Entries: entries})
}

// FileReadResponse defines the file read payload.
type FileReadResponse struct {
	Path      string `json:"path"`
	Content   []byte `json:"content"`
	Truncated bool   `json:"truncated"`
}

// FileWriteRequest defines the file write payload.
type FileWriteRequest struct {
	Path    string `json:"path" binding:"required"`
	Content []byte `json:"content"`
}

// FileCopyRequest defines the file copy payload.
type FileCopyRequest struct {
	Source      string `json:"source" binding:"required"`
	Destination string `json:"destination" binding:"required"`
}

// FileListResponse defines the directory listing payload.
type FileListResponse struct {
	Path    string               `json:"path"`
	Entries []workspace.FileInfo `json:"entries"`
}
