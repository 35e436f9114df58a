package service

import (
	"context"

	"isolator/internal/isolator/spec"
	"isolator/internal/isolator/workspace"
	appErr "isolator/pkg/errors"
)

// FileContent is the result of a workspace read.
type FileContent struct {
	Path      string `json:"path"`
	Data      []byte `json:"data"`
	Truncated bool   `json:"truncated"`
}

// ReadFile reads a file from the sandbox workspace via the host mount, without
// touching the container.
func (s *Service) ReadFile(ctx context.Context, sandboxID, path string) (FileContent, error) {
	if err := s.checkSandbox(sandboxID); err != nil {
		return FileContent{}, err
	}
	data, truncated, err := s.ws.ReadFile(sandboxID, path, s.maxFileReadBytes)
	if err != nil {
		return FileContent{}, err
	}
	s.touch(sandboxID)
	return FileContent{Path: path, Data: data, Truncated: truncated}, nil
}

// WriteFile writes a file into the sandbox workspace, creating parent
// directories as needed.
func (s *Service) WriteFile(ctx context.Context, sandboxID, path string, data []byte) error {
	if err := s.checkSandbox(sandboxID); err != nil {
		return err
	}
	if err := s.ws.WriteFile(sandboxID, path, data); err != nil {
		return err
	}
	s.touch(sandboxID)
	return nil
}

// DeleteFile removes a file or directory from the sandbox workspace.
func (s *Service) DeleteFile(ctx context.Context, sandboxID, path string) error {
	if err := s.checkSandbox(sandboxID); err != nil {
		return err
	}
	if err := s.ws.DeleteFile(sandboxID, path); err != nil {
		return err
	}
	s.touch(sandboxID)
	return nil
}

// CopyFile duplicates a file inside the sandbox workspace.
func (s *Service) CopyFile(ctx context.Context, sandboxID, src, dst string) error {
	if err := s.checkSandbox(sandboxID); err != nil {
		return err
	}
	if err := s.ws.CopyFile(sandboxID, src, dst); err != nil {
		return err
	}
	s.touch(sandboxID)
	return nil
}

// ListDir lists one directory level of the sandbox workspace.
func (s *Service) ListDir(ctx context.Context, sandboxID, path string) ([]workspace.FileInfo, error) {
	if err := s.checkSandbox(sandboxID); err != nil {
		return nil, err
	}
	return s.ws.ListDir(sandboxID, path)
}

func (s *Service) checkSandbox(sandboxID string) error {
	if sandboxID == "" {
		return appErr.ValidationError("sandbox_id", "required")
	}
	sandbox, ok := s.reg.Get(sandboxID)
	if !ok {
		return appErr.New(appErr.SandboxNotFound).WithSandbox(sandboxID)
	}
	if sandbox.State == spec.StateDestroyed || sandbox.State == spec.StateTerminating {
		return appErr.New(appErr.SandboxNotFound).WithSandbox(sandboxID)
	}
	return nil
}

func (s *Service) touch(sandboxID string) {
	_ = s.reg.Update(sandboxID, func(sb *spec.Sandbox) { sb.Touch() })
}
