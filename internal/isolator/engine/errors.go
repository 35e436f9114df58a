package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	appErr "isolator/pkg/errors"
)

// convertError translates engine client failures into the error taxonomy at
// the boundary. Nothing above this package sees a raw client error.
func convertError(err error, msg string) error {
	if err == nil {
		return nil
	}
	switch {
	case isUnavailable(err):
		return appErr.Wrap(err, appErr.EngineUnavailable).WithMessage(msg)
	case isNotFound(err):
		return appErr.Wrap(err, appErr.NotFound).WithMessage(msg)
	case isExhausted(err):
		return appErr.Wrap(err, appErr.ResourceExhausted).WithMessage(msg)
	case isConflict(err):
		return appErr.Wrap(err, appErr.Conflict).WithMessage(msg)
	default:
		return appErr.Wrap(err, appErr.EngineError).WithMessage(msg)
	}
}

// convertImageError is the image-specific variant: a missing image is
// permanent and must not be retried, so it gets its own code.
func convertImageError(err error, ref string) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return appErr.Wrap(err, appErr.ImageNotFound).WithDetail("image", ref)
	}
	return convertError(err, fmt.Sprintf("image %s resolve failed", ref))
}

func isNotFound(err error) bool {
	return errdefs.IsNotFound(err)
}

func isConflict(err error) bool {
	return errdefs.IsConflict(err)
}

func isUnavailable(err error) bool {
	if client.IsErrConnectionFailed(err) {
		return true
	}
	if err == context.DeadlineExceeded {
		return false
	}
	return errdefs.IsUnavailable(err)
}

// The daemon reports host exhaustion as plain 500s; the message is the only
// signal available.
func isExhausted(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "no space left") ||
		strings.Contains(s, "cannot allocate memory") ||
		strings.Contains(s, "too many open files") ||
		strings.Contains(s, "disk quota exceeded")
}
