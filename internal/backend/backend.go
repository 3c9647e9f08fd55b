// Package backend defines the Client interface for remote storage backends
// and provides a factory for the configured implementation.
package backend

import (
	"context"
	"io"

	"github.com/copygo/uploader/internal/models"
)

// Client is the boundary interface to the remote storage service.
// Implementations handle raw folder and object I/O; all business logic
// (path resolution, limits, aggregation) lives above this interface.
// Implementations must be safe for concurrent use.
type Client interface {
	// ListFolder looks up a non-trashed folder by name under parentID.
	// An empty parentID means "no parent constraint". Returns "" when
	// no such folder exists.
	ListFolder(ctx context.Context, name, parentID string) (string, error)

	// CreateFolder creates a folder named name under parentID and
	// returns its identifier.
	CreateFolder(ctx context.Context, name, parentID string) (string, error)

	// CreateFile streams body into a new file and returns its metadata.
	CreateFile(ctx context.Context, info models.FileInfo, body io.Reader) (*models.File, error)

	// Ping verifies the backend is reachable with the configured
	// credentials. Used by health and self-test endpoints.
	Ping(ctx context.Context) error
}
