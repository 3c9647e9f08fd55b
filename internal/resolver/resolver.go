// Package resolver maps session identifiers to backend folder ids with
// find-or-create semantics.
package resolver

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/copygo/uploader/internal/backend"
	"github.com/copygo/uploader/internal/logging"
)

// Resolver resolves destination folders. Lookups are memoized per process
// so repeated uploads into the same session cost one backend round trip
// total, not one per request. Safe for concurrent use.
type Resolver struct {
	client backend.Client

	// destID, when set, bypasses session foldering entirely.
	destID     string
	rootName   string
	rootParent string

	mu    sync.Mutex
	cache map[string]string
}

// New creates a resolver. rootName is the shared parent of all session
// folders; rootParent optionally pins it under a specific backend folder.
func New(client backend.Client, destID, rootName, rootParent string) *Resolver {
	return &Resolver{
		client:     client,
		destID:     destID,
		rootName:   rootName,
		rootParent: rootParent,
		cache:      make(map[string]string),
	}
}

// SessionFolder returns the folder id files for sid should land in,
// creating the sessions root and the session folder as needed.
func (r *Resolver) SessionFolder(ctx context.Context, sid string) (string, error) {
	if r.destID != "" {
		return r.destID, nil
	}

	rootID, err := r.findOrCreate(ctx, r.rootName, r.rootParent)
	if err != nil {
		return "", fmt.Errorf("resolve sessions root: %w", err)
	}

	id, err := r.findOrCreate(ctx, sid, rootID)
	if err != nil {
		return "", fmt.Errorf("resolve session %q: %w", sid, err)
	}
	return id, nil
}

// findOrCreate returns the id of the folder name under parentID, creating
// it when absent. Only successful resolutions are cached, so a transient
// backend failure does not poison later requests.
func (r *Resolver) findOrCreate(ctx context.Context, name, parentID string) (string, error) {
	key := parentID + "\x00" + name

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.cache[key]; ok {
		return id, nil
	}

	id, err := r.client.ListFolder(ctx, name, parentID)
	if err != nil {
		return "", err
	}
	if id == "" {
		id, err = r.client.CreateFolder(ctx, name, parentID)
		if err != nil {
			return "", err
		}
		logging.Info("folder created",
			zap.String("name", name),
			zap.String("parent", parentID),
			zap.String("id", id))
	}

	r.cache[key] = id
	return id, nil
}
