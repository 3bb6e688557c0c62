package draft

import (
	"context"
	"errors"
)

// ErrConflict is returned by Store.Save when the draft's revision no longer
// matches the stored revision. The caller must reload and retry the mutation.
var ErrConflict = errors.New("draft revision conflict")

// Store is the persistence interface for drafts. Implementations must be
// safe for concurrent use.
//
// Load returns (nil, nil) when the draft does not exist. Save performs a
// compare-and-swap on Revision: it fails with ErrConflict unless the stored
// revision equals the draft's Revision, and increments Revision on success.
type Store interface {
	Load(ctx context.Context, draftID string) (*Draft, error)
	Save(ctx context.Context, d *Draft) error
	Delete(ctx context.Context, draftID string) error
}
