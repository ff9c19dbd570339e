// Package ingest runs source adapters and feeds what they fetch into the
// fact store, resuming each stream from its persisted cursor.
package ingest

import (
	"context"
	"time"

	"github.com/telhawk-systems/telhawk-ledger/internal/models"
)

// FetchRequest asks an adapter for the next batch of one stream.
type FetchRequest struct {
	ScopeID string
	Stream  string
	// Cursor is the opaque resumption point returned by the previous batch,
	// empty on the first fetch.
	Cursor      string
	WindowStart time.Time
	WindowEnd   time.Time
	Limit       int
}

// Batch is one page of facts from an adapter.
type Batch struct {
	Facts []*models.ActivityFact
	// Cursor resumes after the last fact of this batch.
	Cursor string
	// Done is set when the stream has nothing more to return for now.
	Done bool
}

// Adapter fetches activity from one external platform. Fetch may be slow
// and may fail; the collector persists progress after every batch so a
// retry resumes rather than rescans.
type Adapter interface {
	Name() string
	Fetch(ctx context.Context, req FetchRequest) (*Batch, error)
}
