package updatelog

import (
	"context"
	"errors"
	"io"

	"github.com/rmacdonaldsmith/meshtopo-go/pkg/topology"
)

var (
	// ErrTruncated is returned when the requested versions are no longer retained
	ErrTruncated = errors.New("requested versions have been truncated from the journal")
	// ErrNegativeMaxCount is returned when a read asks for a negative number of updates
	ErrNegativeMaxCount = errors.New("max count cannot be negative")
	// ErrClosed is returned by operations on a closed journal
	ErrClosed = errors.New("journal is closed")
)

// Journal records published topology updates in version order.
// It is an ActionSink: the manager feeds it from its single writer.
type Journal interface {
	topology.ActionSink
	io.Closer

	// ReadFrom returns up to maxCount updates with a version greater than after.
	ReadFrom(ctx context.Context, after uint64, maxCount int) ([]topology.Update, error)

	// EndVersion returns the version of the newest recorded update, 0 when empty.
	EndVersion(ctx context.Context) (uint64, error)

	// Replay streams every update with a version greater than after.
	// Both channels are closed once the retained updates have been sent or ctx is done.
	Replay(ctx context.Context, after uint64) (<-chan topology.Update, <-chan error)

	// Statistics returns retention figures for the journal.
	Statistics(ctx context.Context) (Statistics, error)
}

// Statistics describes what the journal currently retains
type Statistics struct {
	Retained     int    `json:"retained"`
	Capacity     int    `json:"capacity"`
	FirstVersion uint64 `json:"firstVersion"`
	LastVersion  uint64 `json:"lastVersion"`

	// Dropped counts updates evicted to stay within capacity
	Dropped uint64 `json:"dropped"`
}
