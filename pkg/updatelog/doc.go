// Package updatelog provides interfaces for the append-only journal of topology updates.
//
// Every recomputation that changes the desired edge set publishes an Update with a new view
// version. The journal keeps those updates in version order so that a consumer which missed
// some of them can catch up from the last version it applied instead of diffing full views.
//
// The journal is bounded. Once the oldest entries have been dropped, reads that start before
// them fail with ErrTruncated and the consumer must resynchronize from the current view.
//
// Example usage:
//
//	// Read at most 100 updates published after version 41
//	updates, err := journal.ReadFrom(ctx, 41, 100)
//	if errors.Is(err, updatelog.ErrTruncated) {
//		view := manager.CurrentView() // resync
//	}
//
//	// Replay everything after version 41
//	updateChan, errChan := journal.Replay(ctx, 41)
//	for update := range updateChan {
//		apply(update)
//	}
//	if err := <-errChan; err != nil {
//		return err
//	}
package updatelog
