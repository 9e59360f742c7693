package topology

import (
	"errors"
	"fmt"

	"github.com/rmacdonaldsmith/meshtopo-go/pkg/peerregistry"
)

var (
	// ErrUnknownPeer is the registry's unknown-peer error, re-exported for topology callers.
	// It is absorbed by callers: removal and state reports race under churn.
	ErrUnknownPeer = peerregistry.ErrUnknownPeer
	// ErrUnreachableGroup marks a group with no bridge-eligible peer
	ErrUnreachableGroup = errors.New("unreachable group")
	// ErrCapacityExceeded is returned when an assignment or merge would exceed the max group size
	ErrCapacityExceeded = errors.New("group capacity exceeded")
	// ErrUnknownGroup is returned when an operation references a group that does not exist
	ErrUnknownGroup = errors.New("unknown group")
)

// UnreachableGroupError reports one group that cannot be bridged to the rest of the overlay
type UnreachableGroupError struct {
	Group GroupID
}

func (e *UnreachableGroupError) Error() string {
	return fmt.Sprintf("group %d has no bridge-eligible peer: %v", e.Group, ErrUnreachableGroup)
}

func (e *UnreachableGroupError) Unwrap() error {
	return ErrUnreachableGroup
}
