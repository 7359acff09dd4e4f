package registry

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotFound is matched by errors.Is for every missing-item result.
var ErrNotFound = errors.New("active work item not found")

// ErrUpdateConflict is returned when an update kept losing the optimistic
// race against other writers of the same item.
var ErrUpdateConflict = errors.New("active work item update conflict")

// NotFoundError describes which item was missing.
type NotFoundError struct {
	Registry string
	Key      string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: registry=%s key=%s id=%s", ErrNotFound, e.Registry, e.Key, e.ID)
}

// Is lets errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// IsNotFound reports whether err is a missing-item result.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
