package scene

import (
	"errors"
	"fmt"

	"github.com/hellhand/kube/internal/renderer"
)

var ErrCapacity = errors.New("subsystem capacity reached")

// checkCapacity fails once limit participants named name are registered.
// A limit of zero or less means no limit.
func checkCapacity(reg *renderer.Registry, name string, limit int) error {
	if limit <= 0 {
		return nil
	}
	if n := reg.Count(name); n >= limit {
		return fmt.Errorf("%w: %d of %d %s", ErrCapacity, n, limit, name)
	}
	return nil
}
