package media

import (
	"fmt"
	"sync/atomic"
)

// LinkGuard makes linking into one sink port happen at most once even when
// port-added callbacks fire repeatedly or race each other.
type LinkGuard struct {
	claimed atomic.Bool
}

// Linked reports whether a link through this guard has succeeded.
func (g *LinkGuard) Linked() bool {
	return g.claimed.Load()
}

// LinkOnce links src to sink unless the guard has already been claimed or the
// sink is already linked elsewhere. It returns true when this call created the
// link. A failed link releases the guard so a later port may try again.
func (g *LinkGuard) LinkOnce(src, sink Port) (bool, error) {
	if !g.claimed.CompareAndSwap(false, true) {
		return false, nil
	}
	if sink.IsLinked() {
		return false, nil
	}
	if err := src.Link(sink); err != nil {
		g.claimed.Store(false)
		return false, fmt.Errorf("link %s -> %s: %w", src.Name(), sink.Name(), err)
	}
	return true, nil
}
