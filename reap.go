package blkio

import (
	"time"

	"golang.org/x/sys/unix"
)

// Completion is the harness-facing outcome of one operation. Err is nil
// on success; otherwise it carries the errno reported by the driver.
type Completion struct {
	Tag uint64
	Err error
}

// GetEvents drains between min and max completions into the engine's slot
// pool according to the configured wait mode, returning the count
// drained. The caller must consume all n slots via Event before
// submitting into them again. timeout is only honored by the block mode;
// min == 0 never blocks under the eventfd and loop modes.
func (e *Engine) GetEvents(min, max int, timeout *time.Duration) (int, error) {
	if max > len(e.completions) {
		return 0, NewConfigError("get-events", "max exceeds the completion slot pool")
	}
	if min > max {
		return 0, NewConfigError("get-events", "min exceeds max")
	}

	var (
		n   int
		err error
	)
	switch e.cfg.WaitMode {
	case WaitModeBlock:
		n, err = e.reapBlock(min, max, timeout)
	case WaitModeEventfd:
		n, err = e.reapEventfd(min, max)
	case WaitModeLoop:
		n, err = e.reapLoop(min, max)
	default:
		return 0, NewConfigError("get-events", "unknown wait mode")
	}
	if err != nil {
		return 0, err
	}

	e.obs.ObserveReap(n)
	return n, nil
}

// reapBlock delegates the whole wait to the driver's blocking drain.
func (e *Engine) reapBlock(min, max int, timeout *time.Duration) (int, error) {
	n, err := e.q.DoIO(e.completions[:max], min, max, timeout)
	if err != nil {
		return 0, NewBackendError("do-io", e.cfg.Driver, err)
	}
	return n, nil
}

// reapEventfd alternates non-blocking drains with blocking reads of the
// completion notification descriptor, one event token per wait cycle.
func (e *Engine) reapEventfd(min, max int) (int, error) {
	n, err := e.q.DoIO(e.completions[:max], 0, max, nil)
	if err != nil {
		return 0, NewBackendError("do-io", e.cfg.Driver, err)
	}

	var event [8]byte
	for n < min {
		r, err := unix.Read(e.completionFD, event[:])
		if err != nil {
			return 0, NewBackendError("completion-fd-read", e.cfg.Driver, err)
		}
		if r != len(event) {
			return 0, NewProtocolError("completion-fd-read",
				"short read on the completion descriptor")
		}

		more, err := e.q.DoIO(e.completions[n:max], 0, max-n, nil)
		if err != nil {
			return 0, NewBackendError("do-io", e.cfg.Driver, err)
		}
		n += more
	}
	return n, nil
}

// reapLoop busy-polls non-blocking drains until min completions have
// accumulated. A min of zero still performs one drain pass.
func (e *Engine) reapLoop(min, max int) (int, error) {
	n := 0
	for {
		more, err := e.q.DoIO(e.completions[n:max], 0, max-n, nil)
		if err != nil {
			return 0, NewBackendError("do-io", e.cfg.Driver, err)
		}
		n += more
		if n >= min {
			return n, nil
		}
	}
}

// Event translates the i-th reaped completion slot into its operation tag
// and outcome. Purely a lookup; the slot is reclaimable afterwards.
// Driver error codes map 1:1 onto errnos: a negative Ret becomes the
// corresponding errno attached to the tag.
func (e *Engine) Event(i int) Completion {
	rec := e.completions[i]
	c := Completion{Tag: rec.UserData}
	if rec.Ret != 0 {
		c.Err = unix.Errno(-rec.Ret)
		e.obs.ObserveError()
	}
	return c
}
