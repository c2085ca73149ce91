package task

import "fmt"

// Arena models the fixed bump arena that spec §4.5/§5 describes system
// definition carving queues, pools, and task-local state from: a single
// budget of bytes, debited as each task's resources are sized, with no
// further allocation once Define returns. Exhausting it is a
// programmer error (wrong task table for the target's RAM), so it
// panics rather than returning an error (spec §7's fatal category).
type Arena struct {
	remaining int
	total     int
}

// NewArena returns an Arena with the given byte budget.
func NewArena(size int) *Arena {
	return &Arena{remaining: size, total: size}
}

// Take debits n bytes from the arena, panicking if the budget is
// exhausted.
func (a *Arena) Take(n int) {
	if n > a.remaining {
		panic(fmt.Sprintf("bmz: arena exhausted: need %d, have %d of %d", n, a.remaining, a.total))
	}
	a.remaining -= n
}

// Remaining reports the unallocated budget, for diagnostics.
func (a *Arena) Remaining() int { return a.remaining }
