package bmzmsg

// Pool is a fixed-size vector of Messages sharing an identical backing
// size and initial cursor offset (spec §4.2). There is no free list:
// allocation is a first-free linear scan, carved once at construction
// time from what spec §5 calls a "bump arena" — after NewPool returns,
// no further allocation occurs.
type Pool struct {
	msgs []Message
}

// NewPool carves n Messages of the given size and initial offset.
func NewPool(n, size, offset int) *Pool {
	p := &Pool{msgs: make([]Message, n)}
	for i := range p.msgs {
		p.msgs[i] = Message{buf: make([]byte, size), offset: offset}
	}
	return p
}

// Len returns the number of Messages in the pool.
func (p *Pool) Len() int { return len(p.msgs) }

// Idx returns the i-th Message regardless of its current in-use state.
// Used to acquire a known, single-owner slot for periodic emissions
// (spec §4.2, §9's pool+index aliasing trick) — callers that rely on
// this must keep pool length and any index-aliased structure (e.g. the
// ARP cache) the same length.
func (p *Pool) Idx(i int) *Message { return &p.msgs[i] }

// Alloc returns the first Message with InUse()==FlagFree, marks it
// Normal and clears its cursor. Returns nil if the pool is exhausted;
// per spec §7 this is a resource-pressure outcome the caller must
// tolerate, never a panic.
func (p *Pool) Alloc() *Message {
	for i := range p.msgs {
		if p.msgs[i].inUse == FlagFree {
			p.msgs[i].inUse = FlagNormal
			p.msgs[i].Clear()
			return &p.msgs[i]
		}
	}
	return nil
}

// InUseCount reports how many Messages are currently allocated, used by
// receive-window accounting (spec §4.9) and diagnostics.
func (p *Pool) InUseCount() int {
	n := 0
	for i := range p.msgs {
		if p.msgs[i].inUse != FlagFree {
			n++
		}
	}
	return n
}
