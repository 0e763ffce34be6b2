package k8090

import (
	"fmt"
	"time"
)

// pending is an in-flight request awaiting correlation.
type pending struct {
	req      *Request
	expect   Opcode
	burst    bool
	relays   Mask // Relays still expected by a burst.
	count    int  // Responses still expected.
	deadline time.Time
	frames   []Frame
}

func (p *pending) matches(f Frame) bool {
	if f.Opcode != p.expect {
		return false
	}
	if p.burst {
		return p.relays&f.Mask != 0
	}
	return true
}

// tombstone remembers responses owed by a timed out request so that they
// are recognised as late when they eventually arrive.
type tombstone struct {
	expect Opcode
	burst  bool
	relays Mask
	count  int
	until  time.Time
}

// pendingTable correlates requests with responses. It is only ever
// accessed from the engine goroutine.
type pendingTable struct {
	limit      int
	entries    []*pending // Oldest first.
	tombstones []tombstone
}

func newPendingTable(limit int) *pendingTable {
	return &pendingTable{limit: limit}
}

func (t *pendingTable) len() int {
	return len(t.entries)
}

func (t *pendingTable) insert(p *pending) error {
	if t.limit > 0 && len(t.entries) >= t.limit {
		return fmt.Errorf("pending table full (%d entries)", t.limit)
	}
	if p.burst {
		p.count = p.relays.Count()
	}
	t.entries = append(t.entries, p)
	return nil
}

// expects reports whether any entry awaits op.
func (t *pendingTable) expects(op Opcode) bool {
	for _, p := range t.entries {
		if p.expect == op {
			return true
		}
	}
	return false
}

// match attributes f to the oldest matching entry. It returns the entry
// and whether it is now fully resolved, in which case it has been removed.
func (t *pendingTable) match(f Frame) (*pending, bool) {
	for i, p := range t.entries {
		if !p.matches(f) {
			continue
		}

		p.frames = append(p.frames, f)
		if p.burst {
			p.relays &^= f.Mask
			p.count = p.relays.Count()
		} else {
			p.count--
		}

		if p.count > 0 {
			return p, false
		}
		t.entries = append(t.entries[:i], t.entries[i+1:]...)
		return p, true
	}
	return nil, false
}

// nextDeadline returns the earliest deadline of the table.
func (t *pendingTable) nextDeadline() (time.Time, bool) {
	var next time.Time
	for _, p := range t.entries {
		if next.IsZero() || p.deadline.Before(next) {
			next = p.deadline
		}
	}
	return next, !next.IsZero()
}

// expire removes and returns the entries whose deadline is not after now.
// Their outstanding responses are remembered for lateWindow.
func (t *pendingTable) expire(now time.Time, lateWindow time.Duration) []*pending {
	var expired []*pending
	n := 0
	for _, p := range t.entries {
		if now.Before(p.deadline) {
			t.entries[n] = p
			n++
			continue
		}

		expired = append(expired, p)
		t.tombstones = append(t.tombstones, tombstone{
			expect: p.expect,
			burst:  p.burst,
			relays: p.relays,
			count:  p.count,
			until:  now.Add(lateWindow),
		})
	}
	clear(t.entries[n:])
	t.entries = t.entries[:n]
	return expired
}

// late reports whether f is a response owed to an expired request and
// consumes it.
func (t *pendingTable) late(f Frame, now time.Time) bool {
	n := 0
	for _, ts := range t.tombstones {
		if now.Before(ts.until) && ts.count > 0 {
			t.tombstones[n] = ts
			n++
		}
	}
	t.tombstones = t.tombstones[:n]

	for i := range t.tombstones {
		ts := &t.tombstones[i]
		if ts.expect != f.Opcode || (ts.burst && ts.relays&f.Mask == 0) {
			continue
		}

		if ts.burst {
			ts.relays &^= f.Mask
			ts.count = ts.relays.Count()
		} else {
			ts.count--
		}
		if ts.count == 0 {
			t.tombstones = append(t.tombstones[:i], t.tombstones[i+1:]...)
		}
		return true
	}
	return false
}

// drain removes and returns every entry.
func (t *pendingTable) drain() []*pending {
	entries := t.entries
	t.entries = nil
	t.tombstones = nil
	return entries
}
