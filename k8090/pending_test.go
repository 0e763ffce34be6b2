package k8090

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newPending(c *qt.C, op Opcode, mask Mask, deadline time.Time) *pending {
	entry, ok := Lookup(op)
	c.Assert(ok, qt.IsTrue)
	f := Frame{Opcode: op, Mask: mask}
	return &pending{
		req:      newRequest(entry, f),
		expect:   entry.Expect,
		burst:    entry.Policy == PolicyBurst,
		relays:   mask,
		count:    entry.Responses(f),
		deadline: deadline,
	}
}

func TestPendingTableFIFO(t *testing.T) {
	c := qt.New(t)
	table := newPendingTable(0)

	first := newPending(c, CmdSwitchOn, 0b1, epoch.Add(time.Second))
	second := newPending(c, CmdToggle, 0b10, epoch.Add(time.Second))
	c.Assert(table.insert(first), qt.IsNil)
	c.Assert(table.insert(second), qt.IsNil)
	c.Assert(table.expects(RspRelayStatus), qt.IsTrue)
	c.Assert(table.expects(RspJumper), qt.IsFalse)

	p, resolved := table.match(Frame{Opcode: RspRelayStatus, ParamHi: 0b1})
	c.Assert(p, qt.Equals, first)
	c.Assert(resolved, qt.IsTrue)

	p, resolved = table.match(Frame{Opcode: RspRelayStatus, ParamHi: 0b11})
	c.Assert(p, qt.Equals, second)
	c.Assert(resolved, qt.IsTrue)
	c.Assert(table.len(), qt.Equals, 0)

	p, _ = table.match(Frame{Opcode: RspRelayStatus})
	c.Assert(p, qt.IsNil)
}

func TestPendingTableBurst(t *testing.T) {
	c := qt.New(t)
	table := newPendingTable(0)

	p := newPending(c, CmdQueryTimer, 0b1010, epoch.Add(time.Second))
	c.Assert(table.insert(p), qt.IsNil)

	// A relay which was not asked for does not match.
	got, _ := table.match(Frame{Opcode: RspTimer, Mask: 0b1})
	c.Assert(got, qt.IsNil)

	got, resolved := table.match(Frame{Opcode: RspTimer, Mask: 0b1000, ParamLo: 5})
	c.Assert(got, qt.Equals, p)
	c.Assert(resolved, qt.IsFalse)
	c.Assert(table.len(), qt.Equals, 1)

	got, resolved = table.match(Frame{Opcode: RspTimer, Mask: 0b10, ParamLo: 7})
	c.Assert(got, qt.Equals, p)
	c.Assert(resolved, qt.IsTrue)
	c.Assert(p.frames, qt.DeepEquals, []Frame{
		{Opcode: RspTimer, Mask: 0b1000, ParamLo: 5},
		{Opcode: RspTimer, Mask: 0b10, ParamLo: 7},
	})
}

func TestPendingTableLimit(t *testing.T) {
	c := qt.New(t)
	table := newPendingTable(1)
	c.Assert(table.insert(newPending(c, CmdQueryJumper, 0, epoch)), qt.IsNil)
	c.Assert(table.insert(newPending(c, CmdQueryFirmware, 0, epoch)), qt.ErrorMatches, `pending table full \(1 entries\)`)
}

func TestPendingTableExpire(t *testing.T) {
	c := qt.New(t)
	table := newPendingTable(0)

	early := newPending(c, CmdQueryJumper, 0, epoch.Add(100*time.Millisecond))
	late := newPending(c, CmdQueryFirmware, 0, epoch.Add(200*time.Millisecond))
	c.Assert(table.insert(early), qt.IsNil)
	c.Assert(table.insert(late), qt.IsNil)

	deadline, ok := table.nextDeadline()
	c.Assert(ok, qt.IsTrue)
	c.Assert(deadline, qt.Equals, early.deadline)

	// Never expired before the deadline.
	c.Assert(table.expire(epoch.Add(99*time.Millisecond), time.Second), qt.HasLen, 0)

	expired := table.expire(epoch.Add(100*time.Millisecond), time.Second)
	c.Assert(expired, qt.HasLen, 1)
	c.Assert(expired[0], qt.Equals, early)
	c.Assert(table.len(), qt.Equals, 1)

	now := epoch.Add(150 * time.Millisecond)
	c.Assert(table.late(Frame{Opcode: RspFirmware}, now), qt.IsFalse)
	c.Assert(table.late(Frame{Opcode: RspJumper}, now), qt.IsTrue)
	// The tombstone is consumed.
	c.Assert(table.late(Frame{Opcode: RspJumper}, now), qt.IsFalse)
}

func TestPendingTableLateWindow(t *testing.T) {
	c := qt.New(t)
	table := newPendingTable(0)

	c.Assert(table.insert(newPending(c, CmdQueryTimer, 0b11, epoch)), qt.IsNil)
	c.Assert(table.expire(epoch, 100*time.Millisecond), qt.HasLen, 1)

	c.Assert(table.late(Frame{Opcode: RspTimer, Mask: 0b1}, epoch.Add(50*time.Millisecond)), qt.IsTrue)
	c.Assert(table.late(Frame{Opcode: RspTimer, Mask: 0b1}, epoch.Add(50*time.Millisecond)), qt.IsFalse)
	c.Assert(table.late(Frame{Opcode: RspTimer, Mask: 0b10}, epoch.Add(100*time.Millisecond)), qt.IsFalse)
}

func TestPendingTableDrain(t *testing.T) {
	c := qt.New(t)
	table := newPendingTable(0)
	p := newPending(c, CmdQueryJumper, 0, epoch)
	c.Assert(table.insert(p), qt.IsNil)
	drained := table.drain()
	c.Assert(drained, qt.HasLen, 1)
	c.Assert(drained[0], qt.Equals, p)
	c.Assert(table.len(), qt.Equals, 0)
	_, ok := table.nextDeadline()
	c.Assert(ok, qt.IsFalse)
}
