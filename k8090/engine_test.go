package k8090_test

import (
	"context"
	"errors"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/mdouchement/k8090d/k8090"
	"github.com/mdouchement/k8090d/k8090/virtual"
)

type relayChange struct {
	prev, curr k8090.Mask
	by         k8090.Trigger
}

type buttonEvent struct {
	button  int
	pressed bool
}

// recorder collects engine events on buffered channels.
type recorder struct {
	relays  chan relayChange
	buttons chan buttonEvent
	states  chan k8090.State
	framing chan error
}

func newRecorder() *recorder {
	return &recorder{
		relays:  make(chan relayChange, 32),
		buttons: make(chan buttonEvent, 32),
		states:  make(chan k8090.State, 32),
		framing: make(chan error, 32),
	}
}

func (r *recorder) RelayStatusChanged(prev, curr k8090.Mask, by k8090.Trigger) {
	r.relays <- relayChange{prev: prev, curr: curr, by: by}
}

func (r *recorder) ButtonEvent(button int, pressed bool) {
	r.buttons <- buttonEvent{button: button, pressed: pressed}
}

func (r *recorder) ConnectionChanged(state k8090.State) {
	r.states <- state
}

func (r *recorder) FramingError(err error) {
	r.framing <- err
}

func receive[T any](c *qt.C, ch <-chan T) T {
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		c.Fatalf("no event received")
	}
	panic("unreachable")
}

func eventually(c *qt.C, cond func() bool) {
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			c.Fatalf("condition never met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitCtx(c *qt.C) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	c.Cleanup(cancel)
	return ctx
}

func newCard(c *qt.C, opts k8090.Options) (*k8090.Card, *virtual.Device) {
	if opts.Timeout == 0 {
		opts.Timeout = 200 * time.Millisecond
	}
	if opts.Spacing == 0 {
		opts.Spacing = 10 * time.Millisecond
	}
	if opts.ResetSpacing == 0 {
		opts.ResetSpacing = 20 * time.Millisecond
	}

	dev := virtual.New()
	card, err := k8090.New(dev, opts)
	c.Assert(err, qt.IsNil)
	c.Cleanup(func() {
		card.Close()
	})
	return card, dev
}

func TestSwitchOnRelays1And3(t *testing.T) {
	c := qt.New(t)
	card, dev := newCard(c, k8090.Options{})
	rec := newRecorder()
	card.Subscribe(rec)

	f, err := card.SwitchOn(0b00000101)
	c.Assert(err, qt.IsNil)
	rs, err := f.Wait(waitCtx(c))
	c.Assert(err, qt.IsNil)
	c.Assert(rs.Current, qt.Equals, k8090.Mask(0b00000101))

	c.Assert(dev.Written(), qt.DeepEquals, []byte{0x04, 0x11, 0x05, 0x00, 0x00, 0xE6, 0x0F})

	relays, ok := card.Mirror().Relays()
	c.Assert(ok, qt.IsTrue)
	c.Assert(relays.Current, qt.Equals, k8090.Mask(0b00000101))

	change := receive(c, rec.relays)
	c.Assert(change, qt.Equals, relayChange{prev: 0, curr: 0b101, by: k8090.Trigger{Command: k8090.CmdSwitchOn}})
}

func TestStartTimerExpires(t *testing.T) {
	c := qt.New(t)
	card, dev := newCard(c, k8090.Options{})
	rec := newRecorder()
	card.Subscribe(rec)

	f, err := card.StartTimer(0b00010000, 10*time.Second)
	c.Assert(err, qt.IsNil)
	rs, err := f.Wait(waitCtx(c))
	c.Assert(err, qt.IsNil)
	c.Assert(rs.Current, qt.Equals, k8090.Mask(0b00010000))
	c.Assert(rs.Timed, qt.Equals, k8090.Mask(0b00010000))
	c.Assert(dev.Written()[3:5], qt.DeepEquals, []byte{0x00, 0x0A})

	change := receive(c, rec.relays)
	c.Assert(change.curr, qt.Equals, k8090.Mask(0b00010000))
	c.Assert(change.by.Unsolicited(), qt.IsFalse)

	dev.Advance(9 * time.Second)
	c.Assert(dev.Relays(), qt.Equals, k8090.Mask(0b00010000))
	dev.Advance(time.Second)

	change = receive(c, rec.relays)
	c.Assert(change, qt.Equals, relayChange{prev: 0b00010000, curr: 0})
	c.Assert(change.by.Unsolicited(), qt.IsTrue)

	relays, _ := card.Mirror().Relays()
	c.Assert(relays.Current, qt.Equals, k8090.Mask(0))
	c.Assert(relays.Timed, qt.Equals, k8090.Mask(0))
}

func TestQueryFirmware(t *testing.T) {
	c := qt.New(t)
	card, dev := newCard(c, k8090.Options{})
	dev.SetFirmware(k8090.Firmware{Year: 2012, Week: 5})

	f, err := card.QueryFirmware()
	c.Assert(err, qt.IsNil)
	fw, err := f.Wait(waitCtx(c))
	c.Assert(err, qt.IsNil)
	c.Assert(fw, qt.Equals, k8090.Firmware{Year: 2012, Week: 5})

	mirrored, ok := card.Mirror().Firmware()
	c.Assert(ok, qt.IsTrue)
	c.Assert(mirrored, qt.Equals, fw)
}

func TestBackToBackCommandsAreSpaced(t *testing.T) {
	c := qt.New(t)
	const (
		spacing    = 100 * time.Millisecond
		replyDelay = 50 * time.Millisecond
	)
	card, dev := newCard(c, k8090.Options{Spacing: spacing})
	dev.SetReplyDelay(replyDelay)

	f1, err := card.SwitchOn(0b1)
	c.Assert(err, qt.IsNil)
	f2, err := card.SwitchOn(0b10)
	c.Assert(err, qt.IsNil)

	rs1, err := f1.Wait(waitCtx(c))
	c.Assert(err, qt.IsNil)
	rs2, err := f2.Wait(waitCtx(c))
	c.Assert(err, qt.IsNil)

	// The first answer cannot be read before replyDelay, and the second
	// command waits for spacing once that answer is in.
	writes := dev.WriteTimes()
	c.Assert(writes, qt.HasLen, 2)
	c.Assert(writes[1].Sub(writes[0]) >= replyDelay+spacing, qt.IsTrue, qt.Commentf("second write %s after the first", writes[1].Sub(writes[0])))
	c.Assert(rs1.Current, qt.Equals, k8090.Mask(0b01))
	c.Assert(rs2.Current, qt.Equals, k8090.Mask(0b11))
}

func TestCompletionFollowsSubmissionOrder(t *testing.T) {
	c := qt.New(t)
	card, _ := newCard(c, k8090.Options{})

	var futures []*k8090.Future[k8090.RelayStatus]
	for i := range 4 {
		f, err := card.Toggle(k8090.Mask(1) << i)
		c.Assert(err, qt.IsNil)
		futures = append(futures, f)
	}

	var expect k8090.Mask
	for i, f := range futures {
		rs, err := f.Wait(waitCtx(c))
		c.Assert(err, qt.IsNil)
		expect |= k8090.Mask(1) << i
		c.Assert(rs.Current, qt.Equals, expect)
	}
}

func TestTimeout(t *testing.T) {
	c := qt.New(t)
	const timeout = 100 * time.Millisecond
	card, dev := newCard(c, k8090.Options{Timeout: timeout})
	dev.SetSilent(true)

	start := time.Now()
	f, err := card.QueryJumper()
	c.Assert(err, qt.IsNil)
	_, err = f.Wait(waitCtx(c))
	c.Assert(err, qt.ErrorIs, k8090.ErrTimeout)
	c.Assert(time.Since(start) >= timeout, qt.IsTrue)
	c.Assert(card.Stats().Timeouts, qt.Equals, uint64(1))

	eventually(c, func() bool { return card.State() == k8090.StateIdle })

	dev.SetSilent(false)
	g, err := card.QueryRelays()
	c.Assert(err, qt.IsNil)
	_, err = g.Wait(waitCtx(c))
	c.Assert(err, qt.IsNil)
}

func TestLateResponseIsDiscarded(t *testing.T) {
	c := qt.New(t)
	const timeout = 100 * time.Millisecond
	card, dev := newCard(c, k8090.Options{Timeout: timeout})
	dev.SetJumper(true)
	dev.SetReplyDelay(timeout + 50*time.Millisecond)

	f, err := card.QueryJumper()
	c.Assert(err, qt.IsNil)
	_, err = f.Wait(waitCtx(c))
	c.Assert(err, qt.ErrorIs, k8090.ErrTimeout)

	eventually(c, func() bool { return card.Stats().LateResponses == 1 })
	_, known := card.Mirror().Jumper()
	c.Assert(known, qt.IsFalse)
	c.Assert(card.Stats().ProtocolViolations, qt.Equals, uint64(0))

	dev.SetReplyDelay(0)
	g, err := card.QueryJumper()
	c.Assert(err, qt.IsNil)
	set, err := g.Wait(waitCtx(c))
	c.Assert(err, qt.IsNil)
	c.Assert(set, qt.IsTrue)
}

func TestRetryIsNotAnsweredByLateResponse(t *testing.T) {
	c := qt.New(t)
	const timeout = 100 * time.Millisecond
	card, dev := newCard(c, k8090.Options{Timeout: timeout})
	dev.SetReplyDelay(timeout + 50*time.Millisecond)

	f, err := card.QueryJumper()
	c.Assert(err, qt.IsNil)
	_, err = f.Wait(waitCtx(c))
	c.Assert(err, qt.ErrorIs, k8090.ErrTimeout)

	// The stale answer (jumper not set) is still on its way when the
	// query is retried.
	dev.SetJumper(true)
	dev.SetReplyDelay(0)
	g, err := card.QueryJumper()
	c.Assert(err, qt.IsNil)
	set, err := g.Wait(waitCtx(c))
	c.Assert(err, qt.IsNil)
	c.Assert(set, qt.IsTrue)

	mirrored, known := card.Mirror().Jumper()
	c.Assert(known, qt.IsTrue)
	c.Assert(mirrored, qt.IsTrue)

	stats := card.Stats()
	c.Assert(stats.LateResponses, qt.Equals, uint64(1))
	c.Assert(stats.ProtocolViolations, qt.Equals, uint64(0))
}

func TestCancelInFlight(t *testing.T) {
	c := qt.New(t)
	card, dev := newCard(c, k8090.Options{})
	dev.SetReplyDelay(50 * time.Millisecond)

	f, err := card.SwitchOn(0b1)
	c.Assert(err, qt.IsNil)
	eventually(c, func() bool { return len(dev.Written()) == k8090.FrameSize })

	c.Assert(f.Cancel(), qt.IsTrue)
	c.Assert(f.Cancel(), qt.IsFalse)
	_, err = f.Wait(waitCtx(c))
	c.Assert(err, qt.ErrorIs, k8090.ErrCancelled)

	eventually(c, func() bool { return card.Stats().Discarded == 1 })
	_, ok := card.Mirror().Relays()
	c.Assert(ok, qt.IsFalse)
	c.Assert(dev.Relays(), qt.Equals, k8090.Mask(0b1))
}

func TestCancelQueued(t *testing.T) {
	c := qt.New(t)
	card, dev := newCard(c, k8090.Options{})
	dev.SetReplyDelay(50 * time.Millisecond)

	first, err := card.QueryJumper()
	c.Assert(err, qt.IsNil)
	second, err := card.SwitchOn(0b1)
	c.Assert(err, qt.IsNil)
	c.Assert(second.Cancel(), qt.IsTrue)

	_, err = first.Wait(waitCtx(c))
	c.Assert(err, qt.IsNil)

	third, err := card.QueryRelays()
	c.Assert(err, qt.IsNil)
	rs, err := third.Wait(waitCtx(c))
	c.Assert(err, qt.IsNil)
	c.Assert(rs.Current, qt.Equals, k8090.Mask(0))
	c.Assert(len(dev.Written()), qt.Equals, 2*k8090.FrameSize)
}

func TestPipelineDisjointCommands(t *testing.T) {
	c := qt.New(t)
	card, dev := newCard(c, k8090.Options{Timeout: 2 * time.Second, Pipeline: true})
	dev.SetSilent(true)

	first, err := card.QueryJumper()
	c.Assert(err, qt.IsNil)
	_, err = card.QueryFirmware()
	c.Assert(err, qt.IsNil)
	_, err = card.QueryJumper()
	c.Assert(err, qt.IsNil)

	// The firmware query is issued while the jumper query is pending but
	// the second jumper query waits for the first one.
	eventually(c, func() bool { return len(dev.Written()) == 2*k8090.FrameSize })
	time.Sleep(50 * time.Millisecond)
	c.Assert(len(dev.Written()), qt.Equals, 2*k8090.FrameSize)
	c.Assert(card.State(), qt.Equals, k8090.StateAwaiting)

	select {
	case <-first.Done():
		c.Fatalf("first request completed early")
	default:
	}
}

func TestPipelinedResponsesCompleteTheirOwnRequests(t *testing.T) {
	c := qt.New(t)
	card, dev := newCard(c, k8090.Options{Timeout: 2 * time.Second, Pipeline: true})
	dev.SetJumper(true)
	dev.SetFirmware(k8090.Firmware{Year: 2013, Week: 42})
	dev.SetReplyDelay(150 * time.Millisecond)

	jumper, err := card.QueryJumper()
	c.Assert(err, qt.IsNil)
	firmware, err := card.QueryFirmware()
	c.Assert(err, qt.IsNil)

	// Both queries are on the wire before the first answer.
	eventually(c, func() bool { return len(dev.Written()) == 2*k8090.FrameSize })
	select {
	case <-jumper.Done():
		c.Fatalf("jumper query completed before the firmware query was issued")
	default:
	}

	fw, err := firmware.Wait(waitCtx(c))
	c.Assert(err, qt.IsNil)
	c.Assert(fw, qt.Equals, k8090.Firmware{Year: 2013, Week: 42})

	set, err := jumper.Wait(waitCtx(c))
	c.Assert(err, qt.IsNil)
	c.Assert(set, qt.IsTrue)

	stats := card.Stats()
	c.Assert(stats.ProtocolViolations, qt.Equals, uint64(0))
	c.Assert(stats.LateResponses, qt.Equals, uint64(0))
}

func TestWriteFault(t *testing.T) {
	c := qt.New(t)
	card, dev := newCard(c, k8090.Options{})
	rec := newRecorder()
	card.Subscribe(rec)
	dev.FailWrites(errors.New("unplugged"))

	f, err := card.QueryRelays()
	c.Assert(err, qt.IsNil)
	_, err = f.Wait(waitCtx(c))
	c.Assert(err, qt.ErrorIs, k8090.ErrTransport)
	c.Assert(err, qt.ErrorMatches, `transport error: write: unplugged`)

	c.Assert(receive(c, rec.states), qt.Equals, k8090.StateFaulted)
	c.Assert(card.State(), qt.Equals, k8090.StateFaulted)

	_, err = card.QueryRelays()
	c.Assert(err, qt.ErrorIs, k8090.ErrTransport)

	c.Assert(card.Close(), qt.IsNil)
	c.Assert(receive(c, rec.states), qt.Equals, k8090.StateClosed)
	c.Assert(card.State(), qt.Equals, k8090.StateClosed)
}

func TestReadFault(t *testing.T) {
	c := qt.New(t)
	card, dev := newCard(c, k8090.Options{Timeout: 2 * time.Second})
	dev.SetSilent(true)

	f, err := card.QueryFirmware()
	c.Assert(err, qt.IsNil)
	eventually(c, func() bool { return len(dev.Written()) == k8090.FrameSize })

	dev.FailReads(errors.New("device reset"))
	_, err = f.Wait(waitCtx(c))
	c.Assert(err, qt.ErrorIs, k8090.ErrTransport)
	eventually(c, func() bool { return card.State() == k8090.StateFaulted })
}

func TestInvalidArgumentsNeverReachTheWire(t *testing.T) {
	c := qt.New(t)
	card, dev := newCard(c, k8090.Options{})

	_, err := card.SwitchOn(0)
	c.Assert(err, qt.ErrorIs, k8090.ErrInvalidArgument)
	_, err = card.Toggle(0)
	c.Assert(err, qt.ErrorIs, k8090.ErrInvalidArgument)
	_, err = card.StartTimer(0b1, 1500*time.Millisecond)
	c.Assert(err, qt.ErrorMatches, `invalid argument: delay 1.5s is not a whole number of seconds`)
	_, err = card.StartTimer(0b1, k8090.MaxDelay+time.Second)
	c.Assert(err, qt.ErrorIs, k8090.ErrInvalidArgument)
	_, err = card.StartTimer(0b1, -time.Second)
	c.Assert(err, qt.ErrorIs, k8090.ErrInvalidArgument)
	_, err = card.SetTimerDefault(0b1, 0)
	c.Assert(err, qt.ErrorIs, k8090.ErrInvalidArgument)
	_, err = card.QueryTimers(0, k8090.TimerDefault)
	c.Assert(err, qt.ErrorIs, k8090.ErrInvalidArgument)
	_, err = card.QueryTimers(0b1, 7)
	c.Assert(err, qt.ErrorIs, k8090.ErrInvalidArgument)
	_, err = card.SetButtonModes(k8090.ButtonModes{Toggle: 0b1})
	c.Assert(err, qt.ErrorIs, k8090.ErrInvalidArgument)
	_, err = card.Submit(k8090.Frame{Opcode: k8090.RspButtonStatus})
	c.Assert(err, qt.ErrorIs, k8090.ErrInvalidArgument)

	time.Sleep(20 * time.Millisecond)
	c.Assert(dev.Written(), qt.HasLen, 0)
}

func TestButtonEvents(t *testing.T) {
	c := qt.New(t)
	card, dev := newCard(c, k8090.Options{})
	rec := newRecorder()
	card.Subscribe(rec)

	dev.PressButton(2)
	c.Assert(receive(c, rec.buttons), qt.Equals, buttonEvent{button: 2, pressed: true})
	change := receive(c, rec.relays)
	c.Assert(change.curr, qt.Equals, k8090.Mask(0b100))
	c.Assert(change.by.Unsolicited(), qt.IsTrue)

	dev.ReleaseButton(2)
	c.Assert(receive(c, rec.buttons), qt.Equals, buttonEvent{button: 2, pressed: false})

	relays, ok := card.Mirror().Relays()
	c.Assert(ok, qt.IsTrue)
	c.Assert(relays.Current, qt.Equals, k8090.Mask(0b100))
}

func TestFramingErrorsAreReported(t *testing.T) {
	c := qt.New(t)
	card, dev := newCard(c, k8090.Options{})
	rec := newRecorder()
	card.Subscribe(rec)

	dev.Inject([]byte{0x04, 0x51, 0x00, 0x01, 0x00, 0x00, 0x0F})
	dev.Emit(k8090.Frame{Opcode: k8090.RspRelayStatus, ParamHi: 0b1})

	err := receive(c, rec.framing)
	c.Assert(err, qt.ErrorIs, k8090.ErrFraming)
	change := receive(c, rec.relays)
	c.Assert(change.curr, qt.Equals, k8090.Mask(0b1))
	c.Assert(card.Stats().FramingErrors, qt.Equals, uint64(1))
}

func TestUnexpectedFrameIsAViolation(t *testing.T) {
	c := qt.New(t)
	card, dev := newCard(c, k8090.Options{})

	dev.Emit(k8090.Frame{Opcode: k8090.RspJumper, ParamHi: 1})
	eventually(c, func() bool { return card.Stats().ProtocolViolations == 1 })
	_, known := card.Mirror().Jumper()
	c.Assert(known, qt.IsFalse)
}

func TestCloseFailsPendingRequests(t *testing.T) {
	c := qt.New(t)
	card, dev := newCard(c, k8090.Options{Timeout: 2 * time.Second})
	rec := newRecorder()
	card.Subscribe(rec)
	dev.SetSilent(true)

	f, err := card.QueryFirmware()
	c.Assert(err, qt.IsNil)
	g, err := card.QueryJumper()
	c.Assert(err, qt.IsNil)

	c.Assert(card.Close(), qt.IsNil)
	_, err = f.Wait(waitCtx(c))
	c.Assert(err, qt.ErrorIs, k8090.ErrClosed)
	_, err = g.Wait(waitCtx(c))
	c.Assert(err, qt.ErrorIs, k8090.ErrClosed)
	c.Assert(receive(c, rec.states), qt.Equals, k8090.StateClosed)

	_, err = card.QueryRelays()
	c.Assert(err, qt.ErrorIs, k8090.ErrClosed)
	c.Assert(card.Close(), qt.IsNil)

	// The engine can be opened again with a fresh mirror.
	c.Assert(card.Open(virtual.New()), qt.IsNil)
	c.Assert(receive(c, rec.states), qt.Equals, k8090.StateIdle)
	h, err := card.QueryRelays()
	c.Assert(err, qt.IsNil)
	_, err = h.Wait(waitCtx(c))
	c.Assert(err, qt.IsNil)
}
