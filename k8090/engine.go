package k8090

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdouchement/logger"
	"golang.org/x/sync/errgroup"
)

// Options tunes the engine. Zero fields take their default value.
type Options struct {
	// Timeout is the deadline of ordinary commands.
	Timeout time.Duration
	// ResetTimeout is the deadline of the factory reset command class.
	ResetTimeout time.Duration
	// Spacing is the quiet time kept after a command resolves. Zero
	// selects DefaultSpacing, a negative value disables spacing.
	Spacing time.Duration
	// ResetSpacing is the settle delay kept after a factory reset.
	ResetSpacing time.Duration
	// LateWindow is how long responses owed to a timed out request are
	// recognised and discarded. It defaults to Timeout.
	LateWindow time.Duration
	// Pipeline allows a command to be issued while others are pending as
	// long as their expected responses are disjoint.
	Pipeline bool
	// QueueSize bounds the submission queue and the pending table.
	QueueSize int
	Logger    logger.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.ResetTimeout <= 0 {
		o.ResetTimeout = DefaultResetTimeout
	}
	switch {
	case o.Spacing == 0:
		o.Spacing = DefaultSpacing
	case o.Spacing < 0:
		o.Spacing = 0
	}
	if o.ResetSpacing <= 0 {
		o.ResetSpacing = DefaultResetSpacing
	}
	if o.LateWindow <= 0 {
		o.LateWindow = o.Timeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	return o
}

// Stats holds diagnostic counters of an engine.
type Stats struct {
	FramingErrors      uint64 `json:"framing_errors"`
	ProtocolViolations uint64 `json:"protocol_violations"`
	Timeouts           uint64 `json:"timeouts"`
	LateResponses      uint64 `json:"late_responses"`
	Discarded          uint64 `json:"discarded"`
}

// An Engine sequences commands on a Transport. All protocol state is owned
// by a single goroutine; callers hand requests over a queue.
type Engine struct {
	opts Options
	log  logger.Logger
	subs dispatcher

	// lifecycle guards session. Submit holds it for reading while
	// enqueuing so Close can drain the queue once it holds it for writing.
	lifecycle sync.RWMutex
	session   *session
	mirror    atomic.Pointer[Mirror]
	state     atomic.Int32

	framingErrors atomic.Uint64
	violations    atomic.Uint64
	timeouts      atomic.Uint64
	late          atomic.Uint64
	discarded     atomic.Uint64
}

type session struct {
	transport Transport
	mirror    *Mirror
	submit    chan *Request
	rx        chan []byte
	rxErr     chan error
	stop      chan struct{}
	stopOnce  sync.Once
	group     errgroup.Group
	fault     atomic.Pointer[error]
}

func (s *session) faulted() error {
	if err := s.fault.Load(); err != nil {
		return *err
	}
	return nil
}

// NewEngine returns a closed engine.
func NewEngine(opts Options) *Engine {
	opts = opts.withDefaults()
	e := &Engine{
		opts: opts,
		log:  opts.Logger,
	}
	e.mirror.Store(newMirror())
	return e
}

// SetLogger sets the logger used for wire traffic and anomalies. It must be
// called before Open.
func (e *Engine) SetLogger(l logger.Logger) {
	e.log = l
}

// Options returns the effective options.
func (e *Engine) Options() Options {
	return e.opts
}

func (e *Engine) State() State {
	return State(e.state.Load())
}

// Mirror returns the state mirror of the current (or last) session.
func (e *Engine) Mirror() *Mirror {
	return e.mirror.Load()
}

// Snapshot is a shortcut for Mirror().Snapshot().
func (e *Engine) Snapshot() Snapshot {
	return e.Mirror().Snapshot()
}

func (e *Engine) Stats() Stats {
	return Stats{
		FramingErrors:      e.framingErrors.Load(),
		ProtocolViolations: e.violations.Load(),
		Timeouts:           e.timeouts.Load(),
		LateResponses:      e.late.Load(),
		Discarded:          e.discarded.Load(),
	}
}

// Subscribe registers s for card events and returns a function removing it.
func (e *Engine) Subscribe(s Subscriber) (unsubscribe func()) {
	return e.subs.subscribe(s)
}

// Open starts a session on t with an empty mirror.
func (e *Engine) Open(t Transport) error {
	e.lifecycle.Lock()
	if e.session != nil {
		e.lifecycle.Unlock()
		return errors.New("engine already open")
	}

	s := &session{
		transport: t,
		mirror:    newMirror(),
		submit:    make(chan *Request, e.opts.QueueSize),
		rx:        make(chan []byte, 16),
		rxErr:     make(chan error, 1),
		stop:      make(chan struct{}),
	}
	e.session = s
	e.mirror.Store(s.mirror)
	e.state.Store(int32(StateIdle))

	s.group.Go(func() error { return e.read(s) })
	s.group.Go(func() error { return e.run(s) })
	e.lifecycle.Unlock()

	e.subs.connectionChanged(StateIdle)
	return nil
}

// Close stops the session. Queued and pending requests fail with ErrClosed.
func (e *Engine) Close() error {
	e.lifecycle.RLock()
	s := e.session
	e.lifecycle.RUnlock()
	if s == nil {
		return nil
	}

	s.stopOnce.Do(func() { close(s.stop) })
	err := s.transport.Close()
	s.group.Wait()

	e.lifecycle.Lock()
	owner := e.session == s
	if owner {
		e.session = nil
		for drained := false; !drained; {
			select {
			case req := <-s.submit:
				req.fail(ErrClosed)
			default:
				drained = true
			}
		}
	}
	e.lifecycle.Unlock()
	if !owner {
		return err
	}

	e.state.Store(int32(StateClosed))
	s.mirror.close()
	e.subs.connectionChanged(StateClosed)
	return err
}

// Submit hands a command frame to the engine. The frame opcode must be a
// catalog command.
func (e *Engine) Submit(f Frame) (*Request, error) {
	entry, ok := Lookup(f.Opcode)
	if !ok {
		return nil, fmt.Errorf("%w: unknown command %s", ErrInvalidArgument, f.Opcode)
	}
	if entry.Policy == PolicyBurst && f.Mask == 0 {
		return nil, fmt.Errorf("%w: %s needs at least one relay", ErrInvalidArgument, entry.Name)
	}

	e.lifecycle.RLock()
	defer e.lifecycle.RUnlock()
	s := e.session
	if s == nil {
		return nil, ErrClosed
	}
	if err := s.faulted(); err != nil {
		return nil, err
	}

	req := newRequest(entry, f)
	select {
	case s.submit <- req:
		return req, nil
	case <-s.stop:
		return nil, ErrClosed
	}
}

// read forwards inbound bytes to the engine goroutine.
func (e *Engine) read(s *session) error {
	buf := make([]byte, 64)
	for {
		select {
		case <-s.stop:
			return nil
		default:
		}

		n, err := s.transport.Read(buf, time.Now().Add(readPoll))
		if n > 0 {
			select {
			case s.rx <- bytes.Clone(buf[:n]):
			case <-s.stop:
				return nil
			}
		}
		if err == nil || errors.Is(err, ErrReadTimeout) {
			continue
		}

		// Closing the transport on Close unblocks Read with an error.
		select {
		case <-s.stop:
			return nil
		default:
		}

		select {
		case s.rxErr <- err:
		case <-s.stop:
		}
		return nil
	}
}

// runner holds the state owned by the engine goroutine.
type runner struct {
	e         *Engine
	s         *session
	queue     []*Request
	table     *pendingTable
	dec       Decoder
	nextIssue time.Time // Earliest time the next command may be written.
	lastWrite time.Time
}

func (e *Engine) run(s *session) error {
	r := &runner{
		e:     e,
		s:     s,
		table: newPendingTable(e.opts.QueueSize),
	}

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		r.issue(time.Now())
		r.updateState(time.Now())

		var wake <-chan time.Time
		if at, ok := r.wakeAt(time.Now()); ok {
			timer.Reset(time.Until(at))
			wake = timer.C
		}

		select {
		case <-s.stop:
			r.failAll(ErrClosed)
			return nil
		case req := <-s.submit:
			if err := s.faulted(); err != nil {
				req.fail(err)
				continue
			}
			r.queue = append(r.queue, req)
		case chunk := <-s.rx:
			for f, err := range r.dec.Decode(chunk) {
				if err != nil {
					r.framingError(err)
					continue
				}
				r.handle(f, time.Now())
			}
		case err := <-s.rxErr:
			r.fault(fmt.Errorf("%w: read: %w", ErrTransport, err))
		case <-wake:
		}

		r.expire(time.Now())
	}
}

// issue writes as many queued commands as the state machine allows.
func (r *runner) issue(now time.Time) {
	for len(r.queue) > 0 && r.s.faulted() == nil {
		req := r.queue[0]
		if req.Cancelled() {
			r.queue = r.queue[1:]
			continue
		}
		if !r.canIssue(req, now) {
			return
		}

		r.queue = r.queue[1:]
		if !req.start() {
			continue
		}
		r.write(req, now)
	}
}

func (r *runner) canIssue(req *Request, now time.Time) bool {
	if now.Before(r.nextIssue) {
		return false
	}
	if r.table.len() == 0 {
		return true
	}
	if !r.e.opts.Pipeline || req.entry.Policy == PolicyNone || r.table.expects(req.entry.Expect) {
		return false
	}
	return !now.Before(r.lastWrite.Add(req.entry.Spacing(r.e.opts)))
}

func (r *runner) write(req *Request, now time.Time) {
	raw := Encode(req.frame)
	if r.e.log != nil {
		r.e.log.Debugf("> % X (%s)", raw[:], req.entry.Name)
	}

	if _, err := r.s.transport.Write(raw[:]); err != nil {
		err = fmt.Errorf("%w: write: %w", ErrTransport, err)
		req.fail(err)
		r.fault(err)
		return
	}
	r.lastWrite = now

	if req.entry.Policy == PolicyNone {
		if req.claim() {
			req.finish(nil, nil)
		}
		r.nextIssue = now.Add(req.entry.Spacing(r.e.opts))
		return
	}

	p := &pending{
		req:      req,
		expect:   req.entry.Expect,
		burst:    req.entry.Policy == PolicyBurst,
		relays:   req.frame.Mask,
		count:    req.entry.Responses(req.frame),
		deadline: now.Add(req.entry.Timeout(r.e.opts)),
	}
	if err := r.table.insert(p); err != nil {
		req.fail(fmt.Errorf("%w: %w", ErrProtocol, err))
	}
}

// handle routes a decoded frame.
func (r *runner) handle(f Frame, now time.Time) {
	if r.e.log != nil {
		raw := Encode(f)
		r.e.log.Debugf("< % X (%s)", raw[:], f.Opcode)
	}

	// A tombstone is always older than any entry expecting the same
	// opcode and the card answers in order, so owed frames go first.
	if r.table.late(f, now) {
		r.e.late.Add(1)
		if r.e.log != nil {
			r.e.log.Warnf("Discarding late %s", f)
		}
		return
	}

	if p, resolved := r.table.match(f); p != nil {
		if !resolved {
			return
		}
		r.resolved(p.req, now)

		if !p.req.claim() {
			r.e.discarded.Add(1)
			if r.e.log != nil {
				r.e.log.Infof("Discarding response to cancelled %s", p.req.entry.Name)
			}
			return
		}

		var err error
		for _, f := range p.frames {
			err = errors.Join(err, r.apply(f, p.req))
		}
		p.req.finish(p.frames, err)
		return
	}

	if unsolicited(f.Opcode) {
		r.apply(f, nil)
		return
	}

	r.e.violations.Add(1)
	if r.e.log != nil {
		r.e.log.Warnf("Unexpected %s", f)
	}
}

// apply updates the mirror from f and notifies subscribers. req is the
// request f answers, nil for unsolicited frames.
func (r *runner) apply(f Frame, req *Request) error {
	var by Trigger
	if req != nil {
		by.Command = req.frame.Opcode
	}

	switch f.Opcode {
	case RspRelayStatus:
		rs := relayStatusOf(f)
		prev, known := r.s.mirror.applyRelayStatus(rs)
		if !known {
			prev = rs.Previous
		}
		if prev != rs.Current || rs.Previous != rs.Current {
			r.e.subs.relayStatusChanged(prev, rs.Current, by)
		}
	case RspButtonStatus:
		for i := range NumButtons {
			if Mask(f.ParamHi).Has(i) {
				r.e.subs.buttonEvent(i, true)
			}
			if Mask(f.ParamLo).Has(i) {
				r.e.subs.buttonEvent(i, false)
			}
		}
	case RspButtonMode:
		if err := r.s.mirror.applyButtonModes(buttonModesOf(f)); err != nil {
			r.e.violations.Add(1)
			if r.e.log != nil {
				r.e.log.WithError(err).Warnf("Rejecting %s", f)
			}
			return fmt.Errorf("%w: %w", ErrProtocol, err)
		}
	case RspTimer:
		kind := TimerDefault
		if req != nil {
			kind = TimerKind(req.frame.ParamHi)
		}
		for _, tv := range timerValuesOf(f, kind) {
			r.s.mirror.applyTimer(tv)
		}
	case RspJumper:
		r.s.mirror.applyJumper(jumperOf(f))
	case RspFirmware:
		r.s.mirror.applyFirmware(firmwareOf(f))
	}
	return nil
}

// resolved starts the cool down owed to a request leaving the table.
func (r *runner) resolved(req *Request, now time.Time) {
	if next := now.Add(req.entry.Spacing(r.e.opts)); next.After(r.nextIssue) {
		r.nextIssue = next
	}
}

func (r *runner) expire(now time.Time) {
	for _, p := range r.table.expire(now, r.e.opts.LateWindow) {
		r.e.timeouts.Add(1)
		r.resolved(p.req, now)
		if r.e.log != nil {
			r.e.log.Warnf("%s timed out after %s", p.req.entry.Name, p.req.entry.Timeout(r.e.opts))
		}
		p.req.fail(fmt.Errorf("%w after %s", ErrTimeout, p.req.entry.Timeout(r.e.opts)))
	}
}

func (r *runner) framingError(err error) {
	r.e.framingErrors.Add(1)
	if r.e.log != nil {
		r.e.log.Warn(err.Error())
	}
	r.e.subs.framingError(err)
}

func (r *runner) fault(err error) {
	if r.s.faulted() != nil {
		return
	}
	r.s.fault.Store(&err)
	r.e.state.Store(int32(StateFaulted))
	if r.e.log != nil {
		r.e.log.WithError(err).Error("Transport faulted")
	}
	r.failAll(err)
	r.e.subs.connectionChanged(StateFaulted)
}

func (r *runner) failAll(err error) {
	for _, req := range r.queue {
		req.fail(err)
	}
	r.queue = nil
	for _, p := range r.table.drain() {
		p.req.fail(err)
	}
}

// wakeAt returns when the engine goroutine must wake up on its own.
func (r *runner) wakeAt(now time.Time) (time.Time, bool) {
	var at time.Time
	earliest := func(t time.Time) {
		if !t.IsZero() && (at.IsZero() || t.Before(at)) {
			at = t
		}
	}

	if deadline, ok := r.table.nextDeadline(); ok {
		earliest(deadline)
	}
	if now.Before(r.nextIssue) {
		earliest(r.nextIssue)
	}
	if len(r.queue) > 0 && r.table.len() > 0 && r.e.opts.Pipeline {
		head := r.queue[0].entry
		if head.Policy != PolicyNone && !r.table.expects(head.Expect) {
			if next := r.lastWrite.Add(head.Spacing(r.e.opts)); now.Before(next) {
				earliest(next)
			}
		}
	}
	return at, !at.IsZero()
}

func (r *runner) updateState(now time.Time) {
	var state State
	switch {
	case r.s.faulted() != nil:
		state = StateFaulted
	case r.table.len() > 0:
		state = StateAwaiting
	case now.Before(r.nextIssue):
		state = StateCoolingDown
	default:
		state = StateIdle
	}
	r.e.state.Store(int32(state))
}
