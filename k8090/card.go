package k8090

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// MaxDelay is the longest timer delay the card accepts.
const MaxDelay = math.MaxUint16 * time.Second

// Card is the high level API of a K8090. Every operation validates its
// arguments, enqueues the command and returns a handle completed by the
// engine. Invalid arguments are reported synchronously and never reach
// the wire.
type Card struct {
	*Engine
}

// New opens a card on an already opened transport.
func New(t Transport, opts Options) (*Card, error) {
	c := &Card{
		Engine: NewEngine(opts),
	}
	if err := c.Open(t); err != nil {
		return nil, err
	}
	return c, nil
}

// Open opens the card on the named serial port.
func Open(port string, opts Options) (*Card, error) {
	t, err := OpenSerial(port)
	if err != nil {
		return nil, err
	}

	c, err := New(t, opts)
	if err != nil {
		t.Close()
		return nil, err
	}
	return c, nil
}

// OpenAuto opens the first card found by Discover.
func OpenAuto(opts Options) (*Card, error) {
	ports, err := Discover()
	if err != nil {
		return nil, err
	}
	if len(ports) == 0 {
		return nil, ErrNotFound
	}

	if opts.Logger != nil {
		opts.Logger.Infof("Found K8090 on %s - SN: %s", ports[0].Name, ports[0].SerialNumber)
	}
	return Open(ports[0].Name, opts)
}

func (c *Card) SwitchOn(m Mask) (*Future[RelayStatus], error) {
	return c.switchRelays(CmdSwitchOn, m)
}

func (c *Card) SwitchOff(m Mask) (*Future[RelayStatus], error) {
	return c.switchRelays(CmdSwitchOff, m)
}

func (c *Card) Toggle(m Mask) (*Future[RelayStatus], error) {
	return c.switchRelays(CmdToggle, m)
}

func (c *Card) switchRelays(op Opcode, m Mask) (*Future[RelayStatus], error) {
	if m == 0 {
		return nil, fmt.Errorf("%w: %s needs at least one relay", ErrInvalidArgument, op)
	}
	return submit(c, op, Args{Mask: m}, parseRelayStatus)
}

// QueryRelays asks for the relay outputs.
func (c *Card) QueryRelays() (*Future[RelayStatus], error) {
	return submit(c, CmdQueryRelayStatus, Args{}, parseRelayStatus)
}

// StartTimer switches on the relays of m for delay. A zero delay uses the
// default delay stored in the card.
func (c *Card) StartTimer(m Mask, delay time.Duration) (*Future[RelayStatus], error) {
	if m == 0 {
		return nil, fmt.Errorf("%w: start-timer needs at least one relay", ErrInvalidArgument)
	}
	seconds, err := delaySeconds(delay)
	if err != nil {
		return nil, err
	}
	return submit(c, CmdStartTimer, Args{Mask: m, Delay: seconds}, parseRelayStatus)
}

// SetTimerDefault stores the default delay of the relays of m. The card
// does not acknowledge it so the returned handle resolves with a default
// timer query issued right after.
func (c *Card) SetTimerDefault(m Mask, delay time.Duration) (*Future[[]TimerValue], error) {
	if m == 0 {
		return nil, fmt.Errorf("%w: set-timer needs at least one relay", ErrInvalidArgument)
	}
	seconds, err := delaySeconds(delay)
	if err != nil {
		return nil, err
	}
	if seconds == 0 {
		return nil, fmt.Errorf("%w: default timer delay must be at least one second", ErrInvalidArgument)
	}

	if _, err = submit(c, CmdSetTimer, Args{Mask: m, Delay: seconds}, parseNothing); err != nil {
		return nil, err
	}
	return c.QueryTimers(m, TimerDefault)
}

// QueryTimers asks for the default or remaining delay of the relays of m.
// The card answers with one frame per relay.
func (c *Card) QueryTimers(m Mask, kind TimerKind) (*Future[[]TimerValue], error) {
	if m == 0 {
		return nil, fmt.Errorf("%w: query-timer needs at least one relay", ErrInvalidArgument)
	}
	if kind != TimerDefault && kind != TimerRemaining {
		return nil, fmt.Errorf("%w: unknown timer kind %d", ErrInvalidArgument, kind)
	}
	return submit(c, CmdQueryTimer, Args{Mask: m, Kind: kind}, func(frames []Frame) ([]TimerValue, error) {
		var values []TimerValue
		for _, f := range frames {
			values = append(values, timerValuesOf(f, kind)...)
		}
		return values, nil
	})
}

// SetButtonModes configures the buttons. Like SetTimerDefault, the
// returned handle resolves with the modes read back from the card.
func (c *Card) SetButtonModes(bm ButtonModes) (*Future[ButtonModes], error) {
	if err := bm.Validate(); err != nil {
		return nil, err
	}

	if _, err := submit(c, CmdSetButtonMode, Args{Buttons: bm}, parseNothing); err != nil {
		return nil, err
	}
	return c.QueryButtonModes()
}

func (c *Card) QueryButtonModes() (*Future[ButtonModes], error) {
	return submit(c, CmdQueryButtonMode, Args{}, func(frames []Frame) (ButtonModes, error) {
		bm := buttonModesOf(frames[0])
		return bm, bm.Validate()
	})
}

// FactoryReset restores the card defaults. The button modes and default
// timers are read back afterwards to keep the mirror accurate.
func (c *Card) FactoryReset() (*Future[struct{}], error) {
	f, err := submit(c, CmdFactoryReset, Args{}, parseNothing)
	if err != nil {
		return nil, err
	}

	if _, err = c.QueryButtonModes(); err != nil {
		return f, err
	}
	if _, err = c.QueryTimers(AllRelays, TimerDefault); err != nil {
		return f, err
	}
	return f, nil
}

func (c *Card) QueryFirmware() (*Future[Firmware], error) {
	return submit(c, CmdQueryFirmware, Args{}, func(frames []Frame) (Firmware, error) {
		return firmwareOf(frames[0]), nil
	})
}

// QueryJumper reports whether the jumper disabling the buttons is set.
func (c *Card) QueryJumper() (*Future[bool], error) {
	return submit(c, CmdQueryJumper, Args{}, func(frames []Frame) (bool, error) {
		return jumperOf(frames[0]), nil
	})
}

// Refresh reads the whole card state into the mirror.
func (c *Card) Refresh(ctx context.Context) error {
	var requests []*Request
	add := func(r *Request, err error) error {
		if err != nil {
			return err
		}
		requests = append(requests, r)
		return nil
	}

	err := errors.Join(
		add(request(c.QueryRelays())),
		add(request(c.QueryButtonModes())),
		add(request(c.QueryTimers(AllRelays, TimerDefault))),
		add(request(c.QueryTimers(AllRelays, TimerRemaining))),
		add(request(c.QueryFirmware())),
		add(request(c.QueryJumper())),
	)
	for _, r := range requests {
		if _, werr := r.Wait(ctx); werr != nil {
			err = errors.Join(err, fmt.Errorf("%s: %w", r.entry.Name, werr))
		}
	}
	return err
}

func request[T any](f *Future[T], err error) (*Request, error) {
	if err != nil {
		return nil, err
	}
	return f.Request(), nil
}

func submit[T any](c *Card, op Opcode, args Args, parse func([]Frame) (T, error)) (*Future[T], error) {
	entry, ok := Lookup(op)
	if !ok {
		return nil, fmt.Errorf("%w: unknown command %s", ErrInvalidArgument, op)
	}

	req, err := c.Submit(entry.Pack(args))
	if err != nil {
		return nil, err
	}
	return newFuture(req, parse), nil
}

func parseRelayStatus(frames []Frame) (RelayStatus, error) {
	return relayStatusOf(frames[0]), nil
}

func parseNothing([]Frame) (struct{}, error) {
	return struct{}{}, nil
}

func delaySeconds(d time.Duration) (uint16, error) {
	if d < 0 || d > MaxDelay {
		return 0, fmt.Errorf("%w: delay %s out of range [0s,%s]", ErrInvalidArgument, d, MaxDelay)
	}
	if d%time.Second != 0 {
		return 0, fmt.Errorf("%w: delay %s is not a whole number of seconds", ErrInvalidArgument, d)
	}
	return uint16(d / time.Second), nil
}
