// Package virtual implements an in-process K8090 usable as a transport. It
// simulates the relays, timers, buttons and settings of the card closely
// enough to exercise the protocol engine without hardware.
package virtual

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/mdouchement/k8090d/k8090"
)

var ErrClosed = errors.New("virtual device closed")

// Factory defaults of the card.
const (
	DefaultTimer      = 5 // seconds
	DefaultButtonMode = k8090.ButtonToggle
)

var DefaultFirmware = k8090.Firmware{Year: 2010, Week: 32}

type chunk struct {
	at   time.Time
	data []byte
}

// Device is a virtual K8090. It implements k8090.Transport.
type Device struct {
	mu sync.Mutex

	relays    k8090.Mask
	timed     k8090.Mask
	remaining [k8090.NumRelays]time.Duration
	defaults  [k8090.NumRelays]uint16
	buttons   k8090.ButtonModes
	held      k8090.Mask
	jumper    bool
	firmware  k8090.Firmware

	silent     bool
	replyDelay time.Duration
	writeErr   error
	readErr    error

	dec     k8090.Decoder
	written []byte
	writes  []time.Time
	out     []chunk
	notify  chan struct{}
	closed  chan struct{}
	once    sync.Once
}

// New returns a device in its factory state with every relay off.
func New() *Device {
	d := &Device{
		firmware: DefaultFirmware,
		notify:   make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	d.factoryReset()
	return d
}

func (d *Device) factoryReset() {
	bm, _ := k8090.NewButtonModes([k8090.NumButtons]k8090.ButtonMode{
		DefaultButtonMode, DefaultButtonMode, DefaultButtonMode, DefaultButtonMode,
		DefaultButtonMode, DefaultButtonMode, DefaultButtonMode, DefaultButtonMode,
	})
	d.buttons = bm
	for i := range d.defaults {
		d.defaults[i] = DefaultTimer
	}
}

// SetSilent makes the device stop answering commands. Unsolicited events
// are still emitted.
func (d *Device) SetSilent(silent bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silent = silent
}

// SetReplyDelay delays every answer by delay.
func (d *Device) SetReplyDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replyDelay = delay
}

// SetJumper sets or removes the jumper disabling the buttons.
func (d *Device) SetJumper(set bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jumper = set
}

func (d *Device) SetFirmware(fw k8090.Firmware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.firmware = fw
}

// FailWrites makes every following Write fail with err.
func (d *Device) FailWrites(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeErr = err
}

// FailReads makes the next Read fail with err.
func (d *Device) FailReads(err error) {
	d.mu.Lock()
	d.readErr = err
	d.mu.Unlock()
	d.wake()
}

func (d *Device) Relays() k8090.Mask {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.relays
}

// Timed returns the relays with a running timer.
func (d *Device) Timed() k8090.Mask {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timed
}

func (d *Device) ButtonModes() k8090.ButtonModes {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buttons
}

// TimerDefault returns the default delay of the zero-indexed relay in
// seconds.
func (d *Device) TimerDefault(relay int) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.defaults[relay]
}

// Written returns every byte written to the device so far.
func (d *Device) Written() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.written)
}

// WriteTimes returns when each Write call happened.
func (d *Device) WriteTimes() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.writes)
}

// Inject queues raw bytes as if the card had sent them.
func (d *Device) Inject(raw []byte) {
	d.mu.Lock()
	d.push(time.Now(), slices.Clone(raw))
	d.mu.Unlock()
	d.wake()
}

// Emit queues a well-formed frame as if the card had sent it.
func (d *Device) Emit(f k8090.Frame) {
	raw := k8090.Encode(f)
	d.Inject(raw[:])
}

func (d *Device) Read(p []byte, deadline time.Time) (int, error) {
	for {
		d.mu.Lock()
		if err := d.readErr; err != nil {
			d.readErr = nil
			d.mu.Unlock()
			return 0, err
		}

		now := time.Now()
		if len(d.out) > 0 && !now.Before(d.out[0].at) {
			c := &d.out[0]
			n := copy(p, c.data)
			c.data = c.data[n:]
			if len(c.data) == 0 {
				d.out = d.out[1:]
			}
			d.mu.Unlock()
			return n, nil
		}

		wait := deadline
		if len(d.out) > 0 && d.out[0].at.Before(wait) {
			wait = d.out[0].at
		}
		d.mu.Unlock()

		if !now.Before(deadline) {
			return 0, k8090.ErrReadTimeout
		}

		timer := time.NewTimer(time.Until(wait))
		select {
		case <-d.closed:
			timer.Stop()
			return 0, ErrClosed
		case <-d.notify:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (d *Device) Write(p []byte) (int, error) {
	select {
	case <-d.closed:
		return 0, ErrClosed
	default:
	}

	d.mu.Lock()
	if d.writeErr != nil {
		d.mu.Unlock()
		return 0, d.writeErr
	}
	d.written = append(d.written, p...)
	d.writes = append(d.writes, time.Now())
	for f, err := range d.dec.Decode(p) {
		if err == nil {
			d.execute(f)
		}
	}
	d.mu.Unlock()
	d.wake()
	return len(p), nil
}

func (d *Device) Close() error {
	d.once.Do(func() { close(d.closed) })
	return nil
}

// execute runs a command and queues its answer.
func (d *Device) execute(f k8090.Frame) {
	switch f.Opcode {
	case k8090.CmdSwitchOn:
		prev := d.relays
		d.relays |= f.Mask
		d.reply(d.relayStatus(prev))
	case k8090.CmdSwitchOff:
		prev := d.relays
		d.relays &^= f.Mask
		d.timed &^= f.Mask
		d.reply(d.relayStatus(prev))
	case k8090.CmdToggle:
		prev := d.relays
		d.relays ^= f.Mask
		d.timed &= d.relays
		d.reply(d.relayStatus(prev))
	case k8090.CmdQueryRelayStatus:
		d.reply(d.relayStatus(d.relays))
	case k8090.CmdSetButtonMode:
		bm := k8090.ButtonModes{Momentary: f.Mask, Toggle: k8090.Mask(f.ParamHi), Timed: k8090.Mask(f.ParamLo)}
		if bm.Validate() == nil {
			d.buttons = bm
		}
	case k8090.CmdQueryButtonMode:
		d.reply(k8090.Frame{
			Opcode:  k8090.RspButtonMode,
			Mask:    d.buttons.Momentary,
			ParamHi: byte(d.buttons.Toggle),
			ParamLo: byte(d.buttons.Timed),
		})
	case k8090.CmdStartTimer:
		prev := d.relays
		for _, i := range f.Mask.Relays() {
			delay := f.Param()
			if delay == 0 {
				delay = d.defaults[i]
			}
			d.remaining[i] = time.Duration(delay) * time.Second
		}
		d.relays |= f.Mask
		d.timed |= f.Mask
		d.reply(d.relayStatus(prev))
	case k8090.CmdSetTimer:
		for _, i := range f.Mask.Relays() {
			d.defaults[i] = f.Param()
		}
	case k8090.CmdQueryTimer:
		for _, i := range f.Mask.Relays() {
			delay := d.defaults[i]
			if k8090.TimerKind(f.ParamHi) == k8090.TimerRemaining {
				delay = 0
				if d.timed.Has(i) {
					delay = uint16((d.remaining[i] + time.Second - 1) / time.Second)
				}
			}
			d.reply(k8090.Frame{
				Opcode:  k8090.RspTimer,
				Mask:    k8090.Mask(1) << i,
				ParamHi: byte(delay >> 8),
				ParamLo: byte(delay),
			})
		}
	case k8090.CmdFactoryReset:
		d.factoryReset()
	case k8090.CmdQueryJumper:
		var set byte
		if d.jumper {
			set = 1
		}
		d.reply(k8090.Frame{Opcode: k8090.RspJumper, ParamHi: set})
	case k8090.CmdQueryFirmware:
		d.reply(k8090.Frame{
			Opcode:  k8090.RspFirmware,
			ParamHi: byte(d.firmware.Year - 2000),
			ParamLo: byte(d.firmware.Week),
		})
	}
}

func (d *Device) relayStatus(prev k8090.Mask) k8090.Frame {
	return k8090.Frame{
		Opcode:  k8090.RspRelayStatus,
		Mask:    prev,
		ParamHi: byte(d.relays),
		ParamLo: byte(d.timed),
	}
}

func (d *Device) reply(f k8090.Frame) {
	if d.silent {
		return
	}
	raw := k8090.Encode(f)
	d.push(time.Now().Add(d.replyDelay), raw[:])
}

// event queues an unsolicited frame.
func (d *Device) event(f k8090.Frame) {
	raw := k8090.Encode(f)
	d.push(time.Now(), raw[:])
}

// push queues data, never ahead of data queued before.
func (d *Device) push(at time.Time, data []byte) {
	if n := len(d.out); n > 0 && at.Before(d.out[n-1].at) {
		at = d.out[n-1].at
	}
	d.out = append(d.out, chunk{at: at, data: data})
}

func (d *Device) wake() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// Advance moves the timers forward by elapsed. Relays whose timer expires
// are switched off and reported.
func (d *Device) Advance(elapsed time.Duration) {
	d.mu.Lock()
	prev := d.relays
	for _, i := range d.timed.Relays() {
		d.remaining[i] -= elapsed
		if d.remaining[i] <= 0 {
			d.remaining[i] = 0
			d.timed &^= k8090.Mask(1) << i
			d.relays &^= k8090.Mask(1) << i
		}
	}
	changed := prev != d.relays
	if changed {
		d.event(d.relayStatus(prev))
	}
	d.mu.Unlock()

	if changed {
		d.wake()
	}
}

// Run advances the timers in real time until ctx is done.
func (d *Device) Run(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.closed:
			return nil
		case now := <-ticker.C:
			d.Advance(now.Sub(last))
			last = now
		}
	}
}

// PressButton presses the zero-indexed button. Unless the jumper is set
// the relay of the same index reacts according to the button mode.
func (d *Device) PressButton(button int) {
	d.mu.Lock()
	bit := k8090.Mask(1) << button
	d.held |= bit
	d.event(k8090.Frame{Opcode: k8090.RspButtonStatus, Mask: d.held, ParamHi: byte(bit)})

	if !d.jumper {
		prev := d.relays
		switch d.buttons.Mode(button) {
		case k8090.ButtonMomentary:
			d.relays |= bit
		case k8090.ButtonToggle:
			d.relays ^= bit
			d.timed &= d.relays
		case k8090.ButtonTimed:
			d.relays |= bit
			d.timed |= bit
			d.remaining[button] = time.Duration(d.defaults[button]) * time.Second
		}
		if prev != d.relays || d.buttons.Mode(button) == k8090.ButtonTimed {
			d.event(d.relayStatus(prev))
		}
	}
	d.mu.Unlock()
	d.wake()
}

// ReleaseButton releases the zero-indexed button.
func (d *Device) ReleaseButton(button int) {
	d.mu.Lock()
	bit := k8090.Mask(1) << button
	d.held &^= bit
	d.event(k8090.Frame{Opcode: k8090.RspButtonStatus, Mask: d.held, ParamLo: byte(bit)})

	if !d.jumper && d.buttons.Mode(button) == k8090.ButtonMomentary {
		prev := d.relays
		d.relays &^= bit
		if prev != d.relays {
			d.event(d.relayStatus(prev))
		}
	}
	d.mu.Unlock()
	d.wake()
}
