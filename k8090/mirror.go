package k8090

import (
	"github.com/mdouchement/k8090d/internal/notifier"
)

// Snapshot is a consistent view of the last known card state. A nil field
// means the value has not been learned yet. Pointed values are never
// modified once published.
type Snapshot struct {
	Relays   *RelayStatus     `json:"relays,omitempty"`
	Buttons  *ButtonModes     `json:"buttons,omitempty"`
	Timers   [NumRelays]Timer `json:"timers"`
	Firmware *Firmware        `json:"firmware,omitempty"`
	Jumper   *bool            `json:"jumper,omitempty"`
}

// Timer holds the timer settings of one relay, in seconds.
type Timer struct {
	Default   *uint16 `json:"default,omitempty"`
	Remaining *uint16 `json:"remaining,omitempty"`
}

// running reports whether relay i has an active timer according to s.
func (s Snapshot) running(i int) bool {
	return s.Relays != nil && s.Relays.Timed.Has(i)
}

// Mirror is the driver-side copy of the card state. The engine is its only
// writer; any goroutine may read it.
type Mirror struct {
	value notifier.Value[Snapshot]
}

func newMirror() *Mirror {
	return &Mirror{}
}

// Snapshot returns the current state.
func (m *Mirror) Snapshot() Snapshot {
	s, _ := m.value.Get()
	return s
}

// Watch returns a watcher woken on every mirror update.
func (m *Mirror) Watch() *notifier.Watcher[Snapshot] {
	return m.value.Watch()
}

func (m *Mirror) Relays() (RelayStatus, bool) {
	s := m.Snapshot()
	if s.Relays == nil {
		return RelayStatus{}, false
	}
	return *s.Relays, true
}

func (m *Mirror) ButtonModes() (ButtonModes, bool) {
	s := m.Snapshot()
	if s.Buttons == nil {
		return ButtonModes{}, false
	}
	return *s.Buttons, true
}

// Timer returns the timer settings of the zero-indexed relay.
func (m *Mirror) Timer(relay int) (Timer, bool) {
	if relay < 0 || relay >= NumRelays {
		return Timer{}, false
	}
	t := m.Snapshot().Timers[relay]
	return t, t.Default != nil || t.Remaining != nil
}

func (m *Mirror) Firmware() (Firmware, bool) {
	s := m.Snapshot()
	if s.Firmware == nil {
		return Firmware{}, false
	}
	return *s.Firmware, true
}

func (m *Mirror) Jumper() (set bool, known bool) {
	s := m.Snapshot()
	if s.Jumper == nil {
		return false, false
	}
	return *s.Jumper, true
}

// applyRelayStatus records rs and returns the previously known outputs.
func (m *Mirror) applyRelayStatus(rs RelayStatus) (prev Mask, known bool) {
	m.value.Update(func(s Snapshot) Snapshot {
		if s.Relays != nil {
			prev, known = s.Relays.Current, true
		}
		s.Relays = &rs
		for i := range s.Timers {
			s.Timers[i] = clampTimer(s, i, s.Timers[i])
		}
		return s
	})
	return prev, known
}

func (m *Mirror) applyButtonModes(bm ButtonModes) error {
	if err := bm.Validate(); err != nil {
		return err
	}
	m.value.Update(func(s Snapshot) Snapshot {
		s.Buttons = &bm
		return s
	})
	return nil
}

func (m *Mirror) applyTimer(tv TimerValue) {
	if tv.Relay < 0 || tv.Relay >= NumRelays {
		return
	}
	m.value.Update(func(s Snapshot) Snapshot {
		t := s.Timers[tv.Relay]
		delay := tv.Delay
		if tv.Kind == TimerRemaining {
			t.Remaining = &delay
		} else {
			t.Default = &delay
		}
		s.Timers[tv.Relay] = clampTimer(s, tv.Relay, t)
		return s
	})
}

func (m *Mirror) applyFirmware(fw Firmware) {
	m.value.Update(func(s Snapshot) Snapshot {
		s.Firmware = &fw
		return s
	})
}

func (m *Mirror) applyJumper(set bool) {
	m.value.Update(func(s Snapshot) Snapshot {
		s.Jumper = &set
		return s
	})
}

func (m *Mirror) close() {
	m.value.Close()
}

// clampTimer keeps the remaining delay of an idle timer within its default.
func clampTimer(s Snapshot, i int, t Timer) Timer {
	if t.Default == nil || t.Remaining == nil || s.running(i) {
		return t
	}
	if *t.Remaining > *t.Default {
		remaining := *t.Default
		t.Remaining = &remaining
	}
	return t
}
