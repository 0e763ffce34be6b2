package k8090

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

type (
	Opcode uint8
	// Mask selects relays (or buttons). Bit i is relay i, relays being
	// numbered from zero internally and from one on the card's silkscreen.
	Mask uint8
)

// AllRelays selects every relay of the card.
const AllRelays Mask = 0xFF

func (o Opcode) String() string {
	if e, ok := catalog[o]; ok {
		return e.Name
	}
	switch o {
	case RspButtonStatus:
		return "button-status"
	case RspRelayStatus:
		return "relay-status"
	}
	return fmt.Sprintf("opcode(0x%02X)", uint8(o))
}

// MaskOf returns the mask selecting the given zero-indexed relays.
func MaskOf(relays ...int) (Mask, error) {
	var m Mask
	for _, r := range relays {
		if r < 0 || r >= NumRelays {
			return 0, fmt.Errorf("%w: relay index %d out of range [0,%d)", ErrInvalidArgument, r, NumRelays)
		}
		m |= 1 << r
	}
	return m, nil
}

// ParseMask parses a comma separated list of one-indexed relays ("1,3,5")
// or the word "all".
func ParseMask(s string) (Mask, error) {
	s = strings.TrimSpace(s)
	if s == "all" {
		return AllRelays, nil
	}

	var relays []int
	for p := range strings.SplitSeq(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a relay number", ErrInvalidArgument, p)
		}
		relays = append(relays, n-1)
	}
	if len(relays) == 0 {
		return 0, fmt.Errorf("%w: no relay selected", ErrInvalidArgument)
	}
	return MaskOf(relays...)
}

func (m Mask) Has(i int) bool {
	return i >= 0 && i < 8 && m&(1<<i) != 0
}

func (m Mask) Union(o Mask) Mask     { return m | o }
func (m Mask) Intersect(o Mask) Mask { return m & o }
func (m Mask) Diff(o Mask) Mask      { return m &^ o }
func (m Mask) Count() int            { return bits.OnesCount8(uint8(m)) }

// Relays returns the zero-indexed relays selected by m in ascending order.
func (m Mask) Relays() []int {
	relays := make([]int, 0, m.Count())
	for i := range 8 {
		if m.Has(i) {
			relays = append(relays, i)
		}
	}
	return relays
}

// String formats the mask with relay 8 on the left, as printed on the card.
func (m Mask) String() string {
	return fmt.Sprintf("%08b", uint8(m))
}

// Frame is the fixed 7-byte protocol unit without its markers and checksum.
// It is used for both commands and responses.
type Frame struct {
	Opcode  Opcode
	Mask    Mask
	ParamHi byte
	ParamLo byte
}

// Param returns the 16-bit parameter carried by the frame.
func (f Frame) Param() uint16 {
	return uint16(f.ParamHi)<<8 | uint16(f.ParamLo)
}

func (f Frame) String() string {
	return fmt.Sprintf("%s mask=%s param=%02X%02X", f.Opcode, f.Mask, f.ParamHi, f.ParamLo)
}

type ButtonMode uint8

const (
	ButtonMomentary ButtonMode = iota
	ButtonToggle
	ButtonTimed
)

func (m ButtonMode) String() string {
	switch m {
	case ButtonMomentary:
		return "momentary"
	case ButtonToggle:
		return "toggle"
	case ButtonTimed:
		return "timed"
	}
	return "unknown"
}

// ButtonModes holds the mode of every button as three masks which must
// partition the eight buttons.
type ButtonModes struct {
	Momentary Mask `json:"momentary"`
	Toggle    Mask `json:"toggle"`
	Timed     Mask `json:"timed"`
}

// NewButtonModes builds the three masks from one mode per button.
func NewButtonModes(modes [NumButtons]ButtonMode) (ButtonModes, error) {
	var bm ButtonModes
	for i, mode := range modes {
		switch mode {
		case ButtonMomentary:
			bm.Momentary |= 1 << i
		case ButtonToggle:
			bm.Toggle |= 1 << i
		case ButtonTimed:
			bm.Timed |= 1 << i
		default:
			return ButtonModes{}, fmt.Errorf("%w: button %d has invalid mode %d", ErrInvalidArgument, i+1, mode)
		}
	}
	return bm, nil
}

// Validate reports whether the masks partition the eight buttons.
func (bm ButtonModes) Validate() error {
	if bm.Momentary&bm.Toggle != 0 || bm.Momentary&bm.Timed != 0 || bm.Toggle&bm.Timed != 0 {
		return fmt.Errorf("%w: button modes overlap (momentary=%s toggle=%s timed=%s)", ErrInvalidArgument, bm.Momentary, bm.Toggle, bm.Timed)
	}
	if bm.Momentary|bm.Toggle|bm.Timed != AllRelays {
		return fmt.Errorf("%w: button modes leave buttons %s unassigned", ErrInvalidArgument, ^(bm.Momentary | bm.Toggle | bm.Timed))
	}
	return nil
}

// Mode returns the mode of the zero-indexed button i.
func (bm ButtonModes) Mode(i int) ButtonMode {
	switch {
	case bm.Momentary.Has(i):
		return ButtonMomentary
	case bm.Timed.Has(i):
		return ButtonTimed
	}
	return ButtonToggle
}

// TimerKind selects which delay a timer query reports.
type TimerKind uint8

const (
	TimerDefault   TimerKind = 0
	TimerRemaining TimerKind = 1
)

func (k TimerKind) String() string {
	if k == TimerRemaining {
		return "remaining"
	}
	return "default"
}

// RelayStatus is the payload of a relay-status frame.
type RelayStatus struct {
	Previous Mask `json:"previous"`
	Current  Mask `json:"current"`
	Timed    Mask `json:"timed"`
}

// TimerValue is one per-relay timer query result.
type TimerValue struct {
	Relay int
	Kind  TimerKind
	Delay uint16
}

// Firmware identifies the firmware release of the card.
type Firmware struct {
	Year int `json:"year"`
	Week int `json:"week"`
}

func (fw Firmware) String() string {
	return fmt.Sprintf("%d-W%02d", fw.Year, fw.Week)
}

// Trigger tells what caused a relay status change.
type Trigger struct {
	// Command is the opcode of the request that caused the change, or zero
	// when the card reported the change on its own (button, timer expiry).
	Command Opcode
}

func (t Trigger) Unsolicited() bool {
	return t.Command == 0
}

func (t Trigger) String() string {
	if t.Unsolicited() {
		return "device"
	}
	return t.Command.String()
}

// State is the protocol engine state.
type State int32

const (
	StateClosed State = iota
	StateIdle
	StateAwaiting
	StateCoolingDown
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateIdle:
		return "idle"
	case StateAwaiting:
		return "awaiting-response"
	case StateCoolingDown:
		return "cooling-down"
	case StateFaulted:
		return "faulted"
	}
	return "unknown"
}
