package k8090

import "time"

// Policy is the response policy of a command.
type Policy uint8

const (
	// PolicyNone commands are fire-and-forget.
	PolicyNone Policy = iota
	// PolicySingle commands produce exactly one response frame.
	PolicySingle
	// PolicyBurst commands produce one response frame per selected relay.
	PolicyBurst
)

// Class selects the timing defaults applied to a command.
type Class uint8

const (
	ClassOrdinary Class = iota
	// ClassReset commands need the card to re-enumerate its internal
	// state before accepting anything else.
	ClassReset
)

// Entry describes a command of the card.
type Entry struct {
	Name       string
	Opcode     Opcode
	Expect     Opcode
	Policy     Policy
	Class      Class
	Idempotent bool
	// Pack builds the command frame from validated arguments.
	Pack func(args Args) Frame
}

// Args holds the arguments of a command. Which fields are meaningful
// depends on the command.
type Args struct {
	Mask    Mask
	Delay   uint16
	Kind    TimerKind
	Buttons ButtonModes
}

// Responses returns how many response frames a command built from f
// produces.
func (e Entry) Responses(f Frame) int {
	switch e.Policy {
	case PolicySingle:
		return 1
	case PolicyBurst:
		return f.Mask.Count()
	}
	return 0
}

// Timeout returns the deadline offset of the command class.
func (e Entry) Timeout(o Options) time.Duration {
	if e.Class == ClassReset {
		return o.ResetTimeout
	}
	return o.Timeout
}

// Spacing returns the delay to observe after the command resolves.
func (e Entry) Spacing(o Options) time.Duration {
	if e.Class == ClassReset {
		return o.ResetSpacing
	}
	return o.Spacing
}

func maskOnly(op Opcode) func(Args) Frame {
	return func(a Args) Frame {
		return Frame{Opcode: op, Mask: a.Mask}
	}
}

func withDelay(op Opcode) func(Args) Frame {
	return func(a Args) Frame {
		return Frame{Opcode: op, Mask: a.Mask, ParamHi: byte(a.Delay >> 8), ParamLo: byte(a.Delay)}
	}
}

func bare(op Opcode) func(Args) Frame {
	return func(Args) Frame {
		return Frame{Opcode: op}
	}
}

// catalog is the single source of truth on commands.
var catalog = map[Opcode]Entry{
	CmdSwitchOn: {
		Name: "switch-on", Opcode: CmdSwitchOn, Expect: RspRelayStatus, Policy: PolicySingle, Idempotent: true,
		Pack: maskOnly(CmdSwitchOn),
	},
	CmdSwitchOff: {
		Name: "switch-off", Opcode: CmdSwitchOff, Expect: RspRelayStatus, Policy: PolicySingle, Idempotent: true,
		Pack: maskOnly(CmdSwitchOff),
	},
	CmdToggle: {
		Name: "toggle", Opcode: CmdToggle, Expect: RspRelayStatus, Policy: PolicySingle, Idempotent: true,
		Pack: maskOnly(CmdToggle),
	},
	CmdQueryRelayStatus: {
		Name: "query-relay-status", Opcode: CmdQueryRelayStatus, Expect: RspRelayStatus, Policy: PolicySingle, Idempotent: true,
		Pack: bare(CmdQueryRelayStatus),
	},
	CmdSetButtonMode: {
		Name: "set-button-mode", Opcode: CmdSetButtonMode, Policy: PolicyNone, Idempotent: true,
		Pack: func(a Args) Frame {
			return Frame{Opcode: CmdSetButtonMode, Mask: a.Buttons.Momentary, ParamHi: byte(a.Buttons.Toggle), ParamLo: byte(a.Buttons.Timed)}
		},
	},
	CmdQueryButtonMode: {
		Name: "query-button-mode", Opcode: CmdQueryButtonMode, Expect: RspButtonMode, Policy: PolicySingle, Idempotent: true,
		Pack: bare(CmdQueryButtonMode),
	},
	CmdStartTimer: {
		Name: "start-timer", Opcode: CmdStartTimer, Expect: RspRelayStatus, Policy: PolicySingle, Idempotent: true,
		Pack: withDelay(CmdStartTimer),
	},
	CmdSetTimer: {
		Name: "set-timer", Opcode: CmdSetTimer, Policy: PolicyNone, Idempotent: true,
		Pack: withDelay(CmdSetTimer),
	},
	CmdQueryTimer: {
		Name: "query-timer", Opcode: CmdQueryTimer, Expect: RspTimer, Policy: PolicyBurst, Idempotent: true,
		Pack: func(a Args) Frame {
			return Frame{Opcode: CmdQueryTimer, Mask: a.Mask, ParamHi: byte(a.Kind)}
		},
	},
	CmdFactoryReset: {
		Name: "factory-reset", Opcode: CmdFactoryReset, Policy: PolicyNone, Class: ClassReset, Idempotent: true,
		Pack: bare(CmdFactoryReset),
	},
	CmdQueryJumper: {
		Name: "query-jumper", Opcode: CmdQueryJumper, Expect: RspJumper, Policy: PolicySingle, Idempotent: true,
		Pack: bare(CmdQueryJumper),
	},
	CmdQueryFirmware: {
		Name: "query-firmware", Opcode: CmdQueryFirmware, Expect: RspFirmware, Policy: PolicySingle, Idempotent: true,
		Pack: bare(CmdQueryFirmware),
	},
}

// Lookup returns the catalog entry of a command opcode.
func Lookup(op Opcode) (Entry, bool) {
	e, ok := catalog[op]
	return e, ok
}

// unsolicited reports whether the card may send op without being asked.
func unsolicited(op Opcode) bool {
	return op == RspRelayStatus || op == RspButtonStatus
}
