package k8090

import "time"

const (
	STX       = 0x04
	ETX       = 0x0F
	FrameSize = 7

	NumRelays  = 8
	NumButtons = 8

	BaudRate = 19200

	// USB identifiers of the card's virtual serial port.
	VendorID  = "10CF"
	ProductID = "8090"
)

const (
	CmdSwitchOn         Opcode = 0x11
	CmdSwitchOff        Opcode = 0x12
	CmdToggle           Opcode = 0x14
	CmdQueryRelayStatus Opcode = 0x18
	CmdSetButtonMode    Opcode = 0x21
	CmdQueryButtonMode  Opcode = 0x22
	CmdStartTimer       Opcode = 0x41
	CmdSetTimer         Opcode = 0x42
	CmdQueryTimer       Opcode = 0x44
	CmdFactoryReset     Opcode = 0x66
	CmdQueryJumper      Opcode = 0x70
	CmdQueryFirmware    Opcode = 0x71

	// Responses sharing the query opcode are listed for readability.
	RspButtonMode   Opcode = 0x22
	RspTimer        Opcode = 0x44
	RspButtonStatus Opcode = 0x50
	RspRelayStatus  Opcode = 0x51
	RspJumper       Opcode = 0x70
	RspFirmware     Opcode = 0x71
)

const (
	DefaultTimeout      = 500 * time.Millisecond
	DefaultResetTimeout = 2 * time.Second
	// The datasheet does not state a minimum gap between commands.
	DefaultSpacing      = 50 * time.Millisecond
	DefaultResetSpacing = 500 * time.Millisecond
	DefaultQueueSize    = 64

	readPoll = 100 * time.Millisecond
)
