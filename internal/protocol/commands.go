package protocol

import "fmt"

// Command identifies a framed bootloader command.
type Command byte

// Bootloader commands
const (
	CmdGetVersion    Command = 0x00
	CmdEraseFlash    Command = 0x01
	CmdFlashProgram  Command = 0x02
	CmdJumpToAddress Command = 0x03
)

// String returns human-readable name for the command.
func (c Command) String() string {
	switch c {
	case CmdGetVersion:
		return "get version"
	case CmdEraseFlash:
		return "erase flash"
	case CmdFlashProgram:
		return "flash program"
	case CmdJumpToAddress:
		return "jump to address"
	default:
		return fmt.Sprintf("command 0x%02X", byte(c))
	}
}

// Control bytes are sent bare, without length or checksum.
const (
	CtrlRequestAck     = 0x04
	CtrlRequestVersion = 0x05
)

// Inbound response bytes
const (
	RespAck  = 0xFF
	RespNack = 0x01
)

// VersionReportSize is the length of an inbound version triple.
const VersionReportSize = 3

// Framing limits
const (
	ChecksumSize = 4
	// ChunkSize is the largest image slice sent per packet. The device
	// receive buffer is 256 bytes: 1 length + 252 data + 4 checksum.
	ChunkSize = 252
	// MaxFrameLength is the largest value the length byte can carry.
	MaxFrameLength = 0xFF
)

// Erase sentinels
const (
	MassEraseSector = 0xFF
	MassEraseCount  = 0xFF
)

// Boot persistence choices for JumpToAddress.
const (
	BootApplication = 0xFF // boot into the application on next power-up
	BootBootloader  = 0xAA // stay in the bootloader on next power-up
)

// JumpToApplication asks the bootloader to jump to the resident application.
const JumpToApplication = 0xFFFFFFFF

// ControlName returns human-readable name for a control byte.
func ControlName(b byte) string {
	switch b {
	case CtrlRequestAck:
		return "request ack"
	case CtrlRequestVersion:
		return "request version"
	default:
		return "unknown control"
	}
}
