package protocol

import "fmt"

// Wire commands
const (
	CmdReadParams   = 0x01
	CmdWriteParam   = 0x02
	CmdExecuteQueue = 0x03
)

// Direction byte values
const (
	DirRequest  = 0x00
	DirResponse = 0x01
)

// Response status byte values
const (
	RespOK             = 0x00
	RespInvalidAddress = 0x01
	RespInvalidValue   = 0x02
	RespBadChecksum    = 0x03
	RespBadCommand     = 0x04
	RespQueueOverflow  = 0x05
)

// ErrorMessage returns human-readable error message
func ErrorMessage(code byte) string {
	switch code {
	case RespOK:
		return "ok"
	case RespInvalidAddress:
		return "invalid parameter address"
	case RespInvalidValue:
		return "invalid parameter value"
	case RespBadChecksum:
		return "bad checksum"
	case RespBadCommand:
		return "unsupported command"
	case RespQueueOverflow:
		return "command queue overflow"
	default:
		return "unknown error"
	}
}

// Opcode is a queued subcommand.
type Opcode byte

// Queued subcommands
const (
	OpWrite32      Opcode = 0
	OpWrite24      Opcode = 1
	OpSetParamAddr Opcode = 2
)

func (o Opcode) String() string {
	switch o {
	case OpWrite32:
		return "write32"
	case OpWrite24:
		return "write24"
	case OpSetParamAddr:
		return "setparamaddr"
	default:
		return fmt.Sprintf("opcode(%d)", byte(o))
	}
}

// Subcommand is one entry of a command queue.
type Subcommand struct {
	Op      Opcode
	Operand int32
}

// Command status codes returned by queued commands in ReturnCmdStatus mode
const (
	CmdStatusACK          = 0
	CmdStatusNACK         = 1
	CmdStatusInvalidAddr  = 2
	CmdStatusInvalidValue = 4
	CmdStatusValueTooHigh = 8
	CmdStatusValueTooLow  = 16
)

// MaxQueueLen is the number of subcommands a drive accepts per execute.
const MaxQueueLen = 64

// SignExtend24 interprets the low 24 bits of v as a signed value.
func SignExtend24(v int32) int32 {
	return (v << 8) >> 8
}
