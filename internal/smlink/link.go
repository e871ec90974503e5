// Package smlink talks to drives on a serial field bus.
//
// A Link keeps a cumulative status: every failed operation is remembered
// until ResetStatus, so a caller can run a sequence of reads and writes and
// check once at the end whether all of them went through.
package smlink

import (
	"errors"
	"fmt"

	"github.com/bigbag/smdeploy/internal/protocol"
)

// Link is a connection to a drive bus.
type Link interface {
	// ReadParam reads one parameter from the drive at addr.
	ReadParam(addr int, param uint16) (int32, error)

	// ReadParams reads several parameters in one transaction.
	ReadParams(addr int, params ...uint16) ([]int32, error)

	// WriteParam writes one parameter.
	WriteParam(addr int, param uint16, value int32) error

	// Enqueue appends a subcommand to the local command queue.
	Enqueue(op protocol.Opcode, operand int32)

	// ExecuteQueue sends the queued subcommands to the drive at addr in one
	// transaction and stores their return values for Dequeue.
	ExecuteQueue(addr int) error

	// Dequeue pops the oldest return value of an executed queue.
	Dequeue() (int32, error)

	// ResetStatus clears the cumulative status.
	ResetStatus()

	// Status returns nil if every operation since the last ResetStatus
	// succeeded, or the first error otherwise.
	Status() error
}

// Transport carries single transactions to the bus.
type Transport interface {
	ReadParams(addr int, params []uint16) ([]int32, error)
	WriteParam(addr int, param uint16, value int32) error
	Execute(addr int, cmds []protocol.Subcommand) ([]int32, error)
}

var (
	// ErrInvalidAddress means the drive does not have the parameter.
	ErrInvalidAddress = errors.New("invalid parameter address")

	// ErrTimeout means no drive answered.
	ErrTimeout = errors.New("no response from drive")

	// ErrQueueEmpty is returned by Dequeue when no return values are left.
	ErrQueueEmpty = errors.New("no queued return values")

	// ErrQueueFull means the queue is longer than a drive accepts.
	ErrQueueFull = errors.New("command queue too long")
)

// DriveError is a non-OK response status from a drive.
type DriveError struct {
	Command byte
	Address int
	Status  byte
}

func (e *DriveError) Error() string {
	return fmt.Sprintf("drive %d: command 0x%02X: %s", e.Address, e.Command, protocol.ErrorMessage(e.Status))
}

// Unwrap maps the invalid-address status to ErrInvalidAddress.
func (e *DriveError) Unwrap() error {
	if e.Status == protocol.RespInvalidAddress {
		return ErrInvalidAddress
	}
	return nil
}
