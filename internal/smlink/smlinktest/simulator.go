// Package smlinktest provides an in-memory drive bus for tests.
package smlinktest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bigbag/smdeploy/internal/protocol"
	"github.com/bigbag/smdeploy/internal/smlink"
)

// Write is one register write seen by a drive.
type Write struct {
	Param  uint16
	Value  int32
	Queued bool
}

// Drive is a simulated drive. Registers not present in Regs do not exist on
// the drive: reading or writing them fails with an invalid address status.
type Drive struct {
	Regs map[uint16]int32

	// Reject makes writes to these registers fail with an invalid value status.
	Reject map[uint16]bool

	// UID is exposed in RegDebugParam1 after SystemControlGetSpecialData.
	UID int32

	// DFUAddress, if non-zero, is the bus address the drive answers on after
	// SystemControlRestartToDFU.
	DFUAddress int

	// VerifyFault makes BootloaderVerify raise FaultFlashingCommSideFail.
	VerifyFault bool

	Writes       []Write
	Flash        []uint16
	pending      []uint16
	target       uint16
	SaveCount    int
	RestartCount int
	EraseCount   int
	LaunchCount  int
	DFUCount     int
}

// NewDrive returns a drive in normal bus mode with the standard register set.
func NewDrive(deviceType, firmwareVersion int32) *Drive {
	return &Drive{
		Regs: map[uint16]int32{
			protocol.RegBusMode:            protocol.BusModeNormal,
			protocol.RegDeviceType:         deviceType,
			protocol.RegFirmwareVersion:    firmwareVersion,
			protocol.RegReturnParamLen:     0,
			protocol.RegFaults:             0,
			protocol.RegStatus:             0,
			protocol.RegSystemControl:      0,
			protocol.RegControlBits1:       1,
			protocol.RegBootloaderFunction: 0,
			protocol.RegBootloaderUpload:   0,
			protocol.RegDebugParam1:        0,
		},
		Reject: map[uint16]bool{},
	}
}

// InDFU reports whether the drive is in DFU bus mode.
func (d *Drive) InDFU() bool {
	return d.Regs[protocol.RegBusMode] == protocol.BusModeDFU
}

// WriteCount returns how many times param was written.
func (d *Drive) WriteCount(param uint16) int {
	n := 0
	for _, w := range d.Writes {
		if w.Param == param {
			n++
		}
	}
	return n
}

// TxnKind identifies a transaction type.
type TxnKind int

const (
	TxnRead TxnKind = iota
	TxnWrite
	TxnExecute
)

// Txn describes a transaction before the simulator runs it.
type Txn struct {
	Kind   TxnKind
	Addr   int
	Params []uint16
	Param  uint16
	Value  int32
	Cmds   []protocol.Subcommand
	// Seq counts transactions from 1.
	Seq int
}

// Simulator is a bus of simulated drives. It implements smlink.Transport.
type Simulator struct {
	mu     sync.Mutex
	drives map[int]*Drive
	seq    int

	// Hook, if set, runs before every transaction. A non-nil error is
	// returned instead of running it.
	Hook func(Txn) error
}

var _ smlink.Transport = (*Simulator)(nil)

// New returns an empty bus.
func New() *Simulator {
	return &Simulator{drives: make(map[int]*Drive)}
}

// Add attaches d at addr and returns it.
func (s *Simulator) Add(addr int, d *Drive) *Drive {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drives[addr] = d
	return d
}

// Drive returns the drive at addr, or nil.
func (s *Simulator) Drive(addr int) *Drive {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drives[addr]
}

// Transactions returns the number of transactions seen so far.
func (s *Simulator) Transactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *Simulator) begin(txn Txn) (*Drive, error) {
	s.seq++
	txn.Seq = s.seq
	if s.Hook != nil {
		if err := s.Hook(txn); err != nil {
			return nil, err
		}
	}
	d := s.drives[txn.Addr]
	if d == nil {
		return nil, fmt.Errorf("address %d: %w", txn.Addr, smlink.ErrTimeout)
	}
	return d, nil
}

func (s *Simulator) ReadParams(addr int, params []uint16) ([]int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.begin(Txn{Kind: TxnRead, Addr: addr, Params: params})
	if err != nil {
		return nil, err
	}
	values := make([]int32, len(params))
	for i, p := range params {
		v, ok := d.Regs[p]
		if !ok {
			return nil, &smlink.DriveError{Command: protocol.CmdReadParams, Address: addr, Status: protocol.RespInvalidAddress}
		}
		values[i] = v
	}
	return values, nil
}

func (s *Simulator) WriteParam(addr int, param uint16, value int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.begin(Txn{Kind: TxnWrite, Addr: addr, Param: param, Value: value})
	if err != nil {
		return err
	}
	if status := s.write(addr, d, param, value, false); status != protocol.CmdStatusACK {
		resp := byte(protocol.RespInvalidValue)
		if status == protocol.CmdStatusInvalidAddr {
			resp = protocol.RespInvalidAddress
		}
		return &smlink.DriveError{Command: protocol.CmdWriteParam, Address: addr, Status: resp}
	}
	return nil
}

func (s *Simulator) Execute(addr int, cmds []protocol.Subcommand) ([]int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, err := s.begin(Txn{Kind: TxnExecute, Addr: addr, Cmds: cmds})
	if err != nil {
		return nil, err
	}

	values := make([]int32, 0, len(cmds))
	for _, c := range cmds {
		var status int32
		switch c.Op {
		case protocol.OpSetParamAddr:
			d.target = uint16(c.Operand)
			status = protocol.CmdStatusACK
			if _, ok := d.Regs[d.target]; !ok {
				status = protocol.CmdStatusInvalidAddr
			}
		case protocol.OpWrite24:
			status = s.write(addr, d, d.target, protocol.SignExtend24(c.Operand), true)
		case protocol.OpWrite32:
			status = s.write(addr, d, d.target, c.Operand, true)
		default:
			return nil, &smlink.DriveError{Command: protocol.CmdExecuteQueue, Address: addr, Status: protocol.RespBadCommand}
		}

		if d.Regs[protocol.RegReturnParamLen] == protocol.ReturnCmdStatus {
			values = append(values, status)
		} else {
			values = append(values, d.Regs[d.target])
		}
	}
	return values, nil
}

// write applies a register write with its side effects and returns a
// command status code.
func (s *Simulator) write(addr int, d *Drive, param uint16, value int32, queued bool) int32 {
	if _, ok := d.Regs[param]; !ok {
		return protocol.CmdStatusInvalidAddr
	}
	if d.Reject[param] {
		return protocol.CmdStatusNACK
	}
	d.Writes = append(d.Writes, Write{Param: param, Value: value, Queued: queued})

	switch param {
	case protocol.RegSystemControl:
		switch value {
		case protocol.SystemControlRestart:
			d.RestartCount++
		case protocol.SystemControlSaveConfig:
			d.SaveCount++
		case protocol.SystemControlRestartToDFU:
			d.DFUCount++
			d.Regs[protocol.RegBusMode] = protocol.BusModeDFU
			if d.DFUAddress != 0 && d.DFUAddress != addr {
				delete(s.drives, addr)
				s.drives[d.DFUAddress] = d
			}
		case protocol.SystemControlGetSpecialData:
			d.Regs[protocol.RegDebugParam1] = d.UID
		}
	case protocol.RegBootloaderFunction:
		switch value {
		case protocol.BootloaderErase:
			d.EraseCount++
			d.Flash = nil
			d.pending = nil
		case protocol.BootloaderWrite:
			d.Flash = append(d.Flash, d.pending...)
			d.pending = nil
		case protocol.BootloaderVerify:
			if d.VerifyFault {
				d.Regs[protocol.RegFaults] |= protocol.FaultFlashingCommSideFail
			}
		case protocol.BootloaderLaunch:
			d.LaunchCount++
			d.Regs[protocol.RegBusMode] = protocol.BusModeNormal
		}
	case protocol.RegBootloaderUpload:
		d.pending = append(d.pending, uint16(value))
	default:
		d.Regs[param] = value
	}
	return protocol.CmdStatusACK
}

// ErrInjected is a convenience error for Hook.
var ErrInjected = errors.New("injected failure")
