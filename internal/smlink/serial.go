package smlink

import (
	"fmt"
	"time"

	"github.com/bigbag/smdeploy/internal/protocol"
	"github.com/bigbag/smdeploy/internal/slip"
)

// DefaultTimeout is how long SerialTransport waits for a response.
const DefaultTimeout = 500 * time.Millisecond

// Port is the byte stream a SerialTransport runs on. *serial.Port
// implements it.
type Port interface {
	Write(data []byte) (int, error)
	ReadWithTimeout(buf []byte, timeout time.Duration) (int, error)
	Flush() error
}

// SerialTransport sends SLIP-framed request packets and waits for the
// matching response.
type SerialTransport struct {
	port    Port
	timeout time.Duration
	dec     slip.Decoder
}

var _ Transport = (*SerialTransport)(nil)

// NewSerialTransport creates a transport on port. A zero timeout selects
// DefaultTimeout.
func NewSerialTransport(port Port, timeout time.Duration) *SerialTransport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &SerialTransport{port: port, timeout: timeout}
}

func (s *SerialTransport) ReadParams(addr int, params []uint16) ([]int32, error) {
	resp, err := s.transact(protocol.CmdReadParams, addr, protocol.ReadParamsData(params))
	if err != nil {
		return nil, err
	}
	return protocol.ParseValues(resp.Data)
}

func (s *SerialTransport) WriteParam(addr int, param uint16, value int32) error {
	_, err := s.transact(protocol.CmdWriteParam, addr, protocol.WriteParamData(param, value))
	return err
}

func (s *SerialTransport) Execute(addr int, cmds []protocol.Subcommand) ([]int32, error) {
	resp, err := s.transact(protocol.CmdExecuteQueue, addr, protocol.ExecuteQueueData(cmds))
	if err != nil {
		return nil, err
	}
	return protocol.ParseValues(resp.Data)
}

func (s *SerialTransport) transact(cmd byte, addr int, data []byte) (*protocol.Response, error) {
	if addr < 0 || addr > 255 {
		return nil, fmt.Errorf("bus address %d out of range", addr)
	}

	// Drop anything left from an earlier, timed out transaction.
	s.port.Flush()
	s.dec.Reset()

	req := protocol.NewRequest(cmd, byte(addr), data)
	if _, err := s.port.Write(slip.Encode(req.Encode())); err != nil {
		return nil, fmt.Errorf("failed to send command 0x%02X: %w", cmd, err)
	}

	resp, err := s.readResponse(cmd, byte(addr))
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, &DriveError{Command: cmd, Address: addr, Status: resp.Status}
	}
	return resp, nil
}

// readResponse reads frames until one answers cmd from addr or the timeout
// expires. Frames that do not decode or belong to someone else are skipped.
func (s *SerialTransport) readResponse(cmd, addr byte) (*protocol.Response, error) {
	deadline := time.Now().Add(s.timeout)
	chunk := make([]byte, 256)

	for time.Now().Before(deadline) {
		n, err := s.port.ReadWithTimeout(chunk, 20*time.Millisecond)
		if n > 0 {
			s.dec.Write(chunk[:n])
		}
		if err != nil && n == 0 {
			continue
		}

		for frame := s.dec.Frame(); frame != nil; frame = s.dec.Frame() {
			resp, err := protocol.DecodeResponse(frame)
			if err != nil {
				continue
			}
			if resp.Command == cmd && resp.Address == addr {
				return resp, nil
			}
		}
	}

	return nil, fmt.Errorf("command 0x%02X to %d: %w", cmd, addr, ErrTimeout)
}
