package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/bigbag/smdeploy/internal/bytebuf"
)

// HeaderSize is the length of the request and response header.
const HeaderSize = 8

// Request represents a drive request packet.
type Request struct {
	Command  byte
	Address  byte
	Data     []byte
	Checksum uint16
}

// Response represents a drive response packet.
type Response struct {
	Command byte
	Address byte
	Status  byte
	Data    []byte
}

// NewRequest creates a new request with calculated checksum.
func NewRequest(cmd byte, address byte, data []byte) *Request {
	return &Request{
		Command:  cmd,
		Address:  address,
		Data:     data,
		Checksum: Checksum(data),
	}
}

// Checksum is the XOR of all data bytes, seeded with 0xEF.
func Checksum(data []byte) uint16 {
	var checksum byte = 0xEF
	for _, b := range data {
		checksum ^= b
	}
	return uint16(checksum)
}

// Encode serializes the request to bytes (before SLIP encoding).
func (r *Request) Encode() []byte {
	// 0: direction (0x00 = request)
	// 1: command
	// 2: bus address
	// 3: reserved
	// 4-5: data size
	// 6-7: checksum
	// 8+: data
	packet := make([]byte, 0, HeaderSize+len(r.Data))
	packet = append(packet, DirRequest, r.Command, r.Address, 0)
	packet = binary.LittleEndian.AppendUint16(packet, uint16(len(r.Data)))
	packet = binary.LittleEndian.AppendUint16(packet, r.Checksum)
	return append(packet, r.Data...)
}

// DecodeRequest parses a request from raw bytes and validates its checksum.
func DecodeRequest(data []byte) (*Request, error) {
	r := bytebuf.NewReader(data)
	dir, cmd, addr, size, field, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if dir != DirRequest {
		return nil, fmt.Errorf("invalid direction byte: 0x%02X", dir)
	}
	payload, err := r.Bytes(int(size))
	if err != nil {
		return nil, fmt.Errorf("data size mismatch: expected %d, have %d", size, len(data)-HeaderSize)
	}
	if sum := Checksum(payload); sum != field {
		return nil, fmt.Errorf("checksum 0x%02X, packet says 0x%02X", sum, field)
	}
	return &Request{Command: cmd, Address: addr, Data: payload, Checksum: field}, nil
}

// Encode serializes the response to bytes (before SLIP encoding).
func (r *Response) Encode() []byte {
	packet := make([]byte, 0, HeaderSize+len(r.Data))
	packet = append(packet, DirResponse, r.Command, r.Address, r.Status)
	packet = binary.LittleEndian.AppendUint16(packet, uint16(len(r.Data)))
	packet = binary.LittleEndian.AppendUint16(packet, 0)
	return append(packet, r.Data...)
}

// DecodeResponse parses a response from raw bytes (after SLIP decoding).
func DecodeResponse(data []byte) (*Response, error) {
	r := bytebuf.NewReader(data)
	dir, cmd, addr, size, _, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if dir != DirResponse {
		return nil, fmt.Errorf("invalid direction byte: 0x%02X", dir)
	}
	payload, err := r.Bytes(int(size))
	if err != nil {
		return nil, fmt.Errorf("data size mismatch: expected %d, have %d", size, len(data)-HeaderSize)
	}
	return &Response{Command: cmd, Address: addr, Status: data[3], Data: payload}, nil
}

func readHeader(r *bytebuf.Reader) (dir, cmd, addr byte, size, field uint16, err error) {
	if r.Len() < HeaderSize {
		return 0, 0, 0, 0, 0, fmt.Errorf("packet too short: %d bytes", r.Len())
	}
	// The length check above makes the reads below infallible.
	dir, _ = r.U8()
	cmd, _ = r.U8()
	addr, _ = r.U8()
	_, _ = r.U8()
	size, _ = r.U16()
	field, _ = r.U16()
	return dir, cmd, addr, size, field, nil
}

// IsSuccess returns true if the response indicates success.
func (r *Response) IsSuccess() bool {
	return r.Status == RespOK
}

// ErrorString returns a human-readable error message.
func (r *Response) ErrorString() string {
	if r.IsSuccess() {
		return ""
	}
	return fmt.Sprintf("status=0x%02X (%s)", r.Status, ErrorMessage(r.Status))
}

// ReadParamsData creates the data payload for a READ_PARAMS command.
func ReadParamsData(params []uint16) []byte {
	data := make([]byte, 0, 2*len(params))
	for _, p := range params {
		data = binary.LittleEndian.AppendUint16(data, p)
	}
	return data
}

// ParseReadParamsData decodes a READ_PARAMS payload.
func ParseReadParamsData(data []byte) ([]uint16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("read params payload of %d bytes", len(data))
	}
	r := bytebuf.NewReader(data)
	params := make([]uint16, 0, len(data)/2)
	for r.Remaining() > 0 {
		p, err := r.U16()
		if err != nil {
			return nil, err
		}
		params = append(params, p)
	}
	return params, nil
}

// WriteParamData creates the data payload for a WRITE_PARAM command.
func WriteParamData(param uint16, value int32) []byte {
	data := binary.LittleEndian.AppendUint16(make([]byte, 0, 6), param)
	return binary.LittleEndian.AppendUint32(data, uint32(value))
}

// ParseWriteParamData decodes a WRITE_PARAM payload.
func ParseWriteParamData(data []byte) (uint16, int32, error) {
	if len(data) != 6 {
		return 0, 0, fmt.Errorf("write param payload of %d bytes, want 6", len(data))
	}
	r := bytebuf.NewReader(data)
	param, _ := r.U16()
	value, _ := r.U32()
	return param, int32(value), nil
}

// ExecuteQueueData creates the data payload for an EXECUTE_QUEUE command.
func ExecuteQueueData(cmds []Subcommand) []byte {
	data := make([]byte, 0, 5*len(cmds))
	for _, c := range cmds {
		data = append(data, byte(c.Op))
		data = binary.LittleEndian.AppendUint32(data, uint32(c.Operand))
	}
	return data
}

// ParseExecuteQueueData decodes an EXECUTE_QUEUE payload.
func ParseExecuteQueueData(data []byte) ([]Subcommand, error) {
	if len(data)%5 != 0 {
		return nil, fmt.Errorf("execute queue payload of %d bytes", len(data))
	}
	r := bytebuf.NewReader(data)
	cmds := make([]Subcommand, 0, len(data)/5)
	for r.Remaining() > 0 {
		op, err := r.U8()
		if err != nil {
			return nil, err
		}
		operand, err := r.U32()
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, Subcommand{Op: Opcode(op), Operand: int32(operand)})
	}
	return cmds, nil
}

// ValuesData encodes a list of register values, the payload of READ_PARAMS
// and EXECUTE_QUEUE responses.
func ValuesData(values []int32) []byte {
	data := make([]byte, 0, 4*len(values))
	for _, v := range values {
		data = binary.LittleEndian.AppendUint32(data, uint32(v))
	}
	return data
}

// ParseValues decodes a READ_PARAMS or EXECUTE_QUEUE response payload.
func ParseValues(data []byte) ([]int32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("value payload of %d bytes", len(data))
	}
	r := bytebuf.NewReader(data)
	values := make([]int32, 0, len(data)/4)
	for r.Remaining() > 0 {
		v, err := r.U32()
		if err != nil {
			return nil, err
		}
		values = append(values, int32(v))
	}
	return values, nil
}
