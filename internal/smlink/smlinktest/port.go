package smlinktest

import (
	"errors"
	"sync"
	"time"

	"github.com/bigbag/smdeploy/internal/protocol"
	"github.com/bigbag/smdeploy/internal/slip"
	"github.com/bigbag/smdeploy/internal/smlink"
)

// Port serves a Simulator over the packet protocol. It implements
// smlink.Port, so a SerialTransport on it talks to the simulated drives
// through real framing.
type Port struct {
	sim *Simulator

	mu  sync.Mutex
	dec slip.Decoder
	out []byte

	// Noise is prepended to every response.
	Noise []byte

	// Chunk limits how many bytes one read returns. Zero means no limit.
	Chunk int
}

var _ smlink.Port = (*Port)(nil)

// NewPort returns a port on sim.
func NewPort(sim *Simulator) *Port {
	return &Port{sim: sim}
}

func (p *Port) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.dec.Write(data)
	for frame := p.dec.Frame(); frame != nil; frame = p.dec.Frame() {
		req, err := protocol.DecodeRequest(frame)
		if err != nil {
			continue
		}
		resp := p.serve(req)
		if resp == nil {
			continue
		}
		p.out = append(p.out, p.Noise...)
		p.out = slip.Append(p.out, resp.Encode())
	}
	return len(data), nil
}

// serve runs a request on the simulator. A nil response means no drive
// answered.
func (p *Port) serve(req *protocol.Request) *protocol.Response {
	addr := int(req.Address)
	resp := &protocol.Response{Command: req.Command, Address: req.Address}

	var err error
	switch req.Command {
	case protocol.CmdReadParams:
		var params []uint16
		if params, err = protocol.ParseReadParamsData(req.Data); err == nil {
			var values []int32
			if values, err = p.sim.ReadParams(addr, params); err == nil {
				resp.Data = protocol.ValuesData(values)
			}
		}
	case protocol.CmdWriteParam:
		var param uint16
		var value int32
		if param, value, err = protocol.ParseWriteParamData(req.Data); err == nil {
			err = p.sim.WriteParam(addr, param, value)
		}
	case protocol.CmdExecuteQueue:
		var cmds []protocol.Subcommand
		if cmds, err = protocol.ParseExecuteQueueData(req.Data); err == nil {
			var values []int32
			if values, err = p.sim.Execute(addr, cmds); err == nil {
				resp.Data = protocol.ValuesData(values)
			}
		}
	default:
		resp.Status = protocol.RespBadCommand
		return resp
	}

	var de *smlink.DriveError
	switch {
	case err == nil:
	case errors.Is(err, smlink.ErrTimeout):
		return nil
	case errors.As(err, &de):
		resp.Status = de.Status
	default:
		resp.Status = protocol.RespBadCommand
	}
	return resp
}

func (p *Port) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.out)
	if p.Chunk > 0 && n > p.Chunk {
		n = p.Chunk
	}
	n = copy(buf, p.out[:n])
	p.out = p.out[n:]
	return n, nil
}

func (p *Port) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = nil
	return nil
}
