package smlink

import (
	"fmt"

	"github.com/bigbag/smdeploy/internal/log"
	"github.com/bigbag/smdeploy/internal/protocol"
)

// Bus implements Link on top of a Transport. It owns the local command
// queue, the return values of the last executed queues and the cumulative
// status. A Bus is not safe for concurrent use.
type Bus struct {
	t       Transport
	log     log.Logger
	queue   []protocol.Subcommand
	returns []int32
	status  error
}

var _ Link = (*Bus)(nil)

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithLogger sets the logger for bus transactions.
func WithLogger(l log.Logger) BusOption {
	return func(b *Bus) {
		b.log = l
	}
}

// NewBus creates a Bus over t.
func NewBus(t Transport, opts ...BusOption) *Bus {
	b := &Bus{t: t, log: log.NewNopLogger()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// record keeps err as the cumulative status if it is the first failure.
func (b *Bus) record(err error) error {
	if err != nil && b.status == nil {
		b.status = err
	}
	return err
}

func (b *Bus) ReadParam(addr int, param uint16) (int32, error) {
	values, err := b.ReadParams(addr, param)
	if err != nil {
		return 0, err
	}
	return values[0], nil
}

func (b *Bus) ReadParams(addr int, params ...uint16) ([]int32, error) {
	values, err := b.t.ReadParams(addr, params)
	if err == nil && len(values) != len(params) {
		err = fmt.Errorf("read %d parameters, got %d values", len(params), len(values))
	}
	if err != nil {
		b.log.Debug("read failed", "address", addr, "params", params, "error", err)
		return nil, b.record(fmt.Errorf("read parameters %v at %d: %w", params, addr, err))
	}
	b.log.Debug("read", "address", addr, "params", params, "values", values)
	return values, nil
}

func (b *Bus) WriteParam(addr int, param uint16, value int32) error {
	if err := b.t.WriteParam(addr, param, value); err != nil {
		b.log.Debug("write failed", "address", addr, "param", param, "value", value, "error", err)
		return b.record(fmt.Errorf("write parameter %d at %d: %w", param, addr, err))
	}
	b.log.Debug("write", "address", addr, "param", param, "value", value)
	return nil
}

func (b *Bus) Enqueue(op protocol.Opcode, operand int32) {
	b.queue = append(b.queue, protocol.Subcommand{Op: op, Operand: operand})
}

// ExecuteQueue sends and clears the local queue. On failure no return
// values are stored, so the matching Dequeue calls fail as well.
func (b *Bus) ExecuteQueue(addr int) error {
	cmds := b.queue
	b.queue = nil

	if len(cmds) > protocol.MaxQueueLen {
		return b.record(fmt.Errorf("%d subcommands: %w", len(cmds), ErrQueueFull))
	}

	values, err := b.t.Execute(addr, cmds)
	if err == nil && len(values) != len(cmds) {
		err = fmt.Errorf("executed %d subcommands, got %d return values", len(cmds), len(values))
	}
	if err != nil {
		b.log.Debug("execute failed", "address", addr, "subcommands", len(cmds), "error", err)
		return b.record(fmt.Errorf("execute queue at %d: %w", addr, err))
	}
	b.returns = append(b.returns, values...)
	return nil
}

func (b *Bus) Dequeue() (int32, error) {
	if len(b.returns) == 0 {
		return 0, b.record(ErrQueueEmpty)
	}
	v := b.returns[0]
	b.returns = b.returns[1:]
	return v, nil
}

func (b *Bus) ResetStatus() {
	b.status = nil
}

func (b *Bus) Status() error {
	return b.status
}
