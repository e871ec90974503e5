// Package deploy brings drive registers in line with a configuration script.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bigbag/smdeploy/internal/drc"
	"github.com/bigbag/smdeploy/internal/log"
	"github.com/bigbag/smdeploy/internal/protocol"
	"github.com/bigbag/smdeploy/internal/smlink"
)

// Mode selects optional deployment steps. Modes can be combined.
type Mode uint

const (
	// DisableDuringConfig zeroes ControlBits1 while parameters are written
	// and restores it afterwards.
	DisableDuringConfig Mode = 1 << iota

	// ClearFaultsAfterConfig clears the fault register after writing.
	ClearFaultsAfterConfig

	// AlwaysRestartTarget restarts the drive even when it does not need it.
	AlwaysRestartTarget
)

// RestartSettle is how long a drive takes to come back after a restart.
const RestartSettle = 2 * time.Second

// Status is the outcome of a deployment.
type Status int

const (
	Complete           Status = 100
	CommunicationError Status = -2
	UnableToOpenFile   Status = -5
	Cancelled          Status = -7
)

func (s Status) String() string {
	switch s {
	case Complete:
		return "Configuration complete"
	case CommunicationError:
		return "Communication error"
	case UnableToOpenFile:
		return "Unable to open configuration file"
	case Cancelled:
		return "Configuration cancelled"
	default:
		return fmt.Sprintf("Unknown deployment status (%d)", int(s))
	}
}

// ErrCommunication is returned when the drive did not answer reliably.
var ErrCommunication = errors.New("drive communication failed")

// Result summarises a deployment.
type Result struct {
	Status Status

	// Skipped counts parameters the drive does not have, typically because
	// the script was made for another model or firmware version.
	Skipped int

	// Errors counts parameters the drive refused or that failed to write.
	Errors int

	// Changed counts parameters that differed from the script, including
	// those whose write failed.
	Changed int

	// Invalid counts parameters whose scaled value does not fit in a
	// register. They are never sent to the drive.
	Invalid int
}

// Engine deploys configuration scripts to one drive.
type Engine struct {
	link     smlink.Link
	addr     int
	log      log.Logger
	sleep    func(time.Duration)
	progress func(done, total int)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// WithSleep replaces time.Sleep for the restart settle delay.
func WithSleep(fn func(time.Duration)) Option {
	return func(e *Engine) {
		e.sleep = fn
	}
}

// WithProgress sets a callback run after each parameter.
func WithProgress(fn func(done, total int)) Option {
	return func(e *Engine) {
		e.progress = fn
	}
}

// New creates an Engine for the drive at addr.
func New(link smlink.Link, addr int, opts ...Option) *Engine {
	e := &Engine{
		link:  link,
		addr:  addr,
		log:   log.NewNopLogger(),
		sleep: time.Sleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DeployFile loads a script file and deploys it.
func (e *Engine) DeployFile(ctx context.Context, path string, mode Mode) (Result, error) {
	script, err := drc.Load(path)
	if err != nil {
		return Result{Status: UnableToOpenFile}, err
	}
	return e.Deploy(ctx, script, mode)
}

// Deploy writes every parameter of script whose register value differs
// from the script, then saves the configuration if anything changed.
//
// Single parameters that fail are counted in the result and do not stop
// the deployment. The returned error is non-nil only when the drive could
// not be reached before or after the parameter loop, or ctx was cancelled.
// Cancellation is checked between parameters; the steps after the loop
// still run so that a disabled drive is re-enabled.
func (e *Engine) Deploy(ctx context.Context, script *drc.Script, mode Mode) (Result, error) {
	var res Result
	l := e.link

	l.ResetStatus()
	deviceType, err := l.ReadParam(e.addr, protocol.RegDeviceType)
	if err != nil {
		res.Status = CommunicationError
		return res, fmt.Errorf("%w: %w", ErrCommunication, err)
	}
	e.log.Debug("deploying configuration", "address", e.addr, "device_type", deviceType)

	var cb1 int32
	if mode&DisableDuringConfig != 0 {
		cb1, _ = l.ReadParam(e.addr, protocol.RegControlBits1)
		_ = l.WriteParam(e.addr, protocol.RegControlBits1, 0)
	}
	if err := l.Status(); err != nil {
		res.Status = CommunicationError
		return res, fmt.Errorf("%w: %w", ErrCommunication, err)
	}

	params := script.Parameters()
	var cancelErr error
	for i, p := range params {
		if err := ctx.Err(); err != nil {
			cancelErr = err
			break
		}
		e.apply(p, &res)
		if e.progress != nil {
			e.progress(i+1, len(params))
		}
	}

	l.ResetStatus()
	if res.Changed > 0 {
		_ = l.WriteParam(e.addr, protocol.RegSystemControl, protocol.SystemControlSaveConfig)
	}
	if mode&ClearFaultsAfterConfig != 0 {
		e.log.Debug("clearing faults", "address", e.addr)
		_ = l.WriteParam(e.addr, protocol.RegFaults, 0)
	}
	if mode&DisableDuringConfig != 0 {
		e.log.Debug("restoring control bits", "address", e.addr, "value", cb1)
		_ = l.WriteParam(e.addr, protocol.RegControlBits1, cb1)
	}

	status, _ := l.ReadParam(e.addr, protocol.RegStatus)
	if status&protocol.StatusPermanentStop != 0 || mode&AlwaysRestartTarget != 0 {
		e.log.Debug("restarting drive", "address", e.addr)
		_ = l.WriteParam(e.addr, protocol.RegSystemControl, protocol.SystemControlRestart)
		e.sleep(RestartSettle)
	}

	if err := l.Status(); err != nil {
		res.Status = CommunicationError
		return res, fmt.Errorf("%w: %w", ErrCommunication, err)
	}
	if cancelErr != nil {
		res.Status = Cancelled
		return res, cancelErr
	}
	res.Status = Complete
	return res, nil
}

// apply reconciles one parameter.
func (e *Engine) apply(p drc.Parameter, res *Result) {
	if p.ReadOnly {
		return
	}
	if p.Address < 0 || p.Address > math.MaxUint16 {
		res.Skipped++
		e.log.Info("skipping parameter", "index", p.Index, "param", p.Address, "error", "address out of range")
		return
	}
	l := e.link
	addr := uint16(p.Address)
	target, ok := p.Target()
	if !ok {
		res.Invalid++
		e.log.Warn("parameter value out of range", "index", p.Index, "param", addr,
			"value", p.Value, "scaling", p.Scale, "offset", p.Offset)
		return
	}

	current, err := l.ReadParam(e.addr, addr)
	if err != nil {
		res.Skipped++
		e.log.Info("skipping parameter", "index", p.Index, "param", addr, "error", err)
		return
	}
	if current == target {
		return
	}

	l.ResetStatus()
	l.Enqueue(protocol.OpSetParamAddr, protocol.RegReturnParamLen)
	l.Enqueue(protocol.OpWrite24, protocol.ReturnCmdStatus)
	l.Enqueue(protocol.OpSetParamAddr, int32(addr))
	l.Enqueue(protocol.OpWrite32, target)
	_ = l.ExecuteQueue(e.addr)
	l.Dequeue()
	l.Dequeue()
	addrStatus, _ := l.Dequeue()
	valueStatus, _ := l.Dequeue()

	if err := l.Status(); err != nil || addrStatus != protocol.CmdStatusACK || valueStatus != protocol.CmdStatusACK {
		res.Errors++
		e.log.Warn("failed to write parameter",
			"index", p.Index, "param", addr, "value", target,
			"address_status", addrStatus, "value_status", valueStatus, "error", err)
	} else {
		e.log.Debug("parameter written", "param", addr, "from", current, "to", target)
	}
	res.Changed++
}
