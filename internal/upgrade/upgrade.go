// Package upgrade installs firmware on a drive.
//
// A Session is a state machine driven by repeated Step calls. It puts the
// drive into DFU mode if needed, finds it on the bus, validates the firmware
// container and hands the main MCU image to a flasher.Flasher. Every Step
// does a bounded amount of work, so the caller can report progress between
// steps.
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bigbag/smdeploy/internal/detect"
	"github.com/bigbag/smdeploy/internal/flasher"
	"github.com/bigbag/smdeploy/internal/gdf"
	"github.com/bigbag/smdeploy/internal/log"
	"github.com/bigbag/smdeploy/internal/protocol"
	"github.com/bigbag/smdeploy/internal/smlink"
)

// Settle delays after drive restarts.
const (
	DFUSettle    = 2500 * time.Millisecond
	LaunchSettle = 2 * time.Second
)

// Diagnostic detail codes of aborted sessions. Flashing failures carry the
// flasher detail codes instead.
const (
	DetailLoadFile        = 100
	DetailNoSoftDFU       = 200
	DetailEnterDFU        = 300
	DetailFindDFU         = 400
	DetailFileNotReadable = 500
)

// State is the step a Session runs next.
type State int

const (
	StateIdle State = iota
	StateEnterDFU
	StateFindDFUDevice
	StateLoadFile
	StateUpload
	StateLaunch
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEnterDFU:
		return "enter DFU"
	case StateFindDFUDevice:
		return "find DFU device"
	case StateLoadFile:
		return "load file"
	case StateUpload:
		return "upload"
	case StateLaunch:
		return "launch"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Error is an aborted upgrade.
type Error struct {
	Status Status
	// Detail tells apart the places a session can fail with the same Status.
	Detail int
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (detail %d): %v", e.Status, e.Detail, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Session upgrades the firmware of one drive.
type Session struct {
	link  smlink.Link
	addr  int
	path  string
	owned bool
	data  []byte

	sleep   func(time.Duration)
	log     log.Logger
	gdfOpts []gdf.Option

	state      State
	dfuAddr    int
	deviceType int32
	container  *gdf.Container
	flasher    *flasher.Flasher
	progress   int
	diag       int
}

// Option configures a Session.
type Option func(*Session)

// WithSleep replaces time.Sleep for the settle delays.
func WithSleep(fn func(time.Duration)) Option {
	return func(s *Session) {
		s.sleep = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(s *Session) {
		s.log = l
	}
}

// WithCRC sets the CRC-32 function used to check chunked containers.
func WithCRC(fn gdf.ChecksumFunc) Option {
	return func(s *Session) {
		s.gdfOpts = append(s.gdfOpts, gdf.WithCRC(fn))
	}
}

func newSession(link smlink.Link, addr int, opts []Option) *Session {
	s := &Session{
		link:  link,
		addr:  addr,
		sleep: time.Sleep,
		log:   log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewSession creates a Session that installs the firmware container in data
// on the drive at addr. The caller keeps ownership of data and must not
// modify it while the session runs.
func NewSession(link smlink.Link, addr int, data []byte, opts ...Option) *Session {
	s := newSession(link, addr, opts)
	s.data = data
	return s
}

// NewFileSession creates a Session that reads the firmware container from
// path on its first step. The file contents are dropped when the session
// completes or fails, and read again by the next run.
func NewFileSession(link smlink.Link, addr int, path string, opts ...Option) *Session {
	s := newSession(link, addr, opts)
	s.path = path
	s.owned = true
	return s
}

// State returns the step the session runs next.
func (s *Session) State() State {
	return s.state
}

// Progress returns the last reported progress, 0 to 100.
func (s *Session) Progress() int {
	return s.progress
}

// LastDiagnostic returns the detail code of the last aborted run, or 0.
func (s *Session) LastDiagnostic() int {
	return s.diag
}

// Address returns the bus address the drive is flashed on. It differs from
// the requested address when the drive moved on entering DFU mode.
func (s *Session) Address() int {
	return s.dfuAddr
}

// Container returns the validated firmware container, or nil before the
// container has been loaded.
func (s *Session) Container() *gdf.Container {
	return s.container
}

// Step runs one unit of work and returns the progress. 100 means the new
// firmware was launched and the session is idle again. On error the session
// also returns to idle, so the next Step starts over.
//
// Step returns ctx.Err() without doing anything if ctx is done.
func (s *Session) Step(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return s.progress, err
	}

	if s.owned && s.data == nil {
		data, err := os.ReadFile(s.path)
		if err != nil {
			return 0, s.abort(FileNotReadable, DetailFileNotReadable, fmt.Errorf("failed to read firmware file: %w", err))
		}
		s.data = data
	}

	var err error
	switch s.state {
	case StateIdle:
		err = s.idle()
	case StateEnterDFU:
		s.enterDFU()
	case StateFindDFUDevice:
		err = s.findDFU()
	case StateLoadFile:
		err = s.loadFile()
	case StateUpload:
		err = s.upload()
	case StateLaunch:
		s.launch()
	}
	if err != nil {
		return 0, err
	}
	if s.progress == int(Complete) {
		s.release()
	}
	return s.progress, nil
}

// Run steps the session until the firmware is launched or a step fails.
// progress, if not nil, is called after every step. Run stops between steps
// when ctx is done.
func (s *Session) Run(ctx context.Context, progress func(int)) error {
	for {
		p, err := s.Step(ctx)
		if err != nil {
			return err
		}
		if progress != nil {
			progress(p)
		}
		if p == int(Complete) {
			return nil
		}
	}
}

func (s *Session) abort(status Status, detail int, err error) error {
	s.log.Debug("upgrade aborted", "address", s.addr, "state", s.state, "status", status, "detail", detail)
	s.diag = detail
	s.state = StateIdle
	s.progress = 0
	s.release()
	return &Error{Status: status, Detail: detail, Err: err}
}

// release drops everything loaded for the current run.
func (s *Session) release() {
	s.container = nil
	s.flasher = nil
	if s.owned {
		s.data = nil
	}
}

func (s *Session) idle() error {
	s.dfuAddr = s.addr
	busMode, deviceType, err := detect.Probe(s.link, s.addr)
	switch {
	case err != nil:
		s.log.Debug("drive not answering, searching DFU addresses", "address", s.addr, "error", err)
		s.state = StateFindDFUDevice
	case busMode == protocol.BusModeDFU:
		s.deviceType = deviceType
		s.state = StateLoadFile
	default:
		s.deviceType = deviceType
		if !protocol.SupportsSoftDFU(deviceType) {
			return s.abort(ConnectionError, DetailNoSoftDFU,
				fmt.Errorf("device type %d cannot enter DFU mode by command", deviceType))
		}
		s.state = StateEnterDFU
		if err := s.link.WriteParam(s.addr, protocol.RegSystemControl, protocol.SystemControlRestartToDFU); err != nil {
			return s.abort(ConnectionError, DetailEnterDFU, err)
		}
		s.log.Info("restarting drive into DFU mode", "address", s.addr, "device_type", deviceType)
	}
	s.progress = 1
	return nil
}

func (s *Session) enterDFU() {
	s.sleep(DFUSettle)
	busMode, deviceType, err := detect.Probe(s.link, s.addr)
	if err == nil && busMode == protocol.BusModeDFU {
		s.deviceType = deviceType
		s.state = StateLoadFile
	} else {
		s.state = StateFindDFUDevice
	}
	s.progress = 2
}

func (s *Session) findDFU() error {
	addr, deviceType, err := detect.FindDFUAddress(s.link, protocol.DFUAddressFirst, protocol.DFUAddressLast)
	if err != nil {
		return s.abort(ConnectingDFUModeFailed, DetailFindDFU, err)
	}
	s.log.Info("found drive in DFU mode", "address", addr, "device_type", deviceType)
	s.dfuAddr = addr
	s.deviceType = deviceType
	s.state = StateLoadFile
	s.progress = 3
	return nil
}

func (s *Session) loadFile() error {
	c, err := gdf.Parse(s.data, uint32(s.deviceType), s.gdfOpts...)
	if err != nil {
		return s.abort(StatusOf(err), DetailLoadFile, err)
	}
	if c.Primary.Length == 0 {
		return s.abort(InvalidFile, DetailLoadFile, fmt.Errorf("%w: no main MCU binary", gdf.ErrInvalidFile))
	}
	s.container = c
	s.flasher = flasher.New(s.link, s.dfuAddr, c.PrimaryData(s.data),
		flasher.WithSleep(s.sleep), flasher.WithLogger(s.log.WithName("flasher")))
	s.log.Debug("firmware container loaded", "version", c.Version, "primary_bytes", c.Primary.Length,
		"secondary_bytes", c.Secondary.Length)
	s.state = StateUpload
	s.progress = 4
	return nil
}

func (s *Session) upload() error {
	p, err := s.flasher.Step()
	if err != nil {
		detail := flasher.DetailInit
		var fe *flasher.Error
		if errors.As(err, &fe) {
			detail = fe.Detail
		}
		return s.abort(ConnectionError, detail, err)
	}
	s.progress = p
	if p >= flasher.ProgressDone {
		s.state = StateLaunch
	}
	return nil
}

func (s *Session) launch() {
	// Launch is best effort: the drive drops off the bus while it restarts.
	_ = s.link.WriteParam(s.dfuAddr, protocol.RegBootloaderFunction, protocol.BootloaderLaunch)
	s.sleep(LaunchSettle)
	s.log.Info("firmware launched", "address", s.dfuAddr)
	s.progress = int(Complete)
	s.state = StateIdle
}

// FirmwareUniqueID reads the unique id of the firmware installed on the drive
// at addr. Firmware without the feature answers with a meaningless value or
// an error.
func FirmwareUniqueID(link smlink.Link, addr int) (uint32, error) {
	link.ResetStatus()
	_ = link.WriteParam(addr, protocol.RegSystemControl, protocol.SystemControlGetSpecialData)
	id, _ := link.ReadParam(addr, protocol.RegDebugParam1)
	if err := link.Status(); err != nil {
		return 0, fmt.Errorf("failed to read firmware unique id: %w", err)
	}
	return uint32(id), nil
}
