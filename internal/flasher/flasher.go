// Package flasher writes a firmware image to a drive that is in DFU mode.
//
// Flashing is split into short steps so the caller can report progress and
// stay responsive: Init erases the flash, Upload sends the image in
// chunks and returns every few hundred words, Finish verifies the result.
package flasher

import (
	"errors"
	"fmt"
	"time"

	"github.com/bigbag/smdeploy/internal/bytebuf"
	"github.com/bigbag/smdeploy/internal/log"
	"github.com/bigbag/smdeploy/internal/protocol"
	"github.com/bigbag/smdeploy/internal/smlink"
)

// Phase is the flashing phase the next Step runs.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseUpload
	PhaseFinish
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseUpload:
		return "upload"
	case PhaseFinish:
		return "finish"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

const (
	// ChunkWords is the number of 16-bit words sent per queue execute.
	ChunkWords = 32

	// PadWord fills the last chunk past the end of the image.
	PadWord = 0xEEEE

	// YieldWords is how often Upload returns to the caller.
	YieldWords = 256

	// VerifyMinVersion is the first bootloader version that can verify flash.
	VerifyMinVersion = 1210

	// EraseSettle is how long a mass erase takes.
	EraseSettle = 2 * time.Second
)

// Progress values reported by Step.
const (
	ProgressStarted  = 5
	ProgressUploaded = 94
	ProgressDone     = 95
)

// Detail codes identify where flashing failed.
const (
	DetailInit        = 1000
	DetailChunk       = 1010
	DetailVerifyComm  = 1020
	DetailVerifyFault = 1030
)

// Error is a flashing failure.
type Error struct {
	Phase  Phase
	Detail int
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("flashing failed in %s phase (detail %d): %v", e.Phase, e.Detail, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrVerify means the bootloader reported that the flashed image is corrupt.
var ErrVerify = errors.New("flash verification failed")

// Flasher holds the state of one flashing run.
type Flasher struct {
	link  smlink.Link
	addr  int
	image []byte
	words int
	sleep func(time.Duration)
	log   log.Logger

	phase    Phase
	index    int
	progress int

	deviceType int32
	blVersion  int32
}

// Option configures a Flasher.
type Option func(*Flasher)

// WithSleep replaces time.Sleep for the erase settle delay.
func WithSleep(fn func(time.Duration)) Option {
	return func(f *Flasher) {
		f.sleep = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l log.Logger) Option {
	return func(f *Flasher) {
		f.log = l
	}
}

// New creates a Flasher that writes image to the drive at addr. The image is
// sent as little-endian 16-bit words; a trailing odd byte is not sent.
func New(link smlink.Link, addr int, image []byte, opts ...Option) *Flasher {
	f := &Flasher{
		link:  link,
		addr:  addr,
		image: image,
		words: len(image) / 2,
		sleep: time.Sleep,
		log:   log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Phase returns the phase the next Step runs.
func (f *Flasher) Phase() Phase {
	return f.phase
}

// DeviceType returns the device type read during Init.
func (f *Flasher) DeviceType() int32 {
	return f.deviceType
}

// BootloaderVersion returns the firmware version read during Init.
func (f *Flasher) BootloaderVersion() int32 {
	return f.blVersion
}

// Step runs one unit of flashing work and returns the progress, 5 to 95.
// ProgressDone means the image was written and verified; the Flasher is
// then back in PhaseInit. On error the Flasher also restarts from PhaseInit.
func (f *Flasher) Step() (int, error) {
	var err error
	switch f.phase {
	case PhaseInit:
		err = f.init()
	case PhaseUpload:
		err = f.upload()
	case PhaseFinish:
		err = f.finish()
	}
	if err != nil {
		f.phase = PhaseInit
		return f.progress, err
	}
	return f.progress, nil
}

func (f *Flasher) fail(detail int, err error) error {
	return &Error{Phase: f.phase, Detail: detail, Err: err}
}

func (f *Flasher) init() error {
	f.link.ResetStatus()
	values, err := f.link.ReadParams(f.addr, protocol.RegFirmwareVersion, protocol.RegDeviceType)
	if err != nil {
		return f.fail(DetailInit, err)
	}
	f.blVersion, f.deviceType = values[0], values[1]

	// Mass erase keeps the drive configuration on everything but Argon.
	_ = f.link.WriteParam(f.addr, protocol.RegBootloaderFunction, protocol.BootloaderErase)
	f.sleep(EraseSettle)

	_ = f.link.WriteParam(f.addr, protocol.RegReturnParamLen, protocol.ReturnCmdStatus)
	if err := f.link.Status(); err != nil {
		return f.fail(DetailInit, err)
	}

	f.log.Debug("flash erased", "address", f.addr, "bootloader", f.blVersion, "words", f.words)
	f.phase = PhaseUpload
	f.index = 0
	f.progress = ProgressStarted
	return nil
}

func (f *Flasher) upload() error {
	r := bytebuf.NewReader(f.image)

	for f.index < f.words {
		f.link.Enqueue(protocol.OpSetParamAddr, protocol.RegBootloaderUpload)
		for c := 0; c < ChunkWords; c++ {
			word := uint16(PadWord)
			if f.index < f.words {
				if err := r.Seek(2 * f.index); err != nil {
					return f.fail(DetailChunk, err)
				}
				w, err := r.U16()
				if err != nil {
					return f.fail(DetailChunk, err)
				}
				word = w
			}
			f.link.Enqueue(protocol.OpWrite24, int32(word))
			f.index++
		}
		f.link.Enqueue(protocol.OpSetParamAddr, protocol.RegBootloaderFunction)
		f.link.Enqueue(protocol.OpWrite24, protocol.BootloaderWrite)
		_ = f.link.ExecuteQueue(f.addr)

		for c := 0; c < ChunkWords+3; c++ {
			f.link.Dequeue()
			if err := f.link.Status(); err != nil {
				return f.fail(DetailChunk, err)
			}
		}

		f.progress = ProgressStarted + 90*f.index/f.words
		if f.progress > ProgressUploaded {
			f.progress = ProgressUploaded
		}

		if f.index%YieldWords == 0 {
			f.log.Debug("upload", "address", f.addr, "words", f.index, "progress", f.progress)
			return nil
		}
	}

	f.phase = PhaseFinish
	return nil
}

func (f *Flasher) finish() error {
	if f.blVersion >= VerifyMinVersion {
		_ = f.link.WriteParam(f.addr, protocol.RegBootloaderFunction, protocol.BootloaderVerify)
		faults, _ := f.link.ReadParam(f.addr, protocol.RegFaults)
		if err := f.link.Status(); err != nil {
			f.progress = 0
			return f.fail(DetailVerifyComm, err)
		}
		if faults&protocol.FaultFlashingCommSideFail != 0 {
			f.progress = 0
			return f.fail(DetailVerifyFault, fmt.Errorf("faults 0x%08X: %w", uint32(faults), ErrVerify))
		}
		f.log.Debug("flash verified", "address", f.addr)
	}

	f.progress = ProgressDone
	f.phase = PhaseInit
	return nil
}
