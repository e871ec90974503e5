// Package detect finds drives on serial buses.
package detect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bigbag/smdeploy/internal/log"
	"github.com/bigbag/smdeploy/internal/protocol"
	"github.com/bigbag/smdeploy/internal/serial"
	"github.com/bigbag/smdeploy/internal/smlink"
)

// ErrNoDFUDevice means no drive in DFU mode answered in the probed range.
var ErrNoDFUDevice = errors.New("no drive in DFU mode found")

// Device is a drive that answered a probe.
type Device struct {
	Port            string
	Address         int
	BusMode         int32
	DeviceType      int32
	FirmwareVersion int32
}

// InDFU reports whether the drive is running its bootloader.
func (d Device) InDFU() bool {
	return d.BusMode == protocol.BusModeDFU
}

// Probe reads the bus mode and device type of the drive at addr.
func Probe(link smlink.Link, addr int) (busMode, deviceType int32, err error) {
	values, err := link.ReadParams(addr, protocol.RegBusMode, protocol.RegDeviceType)
	if err != nil {
		return 0, 0, err
	}
	return values[0], values[1], nil
}

// Identify reads the bus mode, device type and firmware version of the drive
// at addr.
func Identify(link smlink.Link, addr int) (Device, error) {
	values, err := link.ReadParams(addr, protocol.RegBusMode, protocol.RegDeviceType, protocol.RegFirmwareVersion)
	if err != nil {
		return Device{}, err
	}
	return Device{
		Address:         addr,
		BusMode:         values[0],
		DeviceType:      values[1],
		FirmwareVersion: values[2],
	}, nil
}

// FindDFUAddress probes addresses first..last in order and returns the first
// one answering in DFU mode. Older bootloaders do not keep the bus address of
// the application, so a drive restarted into DFU mode may show up anywhere in
// protocol.DFUAddressFirst..protocol.DFUAddressLast.
func FindDFUAddress(link smlink.Link, first, last int) (int, int32, error) {
	for addr := first; addr <= last; addr++ {
		busMode, deviceType, err := Probe(link, addr)
		if err == nil && busMode == protocol.BusModeDFU {
			return addr, deviceType, nil
		}
	}
	return 0, 0, fmt.Errorf("addresses %d-%d: %w", first, last, ErrNoDFUDevice)
}

// Port is a serial port a Scanner can talk to.
type Port interface {
	smlink.Port
	io.Closer
}

// Opener opens a serial port.
type Opener func(name string, baud int) (Port, error)

// OpenSerial opens a real serial port.
func OpenSerial(name string, baud int) (Port, error) {
	p, err := serial.Open(name, baud)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Scanner probes drives on several serial ports at once.
type Scanner struct {
	// Open defaults to OpenSerial.
	Open Opener

	Baud    int
	Timeout time.Duration

	// DFU also probes the DFU fallback range on ports where nothing answered
	// at the requested address.
	DFU bool

	// Limit caps the number of ports probed at the same time. Zero means
	// no limit.
	Limit int

	Log log.Logger
}

// Scan probes address addr on every port and returns the drives that
// answered, in port order. Ports that cannot be opened or where no drive
// answers are skipped.
func (s *Scanner) Scan(ctx context.Context, ports []string, addr int) ([]Device, error) {
	open := s.Open
	if open == nil {
		open = OpenSerial
	}
	baud := s.Baud
	if baud == 0 {
		baud = protocol.DefaultBaudRate
	}
	timeout := s.Timeout
	logger := s.Log
	if logger == nil {
		logger = log.NewNopLogger()
	}

	found := make([]*Device, len(ports))
	g, ctx := errgroup.WithContext(ctx)
	if s.Limit > 0 {
		g.SetLimit(s.Limit)
	}
	for i, name := range ports {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			port, err := open(name, baud)
			if err != nil {
				logger.Debug("skipping port", "port", name, "error", err)
				return nil
			}
			defer port.Close()

			link := smlink.NewBus(smlink.NewSerialTransport(port, timeout))
			dev, err := Identify(link, addr)
			if err != nil && s.DFU {
				var dfuAddr int
				if dfuAddr, _, err = FindDFUAddress(link, protocol.DFUAddressFirst, protocol.DFUAddressLast); err == nil {
					dev, err = Identify(link, dfuAddr)
				}
			}
			if err != nil {
				logger.Debug("no drive on port", "port", name, "address", addr, "error", err)
				return nil
			}
			dev.Port = name
			found[i] = &dev
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var devices []Device
	for _, d := range found {
		if d != nil {
			devices = append(devices, *d)
		}
	}
	return devices, nil
}
