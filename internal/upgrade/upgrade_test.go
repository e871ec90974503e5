package upgrade_test

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bigbag/smdeploy/internal/detect"
	"github.com/bigbag/smdeploy/internal/flasher"
	"github.com/bigbag/smdeploy/internal/gdf"
	"github.com/bigbag/smdeploy/internal/gdf/gdftest"
	"github.com/bigbag/smdeploy/internal/protocol"
	"github.com/bigbag/smdeploy/internal/smlink"
	"github.com/bigbag/smdeploy/internal/smlink/smlinktest"
	"github.com/bigbag/smdeploy/internal/upgrade"
)

const deviceType = 11050

var primary = gdftest.Pattern(64)

func firmware() []byte {
	return gdftest.Chunked(
		gdftest.DeviceRange(11000, 11200),
		gdftest.Primary(primary),
	)
}

type sleeper struct {
	slept []time.Duration
}

func (s *sleeper) sleep(d time.Duration) {
	s.slept = append(s.slept, d)
}

// run steps s to completion and returns every reported progress value.
func run(t *testing.T, s *upgrade.Session) ([]int, error) {
	t.Helper()
	var seen []int
	err := s.Run(context.Background(), func(p int) {
		seen = append(seen, p)
		if len(seen) > 10000 {
			t.Fatal("session did not finish")
		}
	})
	return seen, err
}

func checkFlash(t *testing.T, d *smlinktest.Drive) {
	t.Helper()
	if len(d.Flash) != len(primary)/2 {
		t.Fatalf("flashed %d words, want %d", len(d.Flash), len(primary)/2)
	}
	for i, w := range d.Flash {
		if want := binary.LittleEndian.Uint16(primary[2*i:]); w != want {
			t.Fatalf("word %d = 0x%04X, want 0x%04X", i, w, want)
		}
	}
	if d.LaunchCount != 1 {
		t.Errorf("LaunchCount = %d, want 1", d.LaunchCount)
	}
}

func TestSession_AlreadyInDFU(t *testing.T) {
	sim := smlinktest.New()
	d := sim.Add(250, smlinktest.NewDrive(deviceType, 1300))
	d.Regs[protocol.RegBusMode] = protocol.BusModeDFU
	sl := &sleeper{}

	s := upgrade.NewSession(smlink.NewBus(sim), 250, firmware(), upgrade.WithSleep(sl.sleep))
	progress, err := run(t, s)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []int{1, 4, 5, 94, 95, 100}
	if fmt.Sprint(progress) != fmt.Sprint(want) {
		t.Errorf("progress = %v, want %v", progress, want)
	}
	checkFlash(t, d)
	wantSleep := []time.Duration{flasher.EraseSettle, upgrade.LaunchSettle}
	if fmt.Sprint(sl.slept) != fmt.Sprint(wantSleep) {
		t.Errorf("slept %v, want %v", sl.slept, wantSleep)
	}
	if s.State() != upgrade.StateIdle || s.Progress() != 100 || s.LastDiagnostic() != 0 {
		t.Errorf("after run: state %v progress %d diag %d", s.State(), s.Progress(), s.LastDiagnostic())
	}
	if s.Container() != nil {
		t.Error("Container() kept after completion")
	}
}

func TestSession_ProgressMonotonic(t *testing.T) {
	sim := smlinktest.New()
	d := sim.Add(250, smlinktest.NewDrive(deviceType, 1300))
	d.Regs[protocol.RegBusMode] = protocol.BusModeDFU
	big := gdftest.Pattern(4000)
	file := gdftest.Chunked(gdftest.DeviceRange(11000, 11200), gdftest.Primary(big))

	s := upgrade.NewSession(smlink.NewBus(sim), 250, file, upgrade.WithSleep(func(time.Duration) {}))
	progress, err := run(t, s)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Fatalf("progress went back: %v", progress)
		}
	}
	n := len(progress)
	if progress[n-2] != flasher.ProgressDone || progress[n-1] != 100 {
		t.Errorf("progress tail = %v, want [... 95 100]", progress[n-2:])
	}
	for _, p := range progress[2 : n-2] {
		if p < flasher.ProgressStarted || p > flasher.ProgressUploaded {
			t.Errorf("upload progress %d outside [5, 94]", p)
		}
	}
	if len(d.Flash) != 2016 {
		t.Errorf("flashed %d words, want 2016", len(d.Flash))
	}
}

func TestSession_SoftDFU(t *testing.T) {
	sim := smlinktest.New()
	d := sim.Add(1, smlinktest.NewDrive(deviceType, 1300))
	sl := &sleeper{}

	s := upgrade.NewSession(smlink.NewBus(sim), 1, firmware(), upgrade.WithSleep(sl.sleep))
	progress, err := run(t, s)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []int{1, 2, 4, 5, 94, 95, 100}
	if fmt.Sprint(progress) != fmt.Sprint(want) {
		t.Errorf("progress = %v, want %v", progress, want)
	}
	if d.DFUCount != 1 {
		t.Errorf("DFUCount = %d, want 1", d.DFUCount)
	}
	if sl.slept[0] != upgrade.DFUSettle {
		t.Errorf("first sleep = %v, want %v", sl.slept[0], upgrade.DFUSettle)
	}
	if s.Address() != 1 {
		t.Errorf("Address() = %d, want 1", s.Address())
	}
	checkFlash(t, d)
}

func TestSession_DriveMovesOnDFU(t *testing.T) {
	sim := smlinktest.New()
	d := sim.Add(7, smlinktest.NewDrive(deviceType, 1300))
	d.DFUAddress = 252

	s := upgrade.NewSession(smlink.NewBus(sim), 7, firmware(), upgrade.WithSleep(func(time.Duration) {}))
	progress, err := run(t, s)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []int{1, 2, 3, 4, 5, 94, 95, 100}
	if fmt.Sprint(progress) != fmt.Sprint(want) {
		t.Errorf("progress = %v, want %v", progress, want)
	}
	if s.Address() != 252 {
		t.Errorf("Address() = %d, want 252", s.Address())
	}
	if sim.Drive(252) != d {
		t.Fatal("drive not at its DFU address")
	}
	checkFlash(t, d)
}

func TestSession_Aborts(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(sim *smlinktest.Simulator)
		file       []byte
		wantStatus upgrade.Status
		wantDetail int
	}{
		{
			name: "argon has no soft DFU",
			setup: func(sim *smlinktest.Simulator) {
				sim.Add(1, smlinktest.NewDrive(4000, 1300))
			},
			wantStatus: upgrade.ConnectionError,
			wantDetail: upgrade.DetailNoSoftDFU,
		},
		{
			name: "restart to DFU refused",
			setup: func(sim *smlinktest.Simulator) {
				d := sim.Add(1, smlinktest.NewDrive(deviceType, 1300))
				d.Reject[protocol.RegSystemControl] = true
			},
			wantStatus: upgrade.ConnectionError,
			wantDetail: upgrade.DetailEnterDFU,
		},
		{
			name:       "no drive",
			setup:      func(sim *smlinktest.Simulator) {},
			wantStatus: upgrade.ConnectingDFUModeFailed,
			wantDetail: upgrade.DetailFindDFU,
		},
		{
			name: "unsupported target",
			setup: func(sim *smlinktest.Simulator) {
				sim.Add(1, smlinktest.NewDrive(12000, 1300))
			},
			wantStatus: upgrade.UnsupportedTargetDevice,
			wantDetail: upgrade.DetailLoadFile,
		},
		{
			name: "legacy family mismatch",
			setup: func(sim *smlinktest.Simulator) {
				sim.Add(1, smlinktest.NewDrive(deviceType, 1300))
			},
			file:       gdftest.Legacy(12000, primary, nil),
			wantStatus: upgrade.IncompatibleFirmware,
			wantDetail: upgrade.DetailLoadFile,
		},
		{
			name: "no main MCU binary",
			setup: func(sim *smlinktest.Simulator) {
				d := sim.Add(1, smlinktest.NewDrive(deviceType, 1300))
				d.Regs[protocol.RegBusMode] = protocol.BusModeDFU
			},
			file:       gdftest.Chunked(gdftest.DeviceRange(11000, 11200)),
			wantStatus: upgrade.InvalidFile,
			wantDetail: upgrade.DetailLoadFile,
		},
		{
			name: "verify fault",
			setup: func(sim *smlinktest.Simulator) {
				d := sim.Add(1, smlinktest.NewDrive(deviceType, 1300))
				d.VerifyFault = true
			},
			wantStatus: upgrade.ConnectionError,
			wantDetail: flasher.DetailVerifyFault,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := smlinktest.New()
			tt.setup(sim)
			file := tt.file
			if file == nil {
				file = firmware()
			}
			s := upgrade.NewSession(smlink.NewBus(sim), 1, file, upgrade.WithSleep(func(time.Duration) {}))

			_, err := run(t, s)
			var ue *upgrade.Error
			if !errors.As(err, &ue) {
				t.Fatalf("Run() error = %v, want *upgrade.Error", err)
			}
			if ue.Status != tt.wantStatus || ue.Detail != tt.wantDetail {
				t.Errorf("error = %v/%d, want %v/%d", ue.Status, ue.Detail, tt.wantStatus, tt.wantDetail)
			}
			if upgrade.StatusOf(err) != tt.wantStatus {
				t.Errorf("StatusOf() = %v, want %v", upgrade.StatusOf(err), tt.wantStatus)
			}
			if s.LastDiagnostic() != tt.wantDetail {
				t.Errorf("LastDiagnostic() = %d, want %d", s.LastDiagnostic(), tt.wantDetail)
			}
			if s.State() != upgrade.StateIdle || s.Progress() != 0 {
				t.Errorf("after abort: state %v progress %d", s.State(), s.Progress())
			}
		})
	}
}

func TestSession_NoPrimaryLeavesDriveAlone(t *testing.T) {
	sim := smlinktest.New()
	d := sim.Add(1, smlinktest.NewDrive(deviceType, 1300))
	d.Regs[protocol.RegBusMode] = protocol.BusModeDFU
	file := gdftest.Chunked(gdftest.DeviceRange(11000, 11200))
	s := upgrade.NewSession(smlink.NewBus(sim), 1, file, upgrade.WithSleep(func(time.Duration) {}))

	progress, err := run(t, s)
	if upgrade.StatusOf(err) != upgrade.InvalidFile {
		t.Fatalf("Run() error = %v, want %v", err, upgrade.InvalidFile)
	}
	if !errors.Is(err, gdf.ErrInvalidFile) {
		t.Errorf("Run() error = %v, want gdf.ErrInvalidFile", err)
	}
	if d.EraseCount != 0 || d.LaunchCount != 0 || len(d.Flash) != 0 {
		t.Errorf("erase %d launch %d flash %d, want drive untouched", d.EraseCount, d.LaunchCount, len(d.Flash))
	}
	for _, p := range progress {
		if p >= flasher.ProgressStarted {
			t.Errorf("progress = %v, want no flashing progress", progress)
			break
		}
	}
}

func TestSession_GarbageThenRestart(t *testing.T) {
	sim := smlinktest.New()
	d := sim.Add(250, smlinktest.NewDrive(deviceType, 1300))
	d.Regs[protocol.RegBusMode] = protocol.BusModeDFU

	s := upgrade.NewSession(smlink.NewBus(sim), 250, []byte("garbage, not a firmware file"), upgrade.WithSleep(func(time.Duration) {}))
	if p, err := s.Step(context.Background()); err != nil || p != 1 {
		t.Fatalf("Step() = %d, %v", p, err)
	}
	if s.State() != upgrade.StateLoadFile {
		t.Fatalf("State() = %v, want load file", s.State())
	}

	p, err := s.Step(context.Background())
	if upgrade.StatusOf(err) != upgrade.InvalidFile || p != 0 {
		t.Fatalf("Step() = %d, %v, want invalid file", p, err)
	}
	if !errors.Is(err, gdf.ErrInvalidFile) {
		t.Errorf("error = %v, want gdf.ErrInvalidFile in chain", err)
	}
	if s.LastDiagnostic() == 0 {
		t.Error("LastDiagnostic() = 0 after abort")
	}

	// The next call starts over from idle.
	if p, err := s.Step(context.Background()); err != nil || p != 1 {
		t.Errorf("Step() after abort = %d, %v, want 1", p, err)
	}
	if s.State() != upgrade.StateLoadFile {
		t.Errorf("State() = %v, want load file", s.State())
	}
	if d.EraseCount != 0 {
		t.Errorf("EraseCount = %d, want 0", d.EraseCount)
	}
}

func TestFileSession(t *testing.T) {
	sim := smlinktest.New()
	d := sim.Add(250, smlinktest.NewDrive(deviceType, 1300))
	d.Regs[protocol.RegBusMode] = protocol.BusModeDFU

	path := filepath.Join(t.TempDir(), "fw.gdf")
	if err := os.WriteFile(path, firmware(), 0o644); err != nil {
		t.Fatal(err)
	}
	s := upgrade.NewFileSession(smlink.NewBus(sim), 250, path, upgrade.WithSleep(func(time.Duration) {}))
	if _, err := run(t, s); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	checkFlash(t, d)

	// A second run reads the file again.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	_, err := run(t, s)
	if upgrade.StatusOf(err) != upgrade.FileNotReadable {
		t.Errorf("second Run() error = %v, want file not readable", err)
	}
	if s.LastDiagnostic() != upgrade.DetailFileNotReadable {
		t.Errorf("LastDiagnostic() = %d, want %d", s.LastDiagnostic(), upgrade.DetailFileNotReadable)
	}
}

func TestSession_RunCancelled(t *testing.T) {
	sim := smlinktest.New()
	d := sim.Add(1, smlinktest.NewDrive(deviceType, 1300))
	ctx, cancel := context.WithCancel(context.Background())

	s := upgrade.NewSession(smlink.NewBus(sim), 1, firmware(), upgrade.WithSleep(func(time.Duration) {}))
	err := s.Run(ctx, func(p int) {
		if p == 2 {
			cancel()
		}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if s.State() != upgrade.StateLoadFile {
		t.Errorf("State() = %v, want load file", s.State())
	}
	if d.EraseCount != 0 {
		t.Errorf("EraseCount = %d, want 0", d.EraseCount)
	}
}

func TestFirmwareUniqueID(t *testing.T) {
	sim := smlinktest.New()
	d := sim.Add(3, smlinktest.NewDrive(deviceType, 1300))
	d.UID = -559038737 // 0xDEADBEEF

	id, err := upgrade.FirmwareUniqueID(smlink.NewBus(sim), 3)
	if err != nil {
		t.Fatalf("FirmwareUniqueID() error = %v", err)
	}
	if id != 0xDEADBEEF {
		t.Errorf("FirmwareUniqueID() = 0x%08X, want 0xDEADBEEF", id)
	}

	if _, err := upgrade.FirmwareUniqueID(smlink.NewBus(sim), 4); !errors.Is(err, smlink.ErrTimeout) {
		t.Errorf("FirmwareUniqueID(absent) error = %v, want ErrTimeout", err)
	}
}

func TestStatus_String(t *testing.T) {
	tests := map[upgrade.Status]string{
		upgrade.Complete:                "Firmware install complete",
		upgrade.InvalidFile:             "Firmware file is invalid or corrupted",
		upgrade.ConnectingDFUModeFailed: "Drive could not be found in firmware upgrade mode",
		upgrade.Status(0):               "Firmware install 0% done",
		upgrade.Status(42):              "Firmware install 42% done",
		upgrade.Status(99):              "Firmware install 99% done",
		upgrade.Status(101):             "Unknown firmware install state (101)",
		upgrade.Status(-9):              "Unknown firmware install state (-9)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want upgrade.Status
	}{
		{nil, upgrade.Complete},
		{fmt.Errorf("x: %w", gdf.ErrInvalidFile), upgrade.InvalidFile},
		{fmt.Errorf("x: %w", gdf.ErrIncompatibleFirmware), upgrade.IncompatibleFirmware},
		{gdf.ErrUnsupportedTargetDevice, upgrade.UnsupportedTargetDevice},
		{os.ErrNotExist, upgrade.FileNotReadable},
		{detect.ErrNoDFUDevice, upgrade.ConnectionError},
		{&upgrade.Error{Status: upgrade.ConnectingDFUModeFailed}, upgrade.ConnectingDFUModeFailed},
	}
	for _, tt := range tests {
		if got := upgrade.StatusOf(tt.err); got != tt.want {
			t.Errorf("StatusOf(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestState_String(t *testing.T) {
	if got := upgrade.StateFindDFUDevice.String(); got != "find DFU device" {
		t.Errorf("StateFindDFUDevice.String() = %q", got)
	}
	if got := upgrade.State(9).String(); got != "state(9)" {
		t.Errorf("State(9).String() = %q", got)
	}
}
