package upgrade

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/bigbag/smdeploy/internal/gdf"
)

// Status is the outcome of an upgrade. Values 0 to 99 are progress
// percentages, negative values are errors.
type Status int

const (
	Complete                Status = 100
	InvalidFile             Status = -1
	ConnectionError         Status = -2
	IncompatibleFirmware    Status = -3
	ConnectingDFUModeFailed Status = -4
	FileNotReadable         Status = -5
	UnsupportedTargetDevice Status = -6
)

var statusText = map[Status]string{
	Complete:                "Firmware install complete",
	InvalidFile:             "Firmware file is invalid or corrupted",
	ConnectionError:         "Communication with the drive failed",
	IncompatibleFirmware:    "Firmware file is not compatible with the drive",
	ConnectingDFUModeFailed: "Drive could not be found in firmware upgrade mode",
	FileNotReadable:         "Firmware file could not be read",
	UnsupportedTargetDevice: "Firmware file does not support the connected drive",
}

func (s Status) String() string {
	if text, ok := statusText[s]; ok {
		return text
	}
	if s >= 0 && s <= 99 {
		return fmt.Sprintf("Firmware install %d%% done", int(s))
	}
	return fmt.Sprintf("Unknown firmware install state (%d)", int(s))
}

// StatusOf returns the Status an error stands for. A nil error is Complete.
func StatusOf(err error) Status {
	var ue *Error
	switch {
	case err == nil:
		return Complete
	case errors.As(err, &ue):
		return ue.Status
	case errors.Is(err, gdf.ErrUnsupportedTargetDevice):
		return UnsupportedTargetDevice
	case errors.Is(err, gdf.ErrIncompatibleFirmware):
		return IncompatibleFirmware
	case errors.Is(err, gdf.ErrInvalidFile):
		return InvalidFile
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, fs.ErrPermission):
		return FileNotReadable
	default:
		return ConnectionError
	}
}
