package protocol

// Drive parameter addresses
const (
	RegBusMode            = 2
	RegReturnParamLen     = 7
	RegFaults             = 552
	RegStatus             = 553
	RegSystemControl      = 554
	RegControlBits1       = 2533
	RegBootloaderFunction = 191
	RegBootloaderUpload   = 192
	RegDeviceType         = 6001
	RegFirmwareVersion    = 6010
	RegDebugParam1        = 8100
)

// Bus mode register values
const (
	BusModeDFU    = 0
	BusModeNormal = 1
)

// SystemControl commands
const (
	SystemControlRestart        = 1
	SystemControlSaveConfig     = 2
	SystemControlRestartToDFU   = 64
	SystemControlGetSpecialData = 1024
)

// Bootloader functions, written to RegBootloaderFunction
const (
	BootloaderErase  = 1
	BootloaderWrite  = 2
	BootloaderVerify = 3
	BootloaderLaunch = 4
)

// ReturnCmdStatus makes queued commands return a command status code.
// Any other RegReturnParamLen value makes them return the register value.
const ReturnCmdStatus = 3

// Status register bits
const (
	StatusPermanentStop = 1 << 18
)

// Fault register bits
const (
	FaultFlashingCommSideFail = 1 << 20
)

// Device families
const (
	// FamilyArgon drives have no software path into DFU mode.
	FamilyArgon = 4
)

// Family returns the device family of a device type id.
func Family(deviceType int32) int32 {
	return deviceType / 1000
}

// SupportsSoftDFU reports whether a drive can be put into DFU mode with
// SystemControlRestartToDFU.
func SupportsSoftDFU(deviceType int32) bool {
	return Family(deviceType) != FamilyArgon
}

// Fallback bus addresses probed for a drive in DFU mode.
const (
	DFUAddressFirst = 245
	DFUAddressLast  = 255
)

// Default baud rate
const DefaultBaudRate = 460800
