package protocol

import (
	"time"

	"github.com/google/uuid"
)

// SPOTA service and characteristic UUIDs, as exposed by the Dialog SUOTA
// bootloader on the peripheral.
var (
	ServiceUUID = uuid.MustParse("0000fef5-0000-1000-8000-00805f9b34fb")

	MemDevUUID     = uuid.MustParse("8082caa8-41a6-4021-91c6-56f9b954cc34")
	GPIOMapUUID    = uuid.MustParse("724249f0-5ec3-4b5f-8804-42345af08651")
	PatchLenUUID   = uuid.MustParse("9d84b9a3-000c-49d8-9183-855b673fda31")
	PatchDataUUID  = uuid.MustParse("457871e8-d516-4ca1-9116-57d0b17b9cb2")
	ServStatusUUID = uuid.MustParse("5f78df94-798c-46f5-990a-b3eb6a065c88")

	// Read-only parameters, each a little-endian uint16.
	VersionUUID           = uuid.MustParse("64b4e8b5-0de5-401b-a21d-acc8db3b913a")
	PatchDataCharSizeUUID = uuid.MustParse("42c3dfdd-77be-4d9c-8454-8f875267fb3b")
	MTUUUID               = uuid.MustParse("b7de1eea-823d-43bb-a3af-c4903dfce23c")
	L2CAPPSMUUID          = uuid.MustParse("61c8849c-f639-4765-946e-5c3419bebb2a")
)

// Memory types selectable through the MEM_DEV characteristic. The type is
// stored in the top byte of the 32-bit command.
const (
	MemoryTypeI2C = 0x12
	MemoryTypeSPI = 0x13
)

// Commands written to MEM_DEV.
const (
	CommandEnd    uint32 = 0xFE000000 // end of patch transfer
	CommandReboot uint32 = 0xFD000000 // reboot the peripheral
)

// Status values notified on SERV_STATUS.
const (
	StatusServiceStarted     = 0x01
	StatusOK                 = 0x02 // block received, or END accepted
	StatusServiceExit        = 0x03
	StatusCRCError           = 0x04
	StatusPatchLenError      = 0x05
	StatusExtMemWriteError   = 0x06
	StatusIntMemError        = 0x07
	StatusInvalidMemType     = 0x08
	StatusAppError           = 0x09
	StatusImageStarted       = 0x10 // memory selected, ready for the GPIO map
	StatusInvalidImageBank   = 0x11
	StatusInvalidImageHeader = 0x12
	StatusInvalidImageSize   = 0x13
	StatusInvalidProductHdr  = 0x14
	StatusSameImageError     = 0x15
	StatusExtMemReadError    = 0x16
)

// Protocol defaults.
const (
	DefaultStatusTimeout = 2000 * time.Millisecond
	DefaultBlockSize     = 240
	DefaultMTU           = 23

	// ATTHeaderSize is the ATT overhead subtracted from the MTU to get the
	// usable payload of a single write.
	ATTHeaderSize = 3
)

// Default SPI GPIO assignment of the glasses' external flash.
const (
	DefaultSPIMISO = 0x05
	DefaultSPIMOSI = 0x06
	DefaultSPICS   = 0x03
	DefaultSPISCK  = 0x00
)

// MemoryDevice returns the MEM_DEV value selecting the given memory type and
// image bank.
func MemoryDevice(memoryType byte, bank byte) uint32 {
	return uint32(memoryType)<<24 | uint32(bank)
}

// GPIOMap packs the SPI pin assignment into the GPIO_MAP value.
func GPIOMap(miso, mosi, cs, sck byte) uint32 {
	return uint32(miso)<<24 | uint32(mosi)<<16 | uint32(cs)<<8 | uint32(sck)
}

// statusName returns a human-readable name for a status value.
func statusName(status byte) string {
	switch status {
	case StatusServiceStarted:
		return "service started"
	case StatusOK:
		return "ok"
	case StatusServiceExit:
		return "service exit"
	case StatusCRCError:
		return "crc error"
	case StatusPatchLenError:
		return "patch length error"
	case StatusExtMemWriteError:
		return "external memory write error"
	case StatusIntMemError:
		return "internal memory error"
	case StatusInvalidMemType:
		return "invalid memory type"
	case StatusAppError:
		return "application error"
	case StatusImageStarted:
		return "image started"
	case StatusInvalidImageBank:
		return "invalid image bank"
	case StatusInvalidImageHeader:
		return "invalid image header"
	case StatusInvalidImageSize:
		return "invalid image size"
	case StatusInvalidProductHdr:
		return "invalid product header"
	case StatusSameImageError:
		return "same image"
	case StatusExtMemReadError:
		return "external memory read error"
	default:
		return "unknown status"
	}
}
