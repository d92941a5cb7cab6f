package wire

// Operation codes this daemon issues. Devices may implement more;
// these are the ones the protocol engine and enumeration ladder use.
const (
	OpGetDeviceInfo     uint16 = 0x1001
	OpOpenSession       uint16 = 0x1002
	OpCloseSession      uint16 = 0x1003
	OpGetStorageIDs     uint16 = 0x1004
	OpGetStorageInfo    uint16 = 0x1005
	OpGetObjectHandles  uint16 = 0x1007
	OpGetObjectInfo     uint16 = 0x1008
	OpGetObject         uint16 = 0x1009
	OpDeleteObject      uint16 = 0x100B
	OpMoveObject        uint16 = 0x1019
	OpSendObjectInfo    uint16 = 0x100C
	OpSendObject        uint16 = 0x100D
	OpGetPartialObject  uint16 = 0x101B
	OpGetObjectPropList uint16 = 0x9805
)

// Response codes the engine maps to a typed outcome. Any other code
// becomes a generic ProtocolError.
const (
	RespOK                   uint16 = 0x2001
	RespNotSupported         uint16 = 0x2005
	RespObjectNotFound       uint16 = 0x2009
	RespStoreFull            uint16 = 0x200D
	RespObjectWriteProtected uint16 = 0x2017
	RespDeviceBusy           uint16 = 0x2019
	RespAccessDenied         uint16 = 0x201D
	RespSessionAlreadyOpen   uint16 = 0x201E
)

// Object format codes this daemon assigns when it originates an
// object: FormatUndefined for an ordinary file (the device's own
// GetObjectInfo report is authoritative for anything it already
// holds), FormatAssociation for a directory created via create_folder.
const (
	FormatUndefined   uint16 = 0x3000
	FormatAssociation uint16 = 0x3001
)

// EventTxID is the transaction ID carried by device-initiated event
// containers that aren't tied to a specific command.
const EventTxID uint32 = 0xFFFFFFFF

// Event codes the engine decodes from the interrupt endpoint.
const (
	EventObjectAdded       uint16 = 0x4002
	EventObjectRemoved     uint16 = 0x4003
	EventStoreFull         uint16 = 0x400A
	EventDeviceInfoChanged uint16 = 0x4008
)
