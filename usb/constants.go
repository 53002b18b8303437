package usb

// MaxAddress is the highest assignable USB device address.
const MaxAddress = 127

// Request types (bmRequestType).
const (
	RequestTypeOut       = 0x00 // Host to device
	RequestTypeIn        = 0x80 // Device to host
	RequestTypeStandard  = 0x00 // Standard request
	RequestTypeClass     = 0x20 // Class-specific request
	RequestTypeVendor    = 0x40 // Vendor-specific request
	RequestTypeDevice    = 0x00 // Recipient: device
	RequestTypeInterface = 0x01 // Recipient: interface
	RequestTypeEndpoint  = 0x02 // Recipient: endpoint
	RequestTypeOther     = 0x03 // Recipient: other (hub port)
)

// Common request type combinations.
const (
	RequestToDevice      = RequestTypeOut | RequestTypeDevice
	RequestToInterface   = RequestTypeOut | RequestTypeInterface
	RequestToHubPort     = RequestTypeOut | RequestTypeOther
	RequestFromDevice    = RequestTypeIn | RequestTypeDevice
	RequestFromInterface = RequestTypeIn | RequestTypeInterface
	RequestFromHubPort   = RequestTypeIn | RequestTypeOther
)

// Standard request codes.
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetDescriptor    = 0x07
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
)

// HID class request codes.
const (
	RequestHIDGetReport   = 0x01
	RequestHIDGetIdle     = 0x02
	RequestHIDGetProtocol = 0x03
	RequestHIDSetReport   = 0x09
	RequestHIDSetIdle     = 0x0A
	RequestHIDSetProtocol = 0x0B
)

// Hub class request codes share the standard numbering.
const (
	RequestHubGetStatus     = RequestGetStatus
	RequestHubClearFeature  = RequestClearFeature
	RequestHubSetFeature    = RequestSetFeature
	RequestHubGetDescriptor = RequestGetDescriptor
	RequestHubSetDescriptor = RequestSetDescriptor
)

// Descriptor types.
const (
	DescriptorTypeDevice        = 0x01
	DescriptorTypeConfiguration = 0x02
	DescriptorTypeString        = 0x03
	DescriptorTypeInterface     = 0x04
	DescriptorTypeEndpoint      = 0x05
	DescriptorTypeHID           = 0x21
	DescriptorTypeHIDReport     = 0x22
	DescriptorTypeHub           = 0x29
)

// Class codes.
const (
	ClassPerInterface = 0x00
	ClassHID          = 0x03
	ClassHub          = 0x09
)

// HID interface subclass and protocol codes.
const (
	SubclassBoot     = 0x01
	ProtocolKeyboard = 0x01
	ProtocolMouse    = 0x02

	// HID protocol selectors for SET_PROTOCOL.
	HIDProtocolBoot   = 0x00
	HIDProtocolReport = 0x01
)

// Endpoint transfer types.
const (
	EndpointTypeControl     = 0x00
	EndpointTypeIsochronous = 0x01
	EndpointTypeBulk        = 0x02
	EndpointTypeInterrupt   = 0x03
)

// Endpoint directions.
const (
	EndpointDirectionOut = 0x00
	EndpointDirectionIn  = 0x80
)

// Hub feature selectors.
const (
	HubPortConnection  = 0
	HubPortEnable      = 1
	HubPortSuspend     = 2
	HubPortOverCurrent = 3
	HubPortReset       = 4
	HubPortPower       = 8
	HubPortLowSpeed    = 9

	HubCPortConnection = 16
	HubCPortEnable     = 17
	HubCPortReset      = 20
)

// Hub port status bits (wPortStatus, with wPortChange in the upper half).
const (
	HubPortStatusConnected  = 0x00000001
	HubPortStatusEnabled    = 0x00000002
	HubPortStatusSuspended  = 0x00000004
	HubPortStatusOverCurr   = 0x00000008
	HubPortStatusResetting  = 0x00000010
	HubPortStatusPowered    = 0x00000100
	HubPortStatusLowSpeed   = 0x00000200
	HubPortStatusHighSpeed  = 0x00000400
	HubPortChangeConnection = 0x00010000
	HubPortChangeEnable     = 0x00020000
	HubPortChangeReset      = 0x00100000
)

// Vendor IDs that need special handling.
const (
	VendorAmericanMegatrends = 0x046B
)
