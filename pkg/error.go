package pkg

import "errors"

// Hardware and protocol errors.
var (
	// ErrTimeout indicates a register or ring did not reach the expected
	// state within its time limit.
	ErrTimeout = errors.New("hardware timeout")

	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrTransfer indicates a transfer completed with an error condition
	// (CRC, bit stuffing, babble, data buffer or transaction error).
	ErrTransfer = errors.New("transfer error")

	// ErrProtocol indicates a protocol error.
	ErrProtocol = errors.New("protocol error")

	// ErrDescriptorTooShort indicates the descriptor data is too short.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrDescriptorTypeMismatch indicates the descriptor type does not match expected.
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")

	// ErrInvalidDescriptor indicates a descriptor field holds an illegal value.
	ErrInvalidDescriptor = errors.New("invalid descriptor")

	// ErrSetupPacketTooShort indicates the setup packet data is too short.
	ErrSetupPacketTooShort = errors.New("setup packet too short")

	// ErrNoDevice indicates nothing is attached to the port.
	ErrNoDevice = errors.New("device not present")

	// ErrNoKeyboard indicates a device exposes no boot keyboard interface.
	ErrNoKeyboard = errors.New("no keyboard interface")
)

// Resource errors.
var (
	// ErrNoMemory indicates the physical page allocator is exhausted.
	ErrNoMemory = errors.New("insufficient memory")

	// ErrNoAddress indicates the USB address space is exhausted.
	ErrNoAddress = errors.New("no address available")

	// ErrNoSlot indicates the controller refused to enable a device slot.
	ErrNoSlot = errors.New("no device slot available")

	// ErrTableFull indicates a fixed-size table has no free entry.
	ErrTableFull = errors.New("table full")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")
)

// Controller errors.
var (
	// ErrHandoff indicates the BIOS/SMM refused to release the controller.
	ErrHandoff = errors.New("ownership handoff failed")

	// ErrNotSupported indicates an unsupported controller or mapping.
	ErrNotSupported = errors.New("not supported")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNotRunning indicates the controller failed to leave the halted state.
	ErrNotRunning = errors.New("controller not running")
)

// CompletionCode is an XHCI event completion code.
type CompletionCode uint8

// Completion codes inspected by the driver.
const (
	CompletionInvalid        CompletionCode = 0
	CompletionSuccess        CompletionCode = 1
	CompletionDataBuffer     CompletionCode = 2
	CompletionBabble         CompletionCode = 3
	CompletionUSBTransaction CompletionCode = 4
	CompletionTRB            CompletionCode = 5
	CompletionStall          CompletionCode = 6
	CompletionNoSlots        CompletionCode = 9
	CompletionSlotNotEnabled CompletionCode = 11
	CompletionShortPacket    CompletionCode = 13
	CompletionContextState   CompletionCode = 19

	// CompletionTimeout is never written by hardware; the driver reports
	// it when no matching event arrives in time.
	CompletionTimeout CompletionCode = 191
)

// String returns a string representation of the completion code.
func (c CompletionCode) String() string {
	switch c {
	case CompletionInvalid:
		return "invalid"
	case CompletionSuccess:
		return "success"
	case CompletionDataBuffer:
		return "data buffer error"
	case CompletionBabble:
		return "babble"
	case CompletionUSBTransaction:
		return "transaction error"
	case CompletionTRB:
		return "trb error"
	case CompletionStall:
		return "stall"
	case CompletionNoSlots:
		return "no slots"
	case CompletionSlotNotEnabled:
		return "slot not enabled"
	case CompletionShortPacket:
		return "short packet"
	case CompletionContextState:
		return "context state error"
	case CompletionTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error returns the corresponding error for the completion code.
func (c CompletionCode) Error() error {
	switch c {
	case CompletionSuccess:
		return nil
	case CompletionStall:
		return ErrStall
	case CompletionTimeout:
		return ErrTimeout
	case CompletionNoSlots:
		return ErrNoSlot
	case CompletionDataBuffer, CompletionBabble, CompletionUSBTransaction, CompletionShortPacket:
		return ErrTransfer
	default:
		return ErrProtocol
	}
}
