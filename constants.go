package fwspace

import (
	"github.com/ehrlich-b/go-fwspace/internal/constants"
	"github.com/ehrlich-b/go-fwspace/internal/uapi"
)

// Re-export constants for public API
const (
	DefaultQueueBufferSize = constants.DefaultQueueBufferSize
	DefaultMaxSlots        = constants.DefaultMaxSlots
	DefaultChannelDepth    = constants.DefaultChannelDepth
	DefaultAckTimeout      = constants.DefaultAckTimeout
	MaxAsyncPayload        = constants.MaxAsyncPayload
)

// Response codes returned from the bus hooks
const (
	RCodeComplete      ResponseCode = uapi.RCODE_COMPLETE
	RCodeConflictError ResponseCode = uapi.RCODE_CONFLICT_ERROR
	RCodeDataError     ResponseCode = uapi.RCODE_DATA_ERROR
	RCodeTypeError     ResponseCode = uapi.RCODE_TYPE_ERROR
	RCodeAddressError  ResponseCode = uapi.RCODE_ADDRESS_ERROR
)

// Link speeds
const (
	Speed100  Speed = uapi.SPEED_100
	Speed200  Speed = uapi.SPEED_200
	Speed400  Speed = uapi.SPEED_400
	Speed800  Speed = uapi.SPEED_800
	Speed1600 Speed = uapi.SPEED_1600
	Speed3200 Speed = uapi.SPEED_3200
)
