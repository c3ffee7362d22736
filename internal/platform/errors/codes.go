// Package errors provides structured error handling for the notification
// delivery engine.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Recipient/validation errors
	CodeRecipientUnknown  Code = "RECIPIENT_UNKNOWN"
	CodeRecipientRequired Code = "RECIPIENT_REQUIRED"

	// Persistence errors
	CodePersistenceFailed Code = "PERSISTENCE_FAILED"
	CodeNotFound          Code = "NOT_FOUND"
	CodeConflict          Code = "CONFLICT"

	// Channel errors
	CodeRealtimeSendFailed Code = "REALTIME_SEND_FAILED"
	CodePushChannelFailed  Code = "PUSH_CHANNEL_FAILED"
	CodeEmailChannelFailed Code = "EMAIL_CHANNEL_FAILED"

	// Gateway/frame errors
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeUnauthenticated   Code = "UNAUTHENTICATED"
	CodeResourceExhausted Code = "RESOURCE_EXHAUSTED"
)

// GRPCCode maps a domain error code onto the canonical gRPC status code.
// Websocket error frames carry the string form of these codes so clients can
// reuse one classification across transports.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeRecipientUnknown, CodeNotFound:
		return codes.NotFound
	case CodeRecipientRequired, CodeInvalidArgument:
		return codes.InvalidArgument
	case CodeConflict:
		return codes.AlreadyExists
	case CodePersistenceFailed:
		return codes.DataLoss
	case CodeRealtimeSendFailed, CodePushChannelFailed, CodeEmailChannelFailed:
		return codes.Unavailable
	case CodeUnauthenticated:
		return codes.Unauthenticated
	case CodeResourceExhausted:
		return codes.ResourceExhausted
	default:
		return codes.Unknown
	}
}
