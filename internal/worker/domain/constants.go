package domain

// Message status values written back to the queue after a send attempt
const (
	MessageStatusSending = "SENDING"
	MessageStatusError   = "ERROR"
)

// Worker roles selected at startup
const (
	RoleSender = "sender"
	RoleLogger = "logger"
)

// MaxErrorTextLength bounds the error text stored on a failed message row
const MaxErrorTextLength = 255
