// Package util provides identifier and environment helpers shared across MailPipe components.
package util

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// Identifier prefixes.
const (
	MessageIDPrefix = "msg_"
	JobIDPrefix     = "job_"
	BodyIDPrefix    = "body_"
)

// NewID returns prefix followed by the 32 hex digits of a random UUID.
func NewID(prefix string) string {
	u := uuid.New()
	return prefix + hex.EncodeToString(u[:])
}

// GenerateMessageID returns a new message id.
func GenerateMessageID() string {
	return NewID(MessageIDPrefix)
}

// GenerateJobID returns a new durable job id.
func GenerateJobID() string {
	return NewID(JobIDPrefix)
}

// GenerateBodyID returns a new message body id.
func GenerateBodyID() string {
	return NewID(BodyIDPrefix)
}
