// Package limits provides centralized size limits for the sonobus protocol.
package limits

import (
	"fmt"

	"github.com/Itukii/sonobus/status"
)

const (
	// MaxNameLength is the longest group or user name in bytes.
	MaxNameLength = 255

	// MaxPasswordLength is the longest plaintext password accepted before hashing.
	MaxPasswordLength = 1024

	// MaxMetadataSize is the largest opaque metadata blob.
	MaxMetadataSize = 4096

	// MaxMessageSize is the largest peer message payload.
	MaxMessageSize = 16384

	// MaxDatagramSize is the largest UDP payload (65535 - 8 byte UDP header - 20 byte IP header).
	MaxDatagramSize = 65507
)

var (
	// ErrNameEmpty indicates an empty group or user name
	ErrNameEmpty = status.New(status.ErrInvalidArgument, "empty name")

	// ErrNameTooLong indicates a name exceeding MaxNameLength
	ErrNameTooLong = status.New(status.ErrInvalidArgument, "name too long")

	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = status.New(status.ErrInvalidArgument, "empty message")

	// ErrMessageTooLarge indicates data exceeds its maximum size
	ErrMessageTooLarge = status.New(status.ErrInvalidArgument, "message too large")
)

// ValidateName checks a group or user name.
func ValidateName(name string) error {
	if len(name) == 0 {
		return ErrNameEmpty
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: length %d exceeds limit %d", ErrNameTooLong, len(name), MaxNameLength)
	}
	return nil
}

// ValidatePassword checks an optional password. Empty passwords are allowed.
func ValidatePassword(password string) error {
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("%w: password length %d exceeds limit %d", ErrMessageTooLarge, len(password), MaxPasswordLength)
	}
	return nil
}

// ValidateMetadata checks optional metadata. Empty metadata is allowed.
func ValidateMetadata(metadata []byte) error {
	if len(metadata) > MaxMetadataSize {
		return fmt.Errorf("%w: metadata size %d exceeds limit %d", ErrMessageTooLarge, len(metadata), MaxMetadataSize)
	}
	return nil
}

// ValidateMessageSize validates data against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateMessage validates a peer message payload against MaxMessageSize.
func ValidateMessage(message []byte) error {
	return ValidateMessageSize(message, MaxMessageSize)
}

// ValidateDatagram validates an inbound datagram against MaxDatagramSize.
func ValidateDatagram(data []byte) error {
	return ValidateMessageSize(data, MaxDatagramSize)
}
