// Package limits provides centralized size limits for the sonobus protocol.
// This package ensures consistent size enforcement across the client, the
// group manager and the message router.
//
// # Size Hierarchy
//
//   - MaxNameLength (255 bytes): group and user names, excluding the
//     terminator reported by the directory name buffers.
//
//   - MaxMetadataSize (4096 bytes): opaque group, user and connect metadata.
//     Metadata is passed through verbatim and must fit in a single datagram
//     together with the request header.
//
//   - MaxMessageSize (16384 bytes): payload of a single peer message.
//
//   - MaxDatagramSize (65507 bytes): the largest UDP payload. Inbound
//     datagrams above this size are rejected before parsing.
//
// # Validation Functions
//
// Each validation function checks for empty input and size limit violations:
//
//	if err := limits.ValidateName(groupName); err != nil {
//	    // ErrNameEmpty or ErrNameTooLong
//	}
//
// Errors wrap the status.ErrInvalidArgument kind so callers can treat every
// limit violation as an invalid argument.
package limits
