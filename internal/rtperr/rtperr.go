// Package rtperr names the error kinds the daemon distinguishes:
// malformed frames, protocol violations, codec overflow, transport errors
// and configuration errors. Call sites wrap one of these sentinels with
// %w so callers can classify a failure with errors.Is without parsing
// message text.
package rtperr

import "errors"

var (
	// ErrMalformedFrame marks a bad signature, truncated field, or unknown
	// command in an AppleMIDI/RTP-MIDI frame. Recovered locally: the
	// packet is dropped and peer state is left unchanged.
	ErrMalformedFrame = errors.New("rtpmidid: malformed frame")

	// ErrProtocolViolation marks a mismatched token or ssrc during
	// handshake, or a command received on the wrong port. Recovered by
	// terminating the offending peer.
	ErrProtocolViolation = errors.New("rtpmidid: protocol violation")

	// ErrCodecOverflow marks an outbound buffer too small to hold an
	// event (large sysex). Recovered by dropping the event.
	ErrCodecOverflow = errors.New("rtpmidid: codec buffer overflow")

	// ErrTransport marks a socket send/recv failure. Transient errors are
	// logged; persistent ones terminate the transport and its peers.
	ErrTransport = errors.New("rtpmidid: transport error")

	// ErrConfiguration marks an invalid connect-to string or other
	// malformed configuration. Fatal during startup.
	ErrConfiguration = errors.New("rtpmidid: configuration error")
)
