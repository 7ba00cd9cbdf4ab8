// Package status defines the error/status vocabulary shared across every
// layer of this module (spec.md §6). It has no dependencies so it can sit
// underneath pool, hosts, registry, channel, protocol, session, and the
// coordinator alike without creating import cycles.
package status

// Code is a boundary-level status or error code. Values are compared by
// identity, never by their string form, which exists purely for logging.
type Code int

const (
	// Success indicates the operation completed normally.
	Success Code = iota
	// ServiceStopped indicates the coordinator (or a registry) has
	// stopped and will not perform further work.
	ServiceStopped
	// OperationFailed indicates a precondition was violated (e.g.
	// start called while already started).
	OperationFailed
	// AddressNotFound indicates the hosts store had no candidate to
	// return.
	AddressNotFound
	// AddressInUse indicates a connection registry insert collided
	// with an existing channel for the same remote IP.
	AddressInUse
	// ResourceLimit indicates a bounded collection is at capacity.
	ResourceLimit
	// AcceptFailed indicates an inbound channel was rejected during
	// handshake (most commonly: self-connection detected via nonce).
	AcceptFailed
	// ChannelTimeout indicates a channel was stopped by one of its
	// timers (handshake, inactivity, ping).
	ChannelTimeout
	// ChannelDropped indicates a channel was rejected by policy before
	// a full handshake was attempted (limit reached, duplicate IP,
	// blacklisted).
	ChannelDropped
	// PeerThrottling indicates a seed/bootstrap attempt could not
	// obtain any usable addresses.
	PeerThrottling
	// FileSystem indicates an I/O error, most commonly loading or
	// saving the hosts file.
	FileSystem
	// ChannelStopped indicates an operation was attempted against a
	// channel that has already stopped.
	ChannelStopped
	// BadStream indicates a wire-decode failure.
	BadStream
)

func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case ServiceStopped:
		return "service_stopped"
	case OperationFailed:
		return "operation_failed"
	case AddressNotFound:
		return "address_not_found"
	case AddressInUse:
		return "address_in_use"
	case ResourceLimit:
		return "resource_limit"
	case AcceptFailed:
		return "accept_failed"
	case ChannelTimeout:
		return "channel_timeout"
	case ChannelDropped:
		return "channel_dropped"
	case PeerThrottling:
		return "peer_throttling"
	case FileSystem:
		return "file_system"
	case ChannelStopped:
		return "channel_stopped"
	case BadStream:
		return "bad_stream"
	default:
		return "unknown"
	}
}

// Error adapts a Code to the error interface so it can be returned
// verbatim from Go APIs while still comparing by value against the
// constants above. Two *Error values are distinct pointers, so == does
// not match them; errors.Is does, through the Is method below.
type Error struct {
	Code Code
	// Detail is additional context for logging only; it is never part
	// of the equality contract callers rely on.
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Detail
}

// Is reports whether target is a *Error with the same Code, so
// errors.Is(err, status.New(status.ChannelTimeout)) works regardless of
// Detail.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New constructs an *Error with no detail.
func New(code Code) *Error {
	return &Error{Code: code}
}

// Newf constructs an *Error with a formatted detail string.
func Newf(code Code, detail string) *Error {
	return &Error{Code: code, Detail: detail}
}
