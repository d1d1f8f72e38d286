// Package seq defines the local MIDI sequencer contract the registry
// bridges to. Platform adapters (ALSA-style virtual ports through rtmidi,
// CoreMIDI on macOS, winmm on Windows) register themselves at init, the
// same way gomidi drivers do, and the daemon picks whichever backend the
// build carried in.
package seq

import (
	"errors"

	"github.com/leandrodaf/rtpmidid/internal/logger"
	"github.com/leandrodaf/rtpmidid/internal/midievent"
)

// ErrNoBackend is returned by New when no platform adapter registered
// itself, i.e. the build has no MIDI backend for this OS.
var ErrNoBackend = errors.New("seq: no MIDI backend available on this platform")

// ErrUnknownPort is returned for operations on a port id that was never
// created or was already removed.
var ErrUnknownPort = errors.New("seq: unknown port")

// Port identifies one local virtual MIDI port.
type Port int

// Sequencer is the local MIDI graph surface the daemon talks to. Ports are
// created for every remote session and for the exported "Network" entry
// point; events flow both ways.
//
// Backends that cannot observe local clients subscribing to a port (every
// backend except ALSA has no such notion) treat each port as permanently
// subscribed: the subscribe callback fires once right after registration
// and the unsubscribe callback fires at port removal.
type Sequencer interface {
	// CreatePort exposes a new named virtual port to the local MIDI graph.
	CreatePort(name string) (Port, error)
	// RemovePort withdraws the port.
	RemovePort(port Port) error
	// OnSubscribe registers the callback fired when a local client
	// connects to the port. The subscriber name feeds exported session
	// naming.
	OnSubscribe(port Port, fn func(subscriberName string)) error
	// OnUnsubscribe registers the callback fired when the last local
	// client disconnects from the port.
	OnUnsubscribe(port Port, fn func()) error
	// OnEvent registers the callback receiving MIDI events local clients
	// play into the port.
	OnEvent(port Port, fn func(ev midievent.Event)) error
	// Emit publishes an event on the port towards local subscribers.
	Emit(port Port, ev midievent.Event) error
	// Close removes all ports and releases the backend.
	Close() error
}

// Options configures a backend.
type Options struct {
	Logger     logger.Logger
	ClientName string
}

// Option mutates Options.
type Option func(*Options)

// WithLogger sets the backend's logger.
func WithLogger(l logger.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithClientName sets the name the backend registers with the host MIDI
// system.
func WithClientName(name string) Option {
	return func(o *Options) { o.ClientName = name }
}

// Initializer builds a backend from the resolved options.
type Initializer func(*Options) (Sequencer, error)

var backend Initializer

// Register installs the platform backend. Called from the adapter
// package's init on the platform it supports; the last registration wins,
// but builds only ever carry one real adapter.
func Register(init Initializer) {
	backend = init
}

// New resolves options and opens the registered backend.
func New(opts ...Option) (Sequencer, error) {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}
	if options.Logger == nil {
		options.Logger = logger.New()
	}
	if options.ClientName == "" {
		options.ClientName = "rtpmidid"
	}
	if backend == nil {
		return nil, ErrNoBackend
	}
	return backend(options)
}
