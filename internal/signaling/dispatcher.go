package signaling

import (
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/rs/zerolog"
)

// Handler receives messages that passed filtering.
type Handler interface {
	HandleSignal(msg models.SignalMessage)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(msg models.SignalMessage)

func (f HandlerFunc) HandleSignal(msg models.SignalMessage) { f(msg) }

// Verdict is the outcome of dispatching one raw message.
type Verdict int

const (
	Delivered Verdict = iota
	Invalid
	UnknownType
	Loopback
	NotAddressed
)

func (v Verdict) String() string {
	switch v {
	case Delivered:
		return "delivered"
	case Invalid:
		return "invalid"
	case UnknownType:
		return "unknown-type"
	case Loopback:
		return "loopback"
	case NotAddressed:
		return "not-addressed"
	}
	return "unknown"
}

// Dispatcher applies loopback suppression and unicast filtering before
// handing messages to a Handler. Transports deliver every message they see,
// including our own on broadcast backends, so filtering lives here.
type Dispatcher struct {
	codec   Codec
	userID  string
	echo    bool
	handler Handler
	logger  zerolog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithEcho disables loopback suppression. Debug only.
func WithEcho() DispatcherOption {
	return func(d *Dispatcher) { d.echo = true }
}

// WithCodec overrides the codec used for decoding.
func WithCodec(c Codec) DispatcherOption {
	return func(d *Dispatcher) { d.codec = c }
}

// NewDispatcher creates a dispatcher for the local user.
func NewDispatcher(userID string, h Handler, logger zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		userID:  userID,
		handler: h,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch decodes raw and delivers it if it is addressed to the local user.
func (d *Dispatcher) Dispatch(raw []byte) Verdict {
	msg, err := d.codec.Decode(raw)
	if err != nil {
		d.logger.Warn().Err(err).Int("bytes", len(raw)).Msg("Dropping malformed signaling message")
		return Invalid
	}
	return d.Deliver(msg)
}

// Deliver filters an already decoded message.
func (d *Dispatcher) Deliver(msg models.SignalMessage) Verdict {
	if !msg.Type.Known() {
		d.logger.Warn().Str("type", string(msg.Type)).Str("from", msg.From).Msg("Unknown signaling message type")
		return UnknownType
	}
	if msg.From == d.userID && !d.echo {
		return Loopback
	}
	if msg.To != "" && msg.To != d.userID {
		d.logger.Debug().Str("type", string(msg.Type)).Str("to", msg.To).Msg("Ignoring message addressed to another peer")
		return NotAddressed
	}
	d.handler.HandleSignal(msg)
	return Delivered
}
