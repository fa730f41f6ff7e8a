package a2abus

import "github.com/trickstertwo/xlog"

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits bus events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("topic", e.Topic),
		xlog.Str("msg_type", e.MsgType),
		xlog.Str("message_id", e.MessageID),
		xlog.Str("source", e.Source),
	)
	switch e.Type {
	case Error:
		ev.Error().Err(e.Err).Msg("a2abus event")
	case HandlerFailed, DispatchMiss, MalformedRequest:
		ev.Warn().Err(e.Err).Msg("a2abus event")
	default:
		if e.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", e.Duration))
		}
		ev.Debug().Msg("a2abus event")
	}
}
