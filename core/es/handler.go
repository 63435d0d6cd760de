package es

import (
	"log/slog"
	"time"
)

type (
	// Handler processes one event. The bus consumer and the projector both
	// feed handlers; a returned error makes the consumer redeliver and the
	// projector retry from the same position.
	Handler interface {
		Handle(c MsgCtx) error
	}
	HandleFunc func(c MsgCtx) error

	HandlerMiddleware    func(next Handler) Handler
	MiddlewareHandleFunc func(c MsgCtx, next Handler) error
)

func (f HandleFunc) Handle(c MsgCtx) error { return f(c) }

// Chain wraps h so that middlewares[0] runs first.
func Chain(h Handler, middlewares ...HandlerMiddleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// MiddlewareHandle turns fn into a middleware.
func MiddlewareHandle(fn MiddlewareHandleFunc) HandlerMiddleware {
	return func(next Handler) Handler {
		return HandleFunc(func(c MsgCtx) error { return fn(c, next) })
	}
}

// NewLogMiddleware logs every handled event at debug level and failures at
// warn level, with the delivery attempt.
func NewLogMiddleware(attrs ...any) HandlerMiddleware {
	return MiddlewareHandle(func(c MsgCtx, next Handler) error {
		start := time.Now()
		err := next.Handle(c)

		log := c.Log().With(attrs...).With(
			slog.Int("attempt", c.NumDelivered()),
			slog.Duration("duration", time.Since(start)),
		)
		if err != nil {
			log.Warn("handler failed", slog.Any("error", err))
		} else {
			log.Debug("handled")
		}
		return err
	})
}
