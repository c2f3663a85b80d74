// Package middleware wraps call handlers in an onion of cross-cutting behaviour.
//
//	Chain(A, B, C)(handler) == A(B(C(handler)))
//	A.before → B.before → C.before → handler → C.after → B.after → A.after
package middleware

import (
	"context"

	"tchannel-rpc/message"
)

// HandlerFunc serves one reassembled call. It returns the *message.CallResponse to send
// back, or a *message.Error for the same id.
type HandlerFunc func(ctx context.Context, req *message.CallRequest) message.Message

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one listed runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// ErrorFor builds an Error answering req.
func ErrorFor(req *message.CallRequest, code message.ErrorType, text string) *message.Error {
	return &message.Error{ID: req.ID, Code: code, Tracing: req.Tracing, Message: text}
}
