package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"tchannel-rpc/message"
)

func LoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.CallRequest) message.Message {
			start := time.Now()
			resp := next(ctx, req)

			var ev *zerolog.Event
			switch r := resp.(type) {
			case *message.Error:
				ev = logger.Warn().Stringer("error_type", r.Code).Str("error", r.Message)
			case *message.CallResponse:
				ev = logger.Info().Uint8("code", uint8(r.Code))
			default:
				ev = logger.Info()
			}
			ev.Str("service", req.Service).
				Bytes("method", req.Arg1).
				Uint32("id", req.ID).
				Dur("duration", time.Since(start)).
				Msg("call")
			return resp
		}
	}
}
