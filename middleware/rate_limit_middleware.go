package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"tchannel-rpc/message"
)

// RateLimitMiddleware rejects calls beyond a token bucket of r per second with Error(Busy).
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.CallRequest) message.Message {
			if !limiter.Allow() {
				return ErrorFor(req, message.ErrorTypeBusy, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
