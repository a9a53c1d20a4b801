// Package middleware holds HTTP middleware for the status API.
package middleware

import (
	"context"
	"time"

	pkglog "SkillGuard/pkg/log"

	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/go-kratos/kratos/v2/transport/http"
)

// Logging returns a middleware that records method, path and duration
// for every request on the status API.
func Logging(logger *pkglog.LogHelper) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			start := time.Now()

			method := "UNKNOWN"
			path := "unknown"
			if tr, ok := transport.FromServerContext(ctx); ok {
				method = tr.Operation()
				path = tr.Operation()
				if ht, ok := tr.(http.Transporter); ok {
					httpReq := ht.Request()
					method = httpReq.Method
					path = httpReq.URL.Path
				}
			}

			reply, err := handler(ctx, req)

			status := 200
			if err != nil {
				status = 500
			}
			logger.Request(method, path, status, time.Since(start).Milliseconds())
			return reply, err
		}
	}
}
