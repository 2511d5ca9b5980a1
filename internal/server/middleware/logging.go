// Package middleware provides HTTP middleware for request logging and correlation.
package middleware

import (
	"context"
	"strings"
	"time"

	pkglog "Bulwark/pkg/log"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport"
	"github.com/go-kratos/kratos/v2/transport/http"
)

const (
	headerRequestID     = "X-Request-ID"
	headerCorrelationID = "X-Correlation-ID"
)

// Logging returns a middleware that logs every ops request and injects the
// request and correlation ids into the context. Both ids are echoed back
// in the response headers.
//
// Output example:
//
//	🟢 GET /v1/breakers - 200 (2ms)
func Logging(logger *pkglog.LogHelper) middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			startTime := time.Now()

			var (
				method        string
				path          string
				ip            string
				userAgent     string
				requestID     string
				correlationID string
			)

			if tr, ok := transport.FromServerContext(ctx); ok {
				method = tr.Kind().String()
				path = tr.Operation()

				if ht, ok := tr.(http.Transporter); ok {
					httpReq := ht.Request()
					method = httpReq.Method
					path = httpReq.URL.Path
					if httpReq.URL.RawQuery != "" {
						path = path + "?" + httpReq.URL.RawQuery
					}
					ip = extractClientIP(httpReq)
					userAgent = httpReq.Header.Get("User-Agent")
				}

				requestID = tr.RequestHeader().Get(headerRequestID)
				correlationID = tr.RequestHeader().Get(headerCorrelationID)
				if requestID == "" {
					requestID = pkglog.GenerateRequestID()
				}
				if correlationID == "" {
					correlationID = requestID
				}
				tr.ReplyHeader().Set(headerRequestID, requestID)
				tr.ReplyHeader().Set(headerCorrelationID, correlationID)
			}

			ctx = pkglog.WithRequestID(ctx, requestID)
			ctx = pkglog.WithCorrelationID(ctx, correlationID)

			reply, err := handler(ctx, req)

			duration := time.Since(startTime).Milliseconds()
			logger.Request(ctx, method, path, extractHTTPStatus(err), duration,
				"ip", ip,
				"user_agent", userAgent,
				"correlation_id", correlationID,
			)

			return reply, err
		}
	}
}

// extractClientIP prefers X-Real-IP, then the first X-Forwarded-For hop,
// then RemoteAddr.
func extractClientIP(req *http.Request) string {
	if ip := req.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}

	if forwarded := req.Header.Get("X-Forwarded-For"); forwarded != "" {
		ips := strings.Split(forwarded, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	return req.RemoteAddr
}

// extractHTTPStatus maps a handler error to its kratos error code.
func extractHTTPStatus(err error) int {
	if err == nil {
		return 200
	}
	return int(errors.FromError(err).Code)
}
