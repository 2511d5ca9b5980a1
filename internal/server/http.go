package server

import (
	"context"
	"strconv"

	"Bulwark/internal/conf"
	"Bulwark/internal/server/middleware"
	"Bulwark/internal/service"
	pkglog "Bulwark/pkg/log"
	"Bulwark/pkg/metrics"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/transport/http"
)

const operationPrefix = "/bulwark.v1.Resilience/"

// NewHTTPServer new an HTTP server serving read-only status routes and /metrics.
func NewHTTPServer(c *conf.Server, svc *service.ResilienceService, recorder *metrics.Recorder, logger log.Logger) *http.Server {
	logHelper := pkglog.NewLogHelper(logger)

	var opts = []http.ServerOption{
		http.Middleware(
			recovery.Recovery(),
			middleware.Logging(logHelper),
		),
	}
	if c != nil && c.HTTP != nil {
		if c.HTTP.Network != "" {
			opts = append(opts, http.Network(c.HTTP.Network))
		}
		if c.HTTP.Addr != "" {
			opts = append(opts, http.Address(c.HTTP.Addr))
		}
		if c.HTTP.Timeout > 0 {
			opts = append(opts, http.Timeout(c.HTTP.Timeout))
		}
	}
	srv := http.NewServer(opts...)

	registerResilienceRoutes(srv, svc)
	if recorder != nil {
		srv.Handle("/metrics", recorder.Handler())
	}

	return srv
}

func registerResilienceRoutes(srv *http.Server, svc *service.ResilienceService) {
	r := srv.Route("/v1")

	r.GET("/breakers", handle("ListBreakers", func(ctx context.Context, _ http.Context) (interface{}, error) {
		return svc.ListBreakers(ctx)
	}))
	r.GET("/breakers/{name}", handle("GetBreaker", func(ctx context.Context, hc http.Context) (interface{}, error) {
		return svc.GetBreaker(ctx, hc.Vars().Get("name"))
	}))
	r.GET("/queues", handle("ListQueues", func(ctx context.Context, _ http.Context) (interface{}, error) {
		return svc.ListQueues(ctx)
	}))
	r.GET("/queues/{queue}", handle("GetQueue", func(ctx context.Context, hc http.Context) (interface{}, error) {
		return svc.GetQueue(ctx, hc.Vars().Get("queue"))
	}))
	r.GET("/queues/{queue}/dead-letters", handle("ListDeadLetters", func(ctx context.Context, hc http.Context) (interface{}, error) {
		return svc.ListDeadLetters(ctx, hc.Vars().Get("queue"), queryLimit(hc))
	}))
	r.GET("/failures/statistics", handle("FailureStatistics", func(ctx context.Context, _ http.Context) (interface{}, error) {
		return svc.FailureStatistics(ctx)
	}))
	r.GET("/failures/events", handle("ListFailureEvents", func(ctx context.Context, hc http.Context) (interface{}, error) {
		return svc.ListFailureEvents(ctx, queryLimit(hc))
	}))
	r.GET("/tenants/{tenant}", handle("GetTenant", func(ctx context.Context, hc http.Context) (interface{}, error) {
		return svc.GetTenant(ctx, hc.Vars().Get("tenant"))
	}))
	r.GET("/validation/rules", handle("ListRules", func(ctx context.Context, _ http.Context) (interface{}, error) {
		return svc.ListRules(ctx)
	}))
	r.GET("/validation/history", handle("ValidationHistory", func(ctx context.Context, hc http.Context) (interface{}, error) {
		return svc.ValidationHistory(ctx, hc.Query().Get("rule_id"), queryLimit(hc))
	}))
	r.GET("/validation/report", handle("LastReport", func(ctx context.Context, _ http.Context) (interface{}, error) {
		return svc.LastReport(ctx)
	}))
}

// handle runs call through the server middleware chain under a named
// operation, the same way generated kratos handlers do.
func handle(operation string, call func(context.Context, http.Context) (interface{}, error)) http.HandlerFunc {
	return func(hc http.Context) error {
		http.SetOperation(hc, operationPrefix+operation)
		h := hc.Middleware(func(ctx context.Context, _ interface{}) (interface{}, error) {
			return call(ctx, hc)
		})
		out, err := h(hc, nil)
		if err != nil {
			return err
		}
		return hc.Result(200, out)
	}
}

func queryLimit(hc http.Context) int {
	n, err := strconv.Atoi(hc.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return n
}
