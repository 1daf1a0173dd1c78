package clusterserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"connectrpc.com/connect"

	"github.com/yndnr/topomesh-go/internal/telemetry/metric"
)

// LoggingInterceptor logs every unary RPC handled by this member.
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor.
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// WrapUnary implements connect.Interceptor.
func (i *LoggingInterceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		if req.Spec().IsClient {
			return next(ctx, req)
		}
		start := time.Now()

		resp, err := next(ctx, req)

		duration := time.Since(start)
		if err != nil {
			i.logger.WarnContext(ctx, "rpc error",
				"method", req.Spec().Procedure,
				"peer", req.Peer().Addr,
				"code", connect.CodeOf(err).String(),
				"duration_ms", duration.Milliseconds(),
				"error", err)
		} else {
			i.logger.DebugContext(ctx, "rpc handled",
				"method", req.Spec().Procedure,
				"peer", req.Peer().Addr,
				"duration_ms", duration.Milliseconds())
		}

		return resp, err
	}
}

// WrapStreamingClient implements connect.Interceptor.
func (i *LoggingInterceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return next
}

// WrapStreamingHandler implements connect.Interceptor.
func (i *LoggingInterceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return next
}

// RecoveryInterceptor turns handler panics into internal errors.
type RecoveryInterceptor struct {
	logger *slog.Logger
}

// NewRecoveryInterceptor creates a new recovery interceptor.
func NewRecoveryInterceptor(logger *slog.Logger) *RecoveryInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryInterceptor{logger: logger}
}

// WrapUnary implements connect.Interceptor.
func (i *RecoveryInterceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (resp connect.AnyResponse, err error) {
		defer func() {
			if r := recover(); r != nil {
				i.logger.ErrorContext(ctx, "rpc panic recovered",
					"method", req.Spec().Procedure,
					"panic", r)

				err = connect.NewError(connect.CodeInternal,
					fmt.Errorf("internal server error: panic recovered"))
			}
		}()

		return next(ctx, req)
	}
}

// WrapStreamingClient implements connect.Interceptor.
func (i *RecoveryInterceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return next
}

// WrapStreamingHandler implements connect.Interceptor.
func (i *RecoveryInterceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return next
}

// MetricsInterceptor records handler latency by procedure and code.
type MetricsInterceptor struct {
	metrics *metric.Registry
}

// NewMetricsInterceptor creates a new metrics interceptor.
func NewMetricsInterceptor(metrics *metric.Registry) *MetricsInterceptor {
	if metrics == nil {
		metrics = metric.NewRegistry()
	}
	return &MetricsInterceptor{metrics: metrics}
}

// WrapUnary implements connect.Interceptor.
func (i *MetricsInterceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		if req.Spec().IsClient {
			return next(ctx, req)
		}
		start := time.Now()
		resp, err := next(ctx, req)

		code := "ok"
		if err != nil {
			code = connect.CodeOf(err).String()
		}
		i.metrics.RPCDuration.WithLabelValues(req.Spec().Procedure, code).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// WrapStreamingClient implements connect.Interceptor.
func (i *MetricsInterceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return next
}

// WrapStreamingHandler implements connect.Interceptor.
func (i *MetricsInterceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return next
}

// DefaultInterceptors returns the interceptor chain for every service this
// member hosts. Recovery is outermost so panics in the other interceptors
// are caught too.
func DefaultInterceptors(logger *slog.Logger, metrics *metric.Registry) []connect.Interceptor {
	return []connect.Interceptor{
		NewRecoveryInterceptor(logger),
		NewMetricsInterceptor(metrics),
		NewLoggingInterceptor(logger),
	}
}
