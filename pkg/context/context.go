package context

import "context"

type ContextKey string

var (
	RequestIDKey = ContextKey("X-Request-Id")
	MethodKey    = ContextKey("X-Method")
	RouteKey     = ContextKey("X-Route")
	RemoteIPKey  = ContextKey("X-Remote-Ip")
	OperatorKey  = ContextKey("X-Operator")
	BatchIDKey   = ContextKey("X-Batch-Id")
)

func set(ctx context.Context, key ContextKey, value string) context.Context {
	return context.WithValue(ctx, key, value)
}

func get(ctx context.Context, key ContextKey) string {
	value, ok := ctx.Value(key).(string)
	if !ok {
		return ""
	}
	return value
}

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return set(ctx, RequestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	return get(ctx, RequestIDKey)
}

func SetMethod(ctx context.Context, method string) context.Context {
	return set(ctx, MethodKey, method)
}

func GetMethod(ctx context.Context) string {
	return get(ctx, MethodKey)
}

func SetRoute(ctx context.Context, route string) context.Context {
	return set(ctx, RouteKey, route)
}

func GetRoute(ctx context.Context) string {
	return get(ctx, RouteKey)
}

func SetRemoteIP(ctx context.Context, remoteIP string) context.Context {
	return set(ctx, RemoteIPKey, remoteIP)
}

func GetRemoteIP(ctx context.Context) string {
	return get(ctx, RemoteIPKey)
}

// SetOperator records who triggered an operation. Promotions write it to merge_log.
func SetOperator(ctx context.Context, operator string) context.Context {
	return set(ctx, OperatorKey, operator)
}

func GetOperator(ctx context.Context) string {
	return get(ctx, OperatorKey)
}

// SetBatchID tags the context with the batch being worked on so log lines carry it.
func SetBatchID(ctx context.Context, batchID string) context.Context {
	return set(ctx, BatchIDKey, batchID)
}

func GetBatchID(ctx context.Context) string {
	return get(ctx, BatchIDKey)
}
