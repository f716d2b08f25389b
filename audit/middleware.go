package audit

import (
	"context"
	"time"

	"github.com/hazyhaar/gridsync/kit"
)

// Middleware audits every call of an endpoint under action.
func Middleware(l *SQLiteLogger, action string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			e := FromContext(ctx, action, req, err)
			e.DurationMs = time.Since(start).Milliseconds()
			l.LogAsync(e)
			return resp, err
		}
	}
}
