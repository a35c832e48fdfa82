package buildlog

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type operationKey struct{}

// WithOperation returns a context in which op is the innermost active
// operation. Nested calls shadow the outer operation until the inner
// context goes out of scope.
func WithOperation(ctx context.Context, op *OperationLog) context.Context {
	return context.WithValue(ctx, operationKey{}, op)
}

// FromContext returns the innermost active operation, or nil.
func FromContext(ctx context.Context) *OperationLog {
	op, _ := ctx.Value(operationKey{}).(*OperationLog)
	return op
}

// Logger returns the logger for the innermost active operation, falling
// back to the process-wide logger when no operation is active.
func Logger(ctx context.Context) *zerolog.Logger {
	if op := FromContext(ctx); op != nil {
		return op.Logger()
	}
	return &log.Logger
}
