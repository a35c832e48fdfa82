package buildlog

import (
	"context"
	"errors"
)

// Operation is a named unit of build work tracked by a BuildLog.
type Operation struct {
	log   *OperationLog
	build *BuildLog
	fn    func(ctx context.Context) error
}

// NewOperation creates an operation and registers it as pending on b.
// A nil BuildLog yields an untracked operation that still captures its log.
func NewOperation(b *BuildLog, name string, fn func(ctx context.Context) error) (*Operation, error) {
	op := &Operation{log: NewOperationLog(name), build: b, fn: fn}
	if b != nil {
		if err := b.PendingOperation(op.log); err != nil {
			return nil, err
		}
	}
	return op, nil
}

// Log returns the operation's log.
func (o *Operation) Log() *OperationLog { return o.log }

// Run executes the work with the operation active on the context.
func (o *Operation) Run(ctx context.Context) error {
	if o.build != nil {
		if err := o.build.RunningOperation(o.log); err != nil {
			return err
		}
		o.log.SetLogFile(o.build.LogFile())
	}

	err := o.fn(WithOperation(ctx, o.log))

	if o.build != nil {
		if cerr := o.build.CompletedOperation(o.log); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	return err
}
