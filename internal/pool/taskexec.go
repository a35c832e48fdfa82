package pool

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/vpb/internal/buildlog"
	"github.com/3cpo-dev/vpb/internal/task"
)

// RunTaskCommand runs command on behalf of t from the worker side: t is
// marked running, every output line is logged to an operation whose latest
// message is mirrored into t and appended to w, and t ends up completed or
// failed.
func RunTaskCommand(ctx context.Context, t *task.File, command string, r Runner, w io.Writer) error {
	op := buildlog.NewOperationLog(t.Name())
	lf := buildlog.NewLogFile(w)
	lf.BindTask(liveTask{t})
	op.SetLogFile(lf)

	t.SetProperty(task.KeyStatus, task.StatusRunning)
	if err := t.Write(); err != nil {
		return fmt.Errorf("mark task running: %w", err)
	}

	ctx = buildlog.WithOperation(ctx, op)
	out := buildlog.NewLineWriter(op.Logger(), zerolog.InfoLevel)
	err := r.RunCommand(ctx, command, out)
	out.Flush()

	status := task.StatusCompleted
	if err != nil {
		status = task.StatusFailed
		op.Logf(zerolog.ErrorLevel, "command failed: %v", err)
	}
	t.SetProperty(task.KeyStatus, status)
	if werr := t.Write(); werr != nil {
		return errors.Join(err, fmt.Errorf("mark task %s: %w", status, werr))
	}
	return err
}

// liveTask persists the descriptor whenever its last message changes.
type liveTask struct{ *task.File }

func (t liveTask) SetProperty(key, value string) {
	t.File.SetProperty(key, value)
	if key != task.KeyLastMessage {
		return
	}
	if err := t.File.Write(); err != nil {
		log.Debug().Err(err).Str("task", t.Path()).Msg("could not persist last message")
	}
}
