package pool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/3cpo-dev/vpb/internal/task"
)

func TestRunTaskCommandCompletes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tile_1.task")
	tf := task.New(path, map[string]string{task.KeyApplication: "osgdem"})
	if err := tf.Write(); err != nil {
		t.Fatal(err)
	}

	var sawRunning bool
	r := runnerFunc(func(ctx context.Context, cmd string, out io.Writer) error {
		onDisk, err := task.Load(path)
		if err != nil {
			return err
		}
		st, _ := onDisk.Property(task.KeyStatus)
		sawRunning = st == task.StatusRunning
		fmt.Fprint(out, "reading dem\r\nwriting tile\n")
		return nil
	})

	var sink bytes.Buffer
	if err := RunTaskCommand(context.Background(), tf, "osgdem --tile 1", r, &sink); err != nil {
		t.Fatalf("RunTaskCommand: %v", err)
	}
	if !sawRunning {
		t.Error("task was not marked running before the command started")
	}

	onDisk, err := task.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if st, _ := onDisk.Property(task.KeyStatus); st != task.StatusCompleted {
		t.Errorf("status = %q, want completed", st)
	}
	if msg, _ := onDisk.Property(task.KeyLastMessage); msg != "writing tile" {
		t.Errorf("last message = %q", msg)
	}
	if _, ok := onDisk.Property(task.KeyLastMessageTime); !ok {
		t.Error("last message time missing")
	}
	if !strings.Contains(sink.String(), "\t:reading dem\n") {
		t.Errorf("log sink = %q", sink.String())
	}
}

func TestRunTaskCommandFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tile_2.task")
	tf := task.New(path, nil)

	boom := errors.New("exit status 2")
	r := runnerFunc(func(context.Context, string, io.Writer) error { return boom })

	err := RunTaskCommand(context.Background(), tf, "osgdem", r, io.Discard)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	onDisk, err := task.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if st, _ := onDisk.Property(task.KeyStatus); st != task.StatusFailed {
		t.Errorf("status = %q, want failed", st)
	}
	if msg, _ := onDisk.Property(task.KeyLastMessage); !strings.Contains(msg, "command failed") {
		t.Errorf("last message = %q", msg)
	}
}
