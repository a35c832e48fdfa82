package buildlog

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestLineWriterSplitsLines(t *testing.T) {
	op := NewOperationLog("cmd")
	w := NewLineWriter(op.Logger(), zerolog.InfoLevel)

	fmt.Fprint(w, "reading tile")
	fmt.Fprint(w, " 1\r\n\nwriting")
	assert.Len(t, op.Messages(), 1)
	w.Flush()

	msgs := op.Messages()
	if assert.Len(t, msgs, 2) {
		assert.Equal(t, "reading tile 1", msgs[0].Text)
		assert.Equal(t, "writing", msgs[1].Text)
		assert.Equal(t, zerolog.InfoLevel, msgs[1].Level)
	}
}

func TestOperationLoggerKeepsEventFields(t *testing.T) {
	op := NewOperationLog("tile_3")
	op.Logger().Warn().Str("file", "dem.tif").Int("retry", 2).Err(fmt.Errorf("short read")).Msg("open failed")

	msgs := op.Messages()
	if assert.Len(t, msgs, 1) {
		assert.Equal(t, "open failed error=\"short read\" file=dem.tif retry=2", msgs[0].Text)
		assert.Equal(t, zerolog.WarnLevel, msgs[0].Level)
	}
}
