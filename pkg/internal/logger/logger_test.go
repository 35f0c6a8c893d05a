package logger

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogrusLoggerLevels(t *testing.T) {
	base, hook := test.NewNullLogger()
	log := NewLogrusLogger(base)
	log.SetLevel(LevelWarn)

	log.Debug("dropped %d", 1)
	log.Info("dropped %d", 2)
	log.Warn("slot %d: bad TPDU", 3)
	log.Error("slot %d: read failed", 4)

	require.Len(t, hook.AllEntries(), 2)
	assert.Equal(t, logrus.WarnLevel, hook.AllEntries()[0].Level)
	assert.Equal(t, "slot 3: bad TPDU", hook.AllEntries()[0].Message)
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestWithFields(t *testing.T) {
	base, hook := test.NewNullLogger()
	log := NewLogrusLogger(base).WithFields(Fields{"cam": "cam0", "slot": 1})
	log.Info("connected")

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "cam0", entry.Data["cam"])
	assert.Equal(t, 1, entry.Data["slot"])
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level Level
		want  string
		lr    logrus.Level
	}{
		{LevelDebug, "DEBUG", logrus.DebugLevel},
		{LevelInfo, "INFO", logrus.InfoLevel},
		{LevelWarn, "WARN", logrus.WarnLevel},
		{LevelError, "ERROR", logrus.ErrorLevel},
		{Level(9), "UNKNOWN", logrus.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.level.String())
		assert.Equal(t, tt.lr, tt.level.logrusLevel())
	}
}

func TestOrNoOp(t *testing.T) {
	assert.IsType(t, &NoOpLogger{}, OrNoOp(nil))
	l := NewDefaultLogger(LevelError)
	assert.Same(t, l, OrNoOp(l))
}
