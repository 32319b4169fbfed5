package validate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/taskdaemon/taskdaemon/internal/daemonerr"
)

func TestRun_SuccessCapturesExitCodeAndLines(t *testing.T) {
	var lines []string
	res, err := Run(context.Background(), "echo one; echo two", Options{
		OnLine: func(l string) { lines = append(lines, l) },
	})
	assert.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, []string{"one", "two"}, lines)
}

func TestRun_NonZeroExit(t *testing.T) {
	res, err := Run(context.Background(), "exit 3", Options{})
	assert.Error(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestRun_TimeoutKillsProcess(t *testing.T) {
	res, err := Run(context.Background(), "sleep 5", Options{
		Timeout:     100 * time.Millisecond,
		GracePeriod: 50 * time.Millisecond,
	})
	assert.ErrorIs(t, err, daemonerr.ErrValidationTimeout)
	assert.True(t, res.TimedOut)
}
