package common

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteCrashFileProducesReport(t *testing.T) {
	InstallCrashHandler(t.TempDir())

	path := WriteCrashFile("boom", "goroutine 1 [running]:\nmain.main()")
	require.NotEmpty(t, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	report := string(data)
	assert.Contains(t, report, "STASH CRASH REPORT")
	assert.Contains(t, report, "boom")
	assert.Contains(t, report, "main.main()")
	assert.Contains(t, report, GetFullVersion())
}
