package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestUI() (*UI, *bytes.Buffer, *bytes.Buffer) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return &UI{Out: out, ErrOut: errOut}, out, errOut
}

func TestInfo(t *testing.T) {
	u, out, _ := newTestUI()
	u.Info("hello %s", "world")
	assert.Contains(t, out.String(), "hello world")
}

func TestSuccess(t *testing.T) {
	u, out, _ := newTestUI()
	u.Success("done %d", 42)
	assert.Contains(t, out.String(), "done 42")
}

func TestWarning(t *testing.T) {
	u, _, errOut := newTestUI()
	u.Warning("careful %s", "now")
	assert.Contains(t, errOut.String(), "careful now")
}

func TestError(t *testing.T) {
	u, _, errOut := newTestUI()
	u.Error("failed %s", "badly")
	assert.Contains(t, errOut.String(), "failed badly")
}

func TestVerboseLog_Enabled(t *testing.T) {
	u, out, _ := newTestUI()
	u.Verbose = true
	u.VerboseLog("detail %d", 1)
	assert.Contains(t, out.String(), "detail 1")
}

func TestVerboseLog_Disabled(t *testing.T) {
	u, out, _ := newTestUI()
	u.Verbose = false
	u.VerboseLog("detail %d", 1)
	assert.Empty(t, out.String())
}

func TestDryRunMsg_Enabled(t *testing.T) {
	u, _, errOut := newTestUI()
	u.DryRun = true
	u.DryRunMsg("would reset %s", "session")
	assert.Contains(t, errOut.String(), "[DRY-RUN]")
	assert.Contains(t, errOut.String(), "would reset session")
}

func TestDryRunMsg_Disabled(t *testing.T) {
	u, _, errOut := newTestUI()
	u.DryRun = false
	u.DryRunMsg("would reset %s", "session")
	assert.Empty(t, errOut.String())
}

func TestColorHelpers(t *testing.T) {
	// Color helpers should return non-empty strings
	assert.NotEmpty(t, Cyan("test"))
	assert.NotEmpty(t, Green("test"))
	assert.NotEmpty(t, Yellow("test"))
	assert.NotEmpty(t, Red("test"))
}

func TestPhaseColor(t *testing.T) {
	assert.NotEmpty(t, PhaseColor("idle"))
	assert.NotEmpty(t, PhaseColor("validating"))
	assert.NotEmpty(t, PhaseColor("meta_review"))
	assert.NotEmpty(t, PhaseColor("in_combat"))
	assert.Equal(t, "unknown", PhaseColor("unknown"))
}

func TestTurnStatusColor(t *testing.T) {
	assert.NotEmpty(t, TurnStatusColor("running"))
	assert.NotEmpty(t, TurnStatusColor("completed"))
	assert.NotEmpty(t, TurnStatusColor("failed"))
	assert.Equal(t, "unknown", TurnStatusColor("unknown"))
}

func TestSeverityColor(t *testing.T) {
	assert.NotEmpty(t, SeverityColor("major"))
	assert.NotEmpty(t, SeverityColor("moderate"))
	assert.Equal(t, "minor", SeverityColor("minor"))
}

func TestTable(t *testing.T) {
	u, out, _ := newTestUI()
	table := u.Table([]string{"Name", "Phase"})
	require.NotNil(t, table)

	table.Append([]string{"westmarch", "idle"})
	table.Append([]string{"hexcrawl", "meta_review"})
	err := table.Render()
	require.NoError(t, err)

	result := out.String()
	assert.True(t, strings.Contains(result, "westmarch") || strings.Contains(result, "WESTMARCH"),
		"table output should contain session names")
	assert.True(t, strings.Contains(result, "hexcrawl") || strings.Contains(result, "HEXCRAWL"),
		"table output should contain session names")
}
