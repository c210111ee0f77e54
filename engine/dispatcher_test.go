package engine

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

func newTestDispatcher(t *testing.T) (*Dispatcher, string) {
	t.Helper()
	dir := t.TempDir()
	logPath := filepath.Join(dir, "horadrimLog.csv")
	d := NewDispatcher(dir, logPath, fixedClock{at: time.Unix(1700000000, 0)})
	return d, dir
}

func run(t *testing.T, d *Dispatcher, line string) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, d.Dispatch(line, &buf))
	return buf.String()
}

func lines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func TestScenarioCreateTypeAndListType(t *testing.T) {
	d, _ := newTestDispatcher(t)

	run(t, d, "create type person 3 1 name str age int city str")
	out := run(t, d, "list type")
	assert.Equal(t, []string{"person"}, lines(out))
}

func TestScenarioCreateAndSearchRecord(t *testing.T) {
	d, _ := newTestDispatcher(t)
	run(t, d, "create type person 3 1 name str age int city str")
	run(t, d, "create record person alice 30 paris")

	out := run(t, d, "search person alice")
	assert.Equal(t, []string{"alice 30 paris"}, lines(out))
}

func TestScenarioListRecordOrderedByPrimaryKey(t *testing.T) {
	d, _ := newTestDispatcher(t)
	run(t, d, "create type person 3 1 name str age int city str")
	run(t, d, "create record person alice 30 paris")
	run(t, d, "create record person bob 25 rome")

	out := run(t, d, "list record person")
	assert.Equal(t, []string{"alice 30 paris", "bob 25 rome"}, lines(out))
}

func TestScenarioFilter(t *testing.T) {
	d, _ := newTestDispatcher(t)
	run(t, d, "create type person 3 1 name str age int city str")
	run(t, d, "create record person alice 30 paris")
	run(t, d, "create record person bob 25 rome")

	out := run(t, d, "filter person >alice")
	assert.Equal(t, []string{"bob 25 rome"}, lines(out))

	var buf bytes.Buffer
	require.NoError(t, d.Dispatch("filter person =carol", &buf))
	assert.Empty(t, buf.String())
}

func TestScenarioUpdateThenSearch(t *testing.T) {
	d, _ := newTestDispatcher(t)
	run(t, d, "create type person 3 1 name str age int city str")
	run(t, d, "create record person alice 30 paris")

	run(t, d, "update person alice alice 31 paris")
	out := run(t, d, "search person alice")
	assert.Equal(t, []string{"alice 31 paris"}, lines(out))
}

func TestScenarioDeleteRecordAndDeleteType(t *testing.T) {
	d, dir := newTestDispatcher(t)
	run(t, d, "create type person 3 1 name str age int city str")
	run(t, d, "create record person alice 30 paris")
	run(t, d, "create record person bob 25 rome")

	run(t, d, "delete record person alice")
	out := run(t, d, "list record person")
	assert.Equal(t, []string{"bob 25 rome"}, lines(out))

	run(t, d, "delete type person")

	var buf bytes.Buffer
	require.NoError(t, d.Dispatch("search person bob", &buf))
	assert.Empty(t, buf.String())

	_, err := os.Stat(filepath.Join(dir, "B+person.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestFailedCommandsAreLoggedButLeaveNoOutput(t *testing.T) {
	d, dir := newTestDispatcher(t)

	var buf bytes.Buffer
	require.NoError(t, d.Dispatch("search ghost nobody", &buf))
	assert.Empty(t, buf.String())

	data, err := os.ReadFile(filepath.Join(dir, "horadrimLog.csv"))
	require.NoError(t, err)
	logLines := lines(string(data))
	require.Len(t, logLines, 1)
	assert.True(t, strings.HasSuffix(logLines[0], "search ghost nobody,failure"))
}

func TestSuccessfulCommandLogsSuccess(t *testing.T) {
	d, dir := newTestDispatcher(t)
	run(t, d, "create type person 3 1 name str age int city str")

	data, err := os.ReadFile(filepath.Join(dir, "horadrimLog.csv"))
	require.NoError(t, err)
	logLines := lines(string(data))
	require.Len(t, logLines, 1)
	assert.Contains(t, logLines[0], "success")
}

func TestDuplicateTypeCreationFails(t *testing.T) {
	d, _ := newTestDispatcher(t)
	run(t, d, "create type person 3 1 name str age int city str")

	var buf bytes.Buffer
	require.NoError(t, d.Dispatch("create type person 3 1 name str age int city str", &buf))
	assert.Empty(t, buf.String())
}

func TestDuplicatePrimaryKeyRejected(t *testing.T) {
	d, _ := newTestDispatcher(t)
	run(t, d, "create type person 3 1 name str age int city str")
	run(t, d, "create record person alice 30 paris")

	var buf bytes.Buffer
	require.NoError(t, d.Dispatch("create record person alice 99 oslo", &buf))
	assert.Empty(t, buf.String())

	out := run(t, d, "search person alice")
	assert.Equal(t, []string{"alice 30 paris"}, lines(out))
}

func TestBlankLinesAreIgnored(t *testing.T) {
	d, dir := newTestDispatcher(t)
	var buf bytes.Buffer
	require.NoError(t, d.Dispatch("", &buf))
	require.NoError(t, d.Dispatch("   ", &buf))

	_, err := os.Stat(filepath.Join(dir, "horadrimLog.csv"))
	assert.True(t, os.IsNotExist(err))
}
