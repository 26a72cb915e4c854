package main

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/catalog-harvest/internal/testutil"
	"github.com/Sternrassler/catalog-harvest/pkg/report"
)

func newDataset() *testutil.Dataset {
	return testutil.NewDataset(
		testutil.MakeRecords("ImmPort", testutil.SequentialIDs("", 1500, 4)),
		testutil.MakeRecords("Vivli", testutil.SequentialIDs("VIV", 300, 4)),
		testutil.MakeRecords("Protein Data Bank", testutil.SequentialIDs("PDB", 50, 4)),
	)
}

// execute runs the CLI with args against mock, isolated from the caller's
// home directory, working directory and HARVEST_* environment.
func execute(t *testing.T, mock *testutil.MockSearchAPI, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
	t.Setenv("HARVEST_API_REQUESTS_PER_SECOND", "0")
	t.Setenv("HARVEST_API_RETRY_MAX_ATTEMPTS", "1")

	root := newRootCommand()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append(args, "--base-url", mock.URL()))

	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		n++
	}
	require.NoError(t, scanner.Err())
	return n
}

func TestVersionCommand(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Equal(t, "harvest dev\n", out.String())
}

func TestHelp(t *testing.T) {
	for _, args := range [][]string{{"--help"}, {"fetch", "--help"}, {"catalogs", "--help"}} {
		root := newRootCommand()
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetArgs(args)

		require.NoError(t, root.Execute(), "args %v", args)
		assert.Contains(t, out.String(), "Usage:", "args %v", args)
	}
}

func TestUnknownCommand(t *testing.T) {
	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"harvest-everything"})

	require.Error(t, root.Execute())
}

func TestFetchCommand_SegmentedResource(t *testing.T) {
	mock := testutil.NewMockSearchAPI(newDataset())
	mock.SetWindowCap(1000)
	t.Cleanup(mock.Close)

	dir := t.TempDir()
	out, err := execute(t, mock, "fetch", "--resource", "ImmPort", "--output-dir", dir, "--window-cap", "1000")
	require.NoError(t, err)

	assert.Contains(t, out, "1 resources: 1 ok / 0 incomplete / 0 failed")
	assert.Equal(t, 1500, countLines(t, filepath.Join(dir, "immport.jsonl")))
	assert.FileExists(t, filepath.Join(dir, report.RunFileName))
	assert.FileExists(t, report.ResourcePath(dir, "ImmPort"))
	assert.LessOrEqual(t, mock.MaxWindowRequested(), 1000)
}

func TestFetchCommand_AllSkipsExcluded(t *testing.T) {
	mock := testutil.NewMockSearchAPI(newDataset())
	mock.SetWindowCap(1000)
	t.Cleanup(mock.Close)

	dir := t.TempDir()
	out, err := execute(t, mock, "fetch", "--all", "--output-dir", dir, "--window-cap", "1000")
	require.NoError(t, err)

	assert.Contains(t, out, "2 resources: 2 ok / 0 incomplete / 0 failed")
	assert.FileExists(t, filepath.Join(dir, "vivli.jsonl"))
	assert.NoFileExists(t, filepath.Join(dir, "protein_data_bank.jsonl"))
}

func TestFetchCommand_FailureExitsNonZero(t *testing.T) {
	mock := testutil.NewMockSearchAPI(newDataset())
	mock.QueueFault(testutil.Fault{StatusCode: 403, Body: `{"error": "forbidden"}`})
	t.Cleanup(mock.Close)

	dir := t.TempDir()
	out, err := execute(t, mock, "fetch", "--resource", "Vivli", "--output-dir", dir)
	require.ErrorIs(t, err, errResourcesFailed)
	assert.Contains(t, out, "Vivli failed:")
}

func TestFetchCommand_InvalidConfig(t *testing.T) {
	mock := testutil.NewMockSearchAPI(newDataset())
	t.Cleanup(mock.Close)

	_, err := execute(t, mock, "fetch", "--page-size", "0", "--output-dir", t.TempDir())
	require.Error(t, err)
	assert.Zero(t, mock.RequestCount())
}

func TestCatalogsCommand(t *testing.T) {
	mock := testutil.NewMockSearchAPI(newDataset())
	t.Cleanup(mock.Close)

	out, err := execute(t, mock, "catalogs")
	require.NoError(t, err)

	assert.Contains(t, out, "ImmPort")
	assert.Contains(t, out, "1,500")
	assert.Contains(t, out, "Vivli")
	assert.Contains(t, out, "3 catalogs, 1,850 datasets")
}
