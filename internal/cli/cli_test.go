package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--dir", dir))
	err := root.Execute()
	return out.String(), err
}

func TestPutGetDeleteRoundTrip(t *testing.T) {
	dir := t.TempDir()

	_, err := run(t, dir, "put", "name", "snail")
	require.NoError(t, err)

	out, err := run(t, dir, "get", "name")
	require.NoError(t, err)
	require.Equal(t, "snail\n", out)

	_, err = run(t, dir, "delete", "name")
	require.NoError(t, err)

	_, err = run(t, dir, "get", "name")
	require.ErrorContains(t, err, "not found")
}

func TestScanRange(t *testing.T) {
	dir := t.TempDir()
	for _, kv := range [][2]string{{"a", "1"}, {"b", "2"}, {"c", "3"}} {
		_, err := run(t, dir, "put", kv[0], kv[1])
		require.NoError(t, err)
	}

	out, err := run(t, dir, "scan", "--start", "a", "--end", "c")
	require.NoError(t, err)
	require.Equal(t, "a\t1\nb\t2\n", out)
}

func TestStatsAndCompact(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, dir, "put", "k", "v")
	require.NoError(t, err)

	_, err = run(t, dir, "compact")
	require.NoError(t, err)

	out, err := run(t, dir, "stats")
	require.NoError(t, err)
	require.Contains(t, out, "total:")
}

func TestRejectsWrongArity(t *testing.T) {
	_, err := run(t, t.TempDir(), "put", "only-key")
	require.Error(t, err)
}
