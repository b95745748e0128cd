package privilege

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	calls []string
	fail  string
}

func (r *recorder) run(_ context.Context, name string, args ...string) ([]byte, error) {
	line := strings.Join(append([]string{name}, args...), " ")
	r.calls = append(r.calls, line)
	if r.fail != "" && strings.Contains(line, r.fail) {
		return []byte("permission denied"), errors.New("exit status 1")
	}
	return nil, nil
}

func newTestSudo(r *recorder, euid int) *Sudo {
	s := NewSudo(r.run)
	s.euid = func() int { return euid }
	return s
}

func TestSudoHasPrivilege(t *testing.T) {
	r := &recorder{}
	assert.True(t, newTestSudo(r, 0).HasPrivilege())
	assert.False(t, newTestSudo(r, 1000).HasPrivilege())
}

func TestSudoRunElevated(t *testing.T) {
	r := &recorder{}
	require.NoError(t, newTestSudo(r, 1000).RunElevated(context.Background(), "ls", "-la"))
	require.NoError(t, newTestSudo(r, 0).RunElevated(context.Background(), "ls", "-la"))
	assert.Equal(t, []string{"sudo ls -la", "ls -la"}, r.calls)
}

func TestSudoPrivilegedCopyDirectory(t *testing.T) {
	from := t.TempDir()
	to := filepath.Join(t.TempDir(), "volume")
	r := &recorder{}

	require.NoError(t, newTestSudo(r, 1000).PrivilegedCopy(context.Background(), from, to))
	assert.Equal(t, []string{
		"sudo mkdir -p " + to,
		"sudo cp -R " + from + string(filepath.Separator) + ". " + to,
		"sudo chmod -R u+rwX,go+rX " + to,
	}, r.calls)
}

func TestSudoPrivilegedCopyFile(t *testing.T) {
	dir := t.TempDir()
	from := filepath.Join(dir, "app.conf")
	require.NoError(t, os.WriteFile(from, []byte("x"), 0600))
	to := filepath.Join(t.TempDir(), "etc", "app.conf")
	r := &recorder{}

	require.NoError(t, newTestSudo(r, 1000).PrivilegedCopy(context.Background(), from, to))
	assert.Equal(t, []string{
		"sudo mkdir -p " + filepath.Dir(to),
		"sudo cp " + from + " " + to,
	}, r.calls)
}

func TestSudoPrivilegedCopyStopsOnFailure(t *testing.T) {
	from := t.TempDir()
	to := filepath.Join(t.TempDir(), "volume")
	r := &recorder{fail: "cp -R"}

	err := newTestSudo(r, 1000).PrivilegedCopy(context.Background(), from, to)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	assert.Len(t, r.calls, 2)
}

func TestSudoPrivilegedCopyMissingSource(t *testing.T) {
	r := &recorder{}
	err := newTestSudo(r, 1000).PrivilegedCopy(context.Background(), filepath.Join(t.TempDir(), "nope"), t.TempDir())
	require.Error(t, err)
	assert.Empty(t, r.calls)
}
