//go:build !windows

package privilege

// New returns the bridge for the current platform.
func New() Bridge {
	return NewSudo(nil)
}
