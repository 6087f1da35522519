//go:build unix

package lifecycle

import "golang.org/x/sys/unix"

func execve(path string, argv, env []string) error {
	return unix.Exec(path, argv, env)
}
