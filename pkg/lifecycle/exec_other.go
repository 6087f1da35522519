//go:build !unix

package lifecycle

import "github.com/srediag/printq/api"

func execve(string, []string, []string) error {
	return api.ErrUnsupportedPlatform
}
