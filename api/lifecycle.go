package api

import (
	"context"
	"os/exec"
)

// Role names a process role of the printq binary.
type Role string

const (
	RoleManager Role = "manager"
	RoleClient  Role = "client"
	RoleServer  Role = "server"
)

// Launcher starts processes that run a role.
type Launcher interface {
	// Spawn starts a child process running role with args.
	Spawn(ctx context.Context, role Role, args ...string) (*exec.Cmd, error)
	// Replace replaces the current process image with role. It only returns on error.
	Replace(role Role, args ...string) error
}
