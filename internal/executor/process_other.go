//go:build !unix

package executor

import (
	"log/slog"
	"os/exec"
)

func isolate(_ *exec.Cmd, cred *Credential) {
	if cred != nil {
		slog.Warn("executor.user is not supported on this platform")
	}
}

func killGroup(_ *exec.Cmd) {}
