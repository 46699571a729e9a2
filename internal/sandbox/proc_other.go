//go:build !unix

package sandbox

import "os/exec"

func setProcessGroup(c *exec.Cmd) {}

func terminateProcessGroup(c *exec.Cmd) error {
	if c.Process == nil {
		return nil
	}
	return c.Process.Kill()
}

func killProcessGroup(c *exec.Cmd) error {
	if c.Process == nil {
		return nil
	}
	return c.Process.Kill()
}
