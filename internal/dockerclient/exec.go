package dockerclient

import (
	"context"
	"fmt"
	"io"
	"os/exec"
)

// RunContainer creates and starts a detached container, returning its id.
// Equivalent to `docker run -d --rm --name <name> -v <vol>:<dest> <image> <cmd...>`.
func (c *Client) RunContainer(ctx context.Context, name, image, volumeName, dest string, cmd []string) (string, error) {
	args := []string{"run", "-d", "--rm", "--name", name}
	if volumeName != "" {
		args = append(args, "-v", volumeName+":"+dest)
	}
	args = append(args, image)
	args = append(args, cmd...)

	out, err := exec.CommandContext(ctx, "docker", args...).Output()
	if err != nil {
		return "", fmt.Errorf("docker run %s: %w", name, err)
	}
	return trimNewline(out), nil
}

// ExecStreamOut runs `docker exec <name> <cmd...>` and copies its stdout to w.
// Used to stream a tar archive out of a helper container.
func (c *Client) ExecStreamOut(ctx context.Context, name string, cmd []string, w io.Writer) error {
	args := append([]string{"exec", name}, cmd...)
	run := exec.CommandContext(ctx, "docker", args...)
	run.Stdout = w
	if err := run.Run(); err != nil {
		return fmt.Errorf("docker exec %s: %w", name, err)
	}
	return nil
}

// ExecStreamIn runs `docker exec -i <name> <cmd...>` piping r to its stdin.
// Used to stream a tar archive into a helper container.
func (c *Client) ExecStreamIn(ctx context.Context, name string, cmd []string, r io.Reader) error {
	args := append([]string{"exec", "-i", name}, cmd...)
	run := exec.CommandContext(ctx, "docker", args...)
	run.Stdin = r
	if err := run.Run(); err != nil {
		return fmt.Errorf("docker exec %s: %w", name, err)
	}
	return nil
}

// StopContainer stops a running container, tolerating "already stopped".
func (c *Client) StopContainer(ctx context.Context, name string) error {
	if err := exec.CommandContext(ctx, "docker", "stop", "-t", "5", name).Run(); err != nil {
		return fmt.Errorf("docker stop %s: %w", name, err)
	}
	return nil
}

// ForceRemoveContainer removes a container unconditionally, swallowing
// "no such container" since the caller is cleaning up best-effort.
func (c *Client) ForceRemoveContainer(ctx context.Context, name string) {
	_ = exec.CommandContext(ctx, "docker", "rm", "-f", name).Run()
}

func trimNewline(b []byte) string {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return string(b)
}
