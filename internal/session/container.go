package session

import (
	"bytes"
	"context"
	"log"
	"os"
	"os/exec"
	"time"
)

// containerStopTimeout bounds the runtime shell-out during teardown.
const containerStopTimeout = 10 * time.Second

// stopContainer stops the session's container through the configured runtime
// CLI. Errors are transient: logged and ignored so teardown always proceeds.
func (s *Session) stopContainer() {
	if s.opts.Isolation != "container" || s.opts.ContainerName == "" {
		return
	}
	runtime := s.opts.ContainerRuntime
	if runtime == "" {
		runtime = "docker"
	}
	ctx, cancel := context.WithTimeout(context.Background(), containerStopTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, runtime, "stop", "--time", "5", s.opts.ContainerName)
	if out, err := cmd.CombinedOutput(); err != nil {
		log.Printf("session %s: stop container %s: %v (%s)", s.ID, s.opts.ContainerName, err, bytes.TrimSpace(out))
	}
}

// cleanupWorkspace removes the ephemeral bind-mount artifacts created for
// the session at spawn.
func (s *Session) cleanupWorkspace() {
	for _, p := range s.opts.EphemeralMounts {
		if p == "" || p == "/" {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			log.Printf("session %s: remove mount artifact %s: %v", s.ID, p, err)
		}
	}
}
