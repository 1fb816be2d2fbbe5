// Copyright 2024 The MNAT Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package joinhelper supervises the child process that keeps a
// source-specific multicast join active on the translator's input
// interface for as long as the translator lives (spec.md section 4.4).
package joinhelper

import (
	"fmt"
	"net"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"

	"mnat.io/internal/mnat"
)

// StopGrace is how long the supervisor waits after SIGTERM before it
// force-kills the join helper child.
const StopGrace = 3 * time.Second

// Supervisor owns one join-helper child process for the lifetime of a
// translator.
type Supervisor struct {
	logger log.Logger
	cmd    *exec.Cmd

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

// Start spawns the join helper binary bound to iface, holding a
// source-specific join for sg until Stop is called.
func Start(binPath, iface string, sg mnat.SG, logger log.Logger) (*Supervisor, error) {
	cmd := exec.Command(binPath,
		"--iface", iface,
		"--src", addrOrDash(sg.Source),
		"--grp", sg.Group.String(),
	)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("joinhelper: starting %s: %w", binPath, err)
	}

	s := &Supervisor{logger: logger, cmd: cmd, done: make(chan struct{})}
	go func() {
		cmd.Wait()
		close(s.done)
	}()
	return s, nil
}

func addrOrDash(ip net.IP) string {
	if ip == nil {
		return "-"
	}
	return ip.String()
}

// Stop signals the child to exit, waits up to StopGrace, then force-kills
// it. It's safe to call more than once.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if s.logger != nil {
			s.logger.Log("op", "joinhelper_stop", "error", err)
		}
	}

	select {
	case <-s.done:
		return nil
	case <-time.After(StopGrace):
	}

	if err := s.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("joinhelper: force-killing child: %w", err)
	}
	<-s.done
	return nil
}
