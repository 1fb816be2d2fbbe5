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

// Package watcherclient drives the get-new-watcher-id / refresh / poll
// state machine against the assignment server and reconciles the result
// against a running set of translators (spec.md section 4.6).
package watcherclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"

	"mnat.io/internal/exportfile"
	"mnat.io/internal/h2session"
	"mnat.io/internal/joinfile"
	"mnat.io/internal/mnat"
	"mnat.io/internal/mnat/wire"
)

// translateChildStopGrace mirrors joinhelper.StopGrace: how long a
// TranslateManager waits after SIGTERM before force-killing its
// translator child (spec.md section 6, "child process stop grace").
const translateChildStopGrace = 3 * time.Second

// Mode distinguishes an egress watcher (subscribes to a join file,
// rewrites global to local) from an ingress watcher (subscribes to
// source prefixes, rewrites local to global).
type Mode int

const (
	// Egress watchers read a join file and ask the server for local
	// assignments of the global channels it names.
	Egress Mode = iota
	// Ingress watchers register fixed monitors (0.0.0.0/0 and ::/0, by
	// default) and export every assignment the server hands back.
	Ingress
)

func (m Mode) String() string {
	if m == Ingress {
		return "ingress"
	}
	return "egress"
}

// PollInterval is how often an established watcher re-checks its
// assigned-channels view.
const PollInterval = 10 * time.Second

// RefreshInterval is how often the watcher id is refreshed, well inside
// the server's DefaultTimeoutDuration.
const RefreshInterval = 20 * time.Second

// Config configures one watcher client process.
type Config struct {
	Mode       Mode
	ServerAddr string
	TLSConfig  *tls.Config

	// JoinFilePath is read by Egress watchers.
	JoinFilePath string
	// ExportFilePath is (re)written by Ingress watchers on every poll.
	ExportFilePath string
	// Monitors is the fixed set of source prefixes an Ingress watcher
	// registers; typically 0.0.0.0/0 and ::/0.
	Monitors []wire.SourcePrefix

	// InIface/OutIface name the interfaces a spawned translator binds to.
	// For Egress, In faces upstream (global) and Out faces the site
	// (local). For Ingress it's the reverse.
	InIface, OutIface string
	// JoinHelperBin is the path to the join-helper child binary, passed
	// through to each translator child.
	JoinHelperBin string
	// TranslateBin is the path to the translator child binary.
	TranslateBin string
	// TranslateTimeout bounds how long a translator child waits for a
	// liveness ping before exiting on its own; 0 disables the check.
	TranslateTimeout time.Duration
}

// Client owns one watcher id and the set of TranslateManagers it has
// spawned to realize the server's current assignment view.
type Client struct {
	cfg    Config
	logger log.Logger

	sess      *h2session.Session
	watcherID string

	managers map[string]*translateManager // keyed by Mapping.Global.String()
}

// New constructs a Client; call Run to connect and drive it.
func New(cfg Config, logger log.Logger) *Client {
	return &Client{
		cfg:      cfg,
		logger:   logger,
		managers: make(map[string]*translateManager),
	}
}

// Run connects, registers a watcher id, and loops until ctx is done,
// reconnecting on session death per spec.md section 4.5's reconnect
// policy. It returns only when ctx is done; every other error, including
// a failure to register the watcher id, is logged and followed by a new
// connection attempt after h2session.ReconnectBackoff.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := c.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Log("op", "watcherclient_session", "error", err)
		}
		select {
		case <-ctx.Done():
			c.stopAll()
			return ctx.Err()
		case <-time.After(h2session.ReconnectBackoff):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	prev := c.sess
	sess, err := h2session.Dial(ctx, c.cfg.ServerAddr, c.cfg.TLSConfig, c.logger)
	if err != nil {
		return fmt.Errorf("watcherclient: dial: %w", err)
	}
	defer sess.Close()
	c.sess = sess

	now := time.Now()
	if c.watcherID == "" || (prev != nil && prev.WatcherIDStale(now)) {
		id, err := c.getNewWatcherID(ctx)
		if err != nil {
			return fmt.Errorf("watcherclient: get-new-watcher-id: %w", err)
		}
		c.watcherID = id
	}
	sess.MarkRefresh(now)
	sess.MarkAssignCheck(now)

	var joinCh <-chan []mnat.SG
	if c.cfg.Mode == Egress {
		jw, err := joinfile.New(c.cfg.JoinFilePath, c.logger)
		if err != nil {
			return fmt.Errorf("watcherclient: watching join file: %w", err)
		}
		innerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go jw.Run(innerCtx)
		joinCh = jw.C()
	} else {
		if err := c.registerMonitors(ctx); err != nil {
			return fmt.Errorf("watcherclient: ingress-watching: %w", err)
		}
	}

	refresh := time.NewTicker(RefreshInterval)
	defer refresh.Stop()
	poll := time.NewTicker(PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case sgs := <-joinCh:
			if err := c.setSubscribedSGs(ctx, sgs); err != nil {
				c.logger.Log("op", "egress_global_joined", "error", err)
			}

		case <-refresh.C:
			if err := c.refreshWatcherID(ctx); err != nil {
				return fmt.Errorf("watcherclient: refresh: %w", err)
			}

		case <-poll.C:
			if err := c.pollAndReconcile(ctx); err != nil {
				c.logger.Log("op", "poll_assigned_channels", "error", err)
			}
			if sess.IsDead(time.Now()) {
				return fmt.Errorf("watcherclient: session liveness expired")
			}
		}
	}
}

func (c *Client) getNewWatcherID(ctx context.Context) (string, error) {
	resp, err := c.sess.Do(ctx, "POST", "/operations/get-new-watcher-id", nil)
	if err != nil {
		return "", err
	}
	var body wire.NewWatcherIDResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if body.WatcherID == "" {
		return "", fmt.Errorf("server returned empty watcher id")
	}
	return body.WatcherID, nil
}

func (c *Client) refreshWatcherID(ctx context.Context) error {
	payload, _ := json.Marshal(wire.RefreshWatcherIDRequest{WatcherID: c.watcherID})
	_, err := c.sess.Do(ctx, "POST", "/operations/refresh-watcher-id", payload)
	if err != nil {
		return err
	}
	c.sess.MarkRefresh(time.Now())
	return nil
}

func (c *Client) setSubscribedSGs(ctx context.Context, sgs []mnat.SG) error {
	req := wire.EgressGlobalJoinedRequest{WatcherID: c.watcherID, SGs: make([]wire.SG, len(sgs))}
	for i, sg := range sgs {
		req.SGs[i] = sgToWire(sg)
	}
	payload, _ := json.Marshal(req)
	_, err := c.sess.Do(ctx, "PUT", "/egress-global-joined/watcher="+c.watcherID, payload)
	return err
}

func (c *Client) registerMonitors(ctx context.Context) error {
	monitors := c.cfg.Monitors
	if len(monitors) == 0 {
		monitors = []wire.SourcePrefix{
			{MonitorID: "all-v4", Prefix: "0.0.0.0/0"},
			{MonitorID: "all-v6", Prefix: "::/0"},
		}
	}
	req := wire.IngressWatchingRequest{WatcherID: c.watcherID, Monitors: monitors}
	payload, _ := json.Marshal(req)
	_, err := c.sess.Do(ctx, "PUT", "/ingress-watching/watcher="+c.watcherID, payload)
	return err
}

func (c *Client) pollAndReconcile(ctx context.Context) error {
	resp, err := c.sess.Do(ctx, "GET", "/data/ietf-mnat:assigned-channels/watcher="+c.watcherID, nil)
	if err != nil {
		return err
	}
	c.sess.MarkAssignCheck(time.Now())

	var view wire.AssignedChannelsResponse
	if err := json.Unmarshal(resp.Body, &view); err != nil {
		// spec.md section 4.6/7(d): a malformed poll response discards the
		// watcher id and re-registers, rather than retrying the same id.
		c.watcherID = ""
		id, rerr := c.getNewWatcherID(ctx)
		if rerr != nil {
			return fmt.Errorf("decoding assigned-channels: %w (re-register failed: %v)", err, rerr)
		}
		c.watcherID = id
		return fmt.Errorf("decoding assigned-channels: %w (re-registered watcher id)", err)
	}

	mappings := make(map[string]mnat.Mapping, len(view.Channels))
	for _, ch := range view.Channels {
		m := mnat.Mapping{Global: sgFromWire(ch.SG)}
		switch ch.State {
		case mnat.Assigned.String():
			m.State = mnat.Assigned
		case mnat.AssignedASM.String():
			m.State = mnat.AssignedASM
		default:
			m.State = mnat.Unassigned
		}
		if ch.Local != nil {
			m.Local = sgFromWire(*ch.Local)
		}
		mappings[m.Global.String()] = m
	}

	c.reconcile(mappings)

	if c.cfg.Mode == Ingress {
		active := make([]mnat.SG, 0, len(mappings))
		for _, m := range mappings {
			if m.State != mnat.Unassigned {
				active = append(active, m.Global)
			}
		}
		if err := exportfile.Write(c.cfg.ExportFilePath, active); err != nil {
			c.logger.Log("op", "export_file_write", "error", err)
		}
	}
	return nil
}

// reconcile implements the Added/Removed/Kept split of spec.md section
// 4.6: a mapping whose local assignment is unchanged keeps its running
// TranslateManager (and gets a liveness ping); an Added mapping that is
// still Unassigned gets a pending manager with no spawned child, tracked
// until the server actually hands out a local pair (spec.md section 4.6
// "Added" case, scenario 6's "manager for C is created in pending
// state"); anything else is stopped and, if still assigned, restarted
// with the new local pair.
func (c *Client) reconcile(mappings map[string]mnat.Mapping) {
	for key, mgr := range c.managers {
		m, ok := mappings[key]
		if ok && m.State == mnat.Unassigned && mgr.pending {
			continue
		}
		if ok && m.State != mnat.Unassigned && m.SameLocal(mgr.mapping) {
			mgr.ping(c.logger)
			continue
		}
		mgr.stop(c.logger)
		delete(c.managers, key)
	}

	for key, m := range mappings {
		if _, tracked := c.managers[key]; tracked {
			continue
		}
		if m.State == mnat.Unassigned {
			c.managers[key] = &translateManager{mapping: m, pending: true}
			continue
		}
		mgr, err := c.startManager(m)
		if err != nil {
			c.logger.Log("op", "start_translator", "global", m.Global.String(), "error", err)
			continue
		}
		c.managers[key] = mgr
	}
}

// startManager spawns a translator child for m. For Egress, the child
// rewrites global (the input) to local (the output); for Ingress it's
// the reverse, per spec.md section 4.1's TranslateManager direction.
func (c *Client) startManager(m mnat.Mapping) (*translateManager, error) {
	var inSG, outSG mnat.SG
	if c.cfg.Mode == Egress {
		inSG, outSG = m.Global, m.Local
	} else {
		inSG, outSG = m.Local, m.Global
	}

	args := []string{
		"--iface-in", c.cfg.InIface,
		"--iface-out", c.cfg.OutIface,
		"--src-in", addrOrDash(inSG.Source),
		"--grp-in", inSG.Group.String(),
		"--src-out", addrOrDash(outSG.Source),
		"--grp-out", outSG.Group.String(),
		"--join-helper", c.cfg.JoinHelperBin,
	}
	if c.cfg.TranslateTimeout > 0 {
		args = append(args, "--timeout", strconv.Itoa(int(c.cfg.TranslateTimeout.Seconds())))
	}

	cmd := exec.Command(c.cfg.TranslateBin, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting translator child: %w", err)
	}

	mgr := &translateManager{mapping: m, cmd: cmd, done: make(chan struct{})}
	go func() {
		cmd.Wait()
		close(mgr.done)
	}()
	return mgr, nil
}

func (c *Client) stopAll() {
	for key, mgr := range c.managers {
		mgr.stop(c.logger)
		delete(c.managers, key)
	}
}

func addrOrDash(ip net.IP) string {
	if ip == nil {
		return "-"
	}
	return ip.String()
}

// translateManager owns the spawned translator child for one global
// (S,G), per spec.md section 4.1's "handle to the spawned translator
// child". A manager tracking an Unassigned mapping is pending: it has no
// child process yet, and ping/stop are no-ops on it.
type translateManager struct {
	mapping mnat.Mapping
	pending bool
	cmd     *exec.Cmd

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

// ping sends SIGUSR1, resetting the child's inactivity timer, per
// spec.md section 6's "refreshed (liveness ping) on every poll cycle
// when unchanged".
func (t *translateManager) ping(logger log.Logger) {
	if t.pending {
		return
	}
	if err := t.cmd.Process.Signal(syscall.SIGUSR1); err != nil && logger != nil {
		logger.Log("op", "translator_ping", "error", err)
	}
}

// stop signals the child to exit, waits up to translateChildStopGrace,
// then force-kills it. Safe to call more than once. A pending manager has
// no child to stop.
func (t *translateManager) stop(logger log.Logger) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()

	if t.pending {
		return
	}

	if err := t.cmd.Process.Signal(syscall.SIGTERM); err != nil && logger != nil {
		logger.Log("op", "translator_stop", "error", err)
	}
	select {
	case <-t.done:
		return
	case <-time.After(translateChildStopGrace):
	}
	if err := t.cmd.Process.Kill(); err != nil && logger != nil {
		logger.Log("op", "translator_kill", "error", err)
	}
	<-t.done
}

func sgToWire(sg mnat.SG) wire.SG {
	w := wire.SG{Group: sg.Group.String()}
	if sg.Source != nil {
		w.Source = sg.Source.String()
	}
	return w
}

func sgFromWire(w wire.SG) mnat.SG {
	var src net.IP
	if w.Source != "" {
		src = net.ParseIP(w.Source)
	}
	return mnat.SG{Source: src, Group: net.ParseIP(w.Group)}
}
