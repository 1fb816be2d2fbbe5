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

// Package capture binds the translator to its input and output
// interfaces: a raw AF_PACKET capture socket on the input side, filtered
// to the configured global (S,G), and a raw IP socket on the output side
// (spec.md section 4.3).
package capture

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/mdlayher/packet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vishvananda/netlink"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"

	"mnat.io/internal/mnat"
	"mnat.io/internal/translate"
)

const (
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86DD
	ethHeaderLen  = 14
)

var (
	pktsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mnat_translator_packets_total",
		Help: "Packets observed by the capture pipeline, by outcome.",
	}, []string{"iface", "outcome"})
)

func init() {
	prometheus.MustRegister(pktsCounter)
}

// Pipeline reads multicast UDP packets from an input interface, runs them
// through a translate.Translator, and writes the result out a raw socket
// bound to the output interface.
type Pipeline struct {
	logger     log.Logger
	inIface    string
	outIface   string
	inSG       mnat.SG
	outSG      mnat.SG
	translator *translate.Translator

	capConn *packet.Conn
	outConn net.PacketConn

	pkts  uint64
	sent  uint64
	drops uint64
}

// New resolves both interfaces and opens the capture and inject sockets.
// It does not start reading; call Run for that.
func New(inIface, outIface string, inSG, outSG mnat.SG, logger log.Logger) (*Pipeline, error) {
	// net.ParseIP (and callers passing addresses through without going via
	// mnat.ParseSG) can hand us 16-byte v4-in-v6 forms; translate.New
	// infers family from slice length, so every address crossing into it
	// has to be in its shortest canonical form first.
	inSG.Source, inSG.Group = mnat.Normalize(inSG.Source), mnat.Normalize(inSG.Group)
	outSG.Source, outSG.Group = mnat.Normalize(outSG.Source), mnat.Normalize(outSG.Group)

	if _, err := netlink.LinkByName(inIface); err != nil {
		return nil, fmt.Errorf("capture: resolving input interface %s: %w", inIface, err)
	}
	outLink, err := netlink.LinkByName(outIface)
	if err != nil {
		return nil, fmt.Errorf("capture: resolving output interface %s: %w", outIface, err)
	}

	netIn, err := net.InterfaceByName(inIface)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}

	// ETH_P_ALL: mdlayher/packet applies the necessary host/network byte
	// order conversion internally, so the protocol constant is passed as
	// the kernel defines it, not pre-swapped. Family-level filtering
	// happens in the BPF program plus handleFrame below.
	const ethPAll = 0x0003
	capConn, err := packet.Listen(netIn, packet.Raw, ethPAll, nil)
	if err != nil {
		return nil, fmt.Errorf("capture: opening capture socket on %s: %w", inIface, err)
	}
	if prog, err := bpfFilterFor(inSG); err == nil {
		_ = capConn.SetBPF(prog)
	}

	outConn, err := openOutputSocket(outSG, outLink.Attrs().Name)
	if err != nil {
		capConn.Close()
		return nil, err
	}

	return &Pipeline{
		logger:     logger,
		inIface:    inIface,
		outIface:   outIface,
		inSG:       inSG,
		outSG:      outSG,
		translator: translate.New(inSG.Source, inSG.Group, outSG.Source, outSG.Group),
		capConn:    capConn,
		outConn:    outConn,
	}, nil
}

// bpfFilterFor compiles a minimal classic-BPF program that accepts only
// IPv4 or IPv6 frames; address-level matching still happens in Go once a
// packet is parsed, since a from-scratch BPF program that matches
// multicast (S,G) pairs at arbitrary header offsets needs per-family
// instruction sequences the kernel verifier is picky about. This is the
// same "coarse kernel filter, precise userspace filter" split used by
// packet capture tools built on golang.org/x/net/bpf.
func bpfFilterFor(sg mnat.SG) ([]bpf.RawInstruction, error) {
	raw, err := bpf.Assemble([]bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2}, // EtherType
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeIPv4, SkipTrue: 1},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: etherTypeIPv6, SkipTrue: 0, SkipFalse: 1},
		bpf.RetConstant{Val: 262144},
		bpf.RetConstant{Val: 0},
	})
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// openOutputSocket opens a raw IP socket in header-included mode: the
// translator already built a complete IP header (with incrementally
// patched checksums, preserved TTL/hop limit, and so on), and a plain
// "ip4:udp"/"ip6:udp" socket would have the kernel prepend a second,
// kernel-built IP header around that instead of using it, nesting one IP
// packet inside another. IP(V6)_HDRINCL tells the kernel to take the
// bytes handed to WriteTo as the complete packet and handle only Layer-2
// framing itself, matching spec.md section 4.3.
func openOutputSocket(outSG mnat.SG, ifaceName string) (net.PacketConn, error) {
	network := "ip4:255"
	if outSG.IsV6() {
		network = "ip6:255"
	}
	conn, err := net.ListenIP(network, &net.IPAddr{})
	if err != nil {
		return nil, fmt.Errorf("capture: opening output socket on %s: %w", ifaceName, err)
	}
	if err := setHeaderInclude(conn, outSG.IsV6()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("capture: enabling header-included mode on %s: %w", ifaceName, err)
	}
	return conn, nil
}

func setHeaderInclude(conn *net.IPConn, v6 bool) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		if v6 {
			sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_HDRINCL, 1)
		} else {
			sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_HDRINCL, 1)
		}
	}); err != nil {
		return err
	}
	return sockErr
}

// Run reads and translates packets until ctx is canceled. It logs a
// heartbeat with the current counters every 3 seconds, per spec.md
// section 4.3.
func (p *Pipeline) Run(ctx context.Context) error {
	heartbeat := time.NewTicker(3 * time.Second)
	defer heartbeat.Stop()

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		p.capConn.Close()
		p.outConn.Close()
		close(done)
	}()

	buf := make([]byte, 65536)
	for {
		select {
		case <-done:
			return ctx.Err()
		case <-heartbeat.C:
			if p.logger != nil {
				p.logger.Log("op", "heartbeat", "pkts", atomic.LoadUint64(&p.pkts),
					"sent", atomic.LoadUint64(&p.sent), "drops", atomic.LoadUint64(&p.drops))
			}
		default:
		}

		_ = p.capConn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := p.capConn.ReadFrom(buf)
		if err != nil {
			select {
			case <-done:
				return ctx.Err()
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if p.logger != nil {
				p.logger.Log("op", "capture_read", "error", err)
			}
			continue
		}
		p.handleFrame(buf[:n])
	}
}

func (p *Pipeline) handleFrame(frame []byte) {
	atomic.AddUint64(&p.pkts, 1)
	if len(frame) <= ethHeaderLen {
		atomic.AddUint64(&p.drops, 1)
		pktsCounter.WithLabelValues(p.inIface, "drop").Inc()
		return
	}
	etherType := binary.BigEndian.Uint16(frame[12:14])
	if etherType != etherTypeIPv4 && etherType != etherTypeIPv6 {
		return
	}
	ipPkt := frame[ethHeaderLen:]

	srcOff, grpOff, addrLen := 12, 16, 4
	if p.inSG.IsV6() {
		srcOff, grpOff, addrLen = 8, 24, 16
	}
	if len(ipPkt) < grpOff+addrLen || !bytes.Equal(ipPkt[grpOff:grpOff+addrLen], p.inSG.Group) ||
		(p.inSG.Source != nil && !bytes.Equal(ipPkt[srcOff:srcOff+addrLen], p.inSG.Source)) {
		return
	}

	out, ok := p.translator.Translate(ipPkt)
	if !ok {
		atomic.AddUint64(&p.drops, 1)
		pktsCounter.WithLabelValues(p.inIface, "drop").Inc()
		return
	}
	if err := p.send(out); err != nil {
		atomic.AddUint64(&p.drops, 1)
		pktsCounter.WithLabelValues(p.outIface, "send_error").Inc()
		if p.logger != nil {
			p.logger.Log("op", "inject", "error", err)
		}
		return
	}
	atomic.AddUint64(&p.sent, 1)
	pktsCounter.WithLabelValues(p.outIface, "sent").Inc()
}

func (p *Pipeline) send(ipPkt []byte) error {
	addr := &net.IPAddr{IP: p.outSG.Group}
	_, err := p.outConn.WriteTo(ipPkt, addr)
	return err
}

// Stats returns the current counter values.
func (p *Pipeline) Stats() (pkts, sent, drops uint64) {
	return atomic.LoadUint64(&p.pkts), atomic.LoadUint64(&p.sent), atomic.LoadUint64(&p.drops)
}
