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

// Package child implements the join helper process's body: hold a
// source-specific multicast join open until told to stop. It's run from
// cmd/mnat-join, a separate binary so the translator's process doesn't
// need the CAP_NET_RAW-adjacent privileges of group membership management
// beyond what spawning this child requires.
package child

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"mnat.io/internal/mnat"
)

// Run joins sg (source-specific if sg.Source is non-nil, any-source
// otherwise) on iface and blocks until ctx is done, at which point it
// leaves the group before returning.
func Run(ctx context.Context, iface string, sg mnat.SG) error {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return fmt.Errorf("joinhelper child: resolving interface %s: %w", iface, err)
	}

	if sg.IsV6() {
		return run6(ctx, ifi, sg)
	}
	return run4(ctx, ifi, sg)
}

func run4(ctx context.Context, ifi *net.Interface, sg mnat.SG) error {
	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return fmt.Errorf("joinhelper child: opening v4 socket: %w", err)
	}
	defer conn.Close()

	p := ipv4.NewPacketConn(conn)
	grp := &net.UDPAddr{IP: sg.Group}
	if sg.Source != nil {
		if err := p.JoinSourceSpecificGroup(ifi, grp, &net.UDPAddr{IP: sg.Source}); err != nil {
			return fmt.Errorf("joinhelper child: joining %s on %s: %w", sg, ifi.Name, err)
		}
		defer p.LeaveSourceSpecificGroup(ifi, grp, &net.UDPAddr{IP: sg.Source})
	} else {
		if err := p.JoinGroup(ifi, grp); err != nil {
			return fmt.Errorf("joinhelper child: joining %s on %s: %w", sg, ifi.Name, err)
		}
		defer p.LeaveGroup(ifi, grp)
	}

	<-ctx.Done()
	return nil
}

func run6(ctx context.Context, ifi *net.Interface, sg mnat.SG) error {
	conn, err := net.ListenPacket("udp6", "[::]:0")
	if err != nil {
		return fmt.Errorf("joinhelper child: opening v6 socket: %w", err)
	}
	defer conn.Close()

	p := ipv6.NewPacketConn(conn)
	grp := &net.UDPAddr{IP: sg.Group}
	if sg.Source != nil {
		if err := p.JoinSourceSpecificGroup(ifi, grp, &net.UDPAddr{IP: sg.Source}); err != nil {
			return fmt.Errorf("joinhelper child: joining %s on %s: %w", sg, ifi.Name, err)
		}
		defer p.LeaveSourceSpecificGroup(ifi, grp, &net.UDPAddr{IP: sg.Source})
	} else {
		if err := p.JoinGroup(ifi, grp); err != nil {
			return fmt.Errorf("joinhelper child: joining %s on %s: %w", sg, ifi.Name, err)
		}
		defer p.LeaveGroup(ifi, grp)
	}

	<-ctx.Done()
	return nil
}
