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

// Command mnat-join is spawned by a translator to hold one
// source-specific (or any-source) multicast join open on an interface
// until signaled to stop (spec.md section 4.4). It is deliberately a
// separate binary so the translator process itself never needs group
// membership privileges beyond what starting this child requires.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"mnat.io/internal/joinhelper/child"
	"mnat.io/internal/mnat"
)

func main() {
	var (
		iface = flag.String("iface", "", "interface to join on")
		src   = flag.String("src", "-", "source address, or - for any-source multicast")
		grp   = flag.String("grp", "", "multicast group address")
	)
	flag.Parse()

	if *iface == "" || *grp == "" {
		os.Stderr.WriteString("mnat-join: must specify -iface and -grp\n")
		os.Exit(2)
	}

	sg := mnat.SG{Group: net.ParseIP(*grp)}
	if sg.Group == nil {
		os.Stderr.WriteString("mnat-join: invalid -grp address\n")
		os.Exit(2)
	}
	if *src != "-" {
		sg.Source = net.ParseIP(*src)
		if sg.Source == nil {
			os.Stderr.WriteString("mnat-join: invalid -src address\n")
			os.Exit(2)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	if err := child.Run(ctx, *iface, sg); err != nil {
		os.Stderr.WriteString("mnat-join: " + err.Error() + "\n")
		os.Exit(1)
	}
}
