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

// Command mnat-translate is the translator child a TranslateManager
// spawns for one (global, local) pair (spec.md section 6). It runs the
// capture/inject pipeline for its lifetime, holds a join on its input
// (S,G) via a join-helper child unless told not to, and exits if it
// stops receiving liveness pings from its parent.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"mnat.io/internal/capture"
	"mnat.io/internal/joinhelper"
	"mnat.io/internal/logging"
	"mnat.io/internal/mnat"
)

func main() {
	logger := logging.Init("translate")

	var (
		ifaceIn       = flag.String("iface-in", "", "input interface")
		ifaceOut      = flag.String("iface-out", "", "output interface")
		srcIn         = flag.String("src-in", "-", "input source address, or - for any-source")
		grpIn         = flag.String("grp-in", "", "input group address")
		srcOut        = flag.String("src-out", "-", "output source address, or - for any-source")
		grpOut        = flag.String("grp-out", "", "output group address")
		timeoutSecs   = flag.Int("timeout", 0, "exit if no SIGUSR1 liveness ping is received in this many seconds (0 disables)")
		noJoin        = flag.Bool("no-join", false, "do not spawn the join helper child")
		joinHelperBin = flag.String("join-helper", "/usr/sbin/mnat-join", "path to the join helper binary")
	)
	flag.Parse()

	if *ifaceIn == "" || *ifaceOut == "" || *grpIn == "" || *grpOut == "" {
		logger.Log("op", "startup", "error", "must specify -iface-in, -iface-out, -grp-in and -grp-out")
		os.Exit(2)
	}

	inSG, err := sgFromFlags(*srcIn, *grpIn)
	if err != nil {
		logger.Log("op", "startup", "error", err)
		os.Exit(2)
	}
	outSG, err := sgFromFlags(*srcOut, *grpOut)
	if err != nil {
		logger.Log("op", "startup", "error", err)
		os.Exit(2)
	}

	pipeline, err := capture.New(*ifaceIn, *ifaceOut, inSG, outSG, logger)
	if err != nil {
		logger.Log("op", "startup", "error", err, "msg", "failed to open capture pipeline")
		os.Exit(1)
	}

	var sup *joinhelper.Supervisor
	if !*noJoin {
		sup, err = joinhelper.Start(*joinHelperBin, *ifaceIn, inSG, logger)
		if err != nil {
			logger.Log("op", "startup", "error", err, "msg", "failed to start join helper")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	var lastPing int64
	now := time.Now().Unix()
	atomic.StoreInt64(&lastPing, now)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR1)
	go func() {
		for sig := range sigc {
			switch sig {
			case syscall.SIGUSR1:
				atomic.StoreInt64(&lastPing, time.Now().Unix())
			default:
				logger.Log("op", "shutdown", "signal", sig.String())
				cancel()
				return
			}
		}
	}()

	if *timeoutSecs > 0 {
		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if time.Now().Unix()-atomic.LoadInt64(&lastPing) > int64(*timeoutSecs) {
						logger.Log("op", "liveness_timeout", "timeout_s", *timeoutSecs)
						cancel()
						return
					}
				}
			}
		}()
	}

	logger.Log("op", "startup", "in", inSG.String(), "out", outSG.String(), "iface_in", *ifaceIn, "iface_out", *ifaceOut)
	err = pipeline.Run(ctx)

	if sup != nil {
		sup.Stop()
	}
	signal.Stop(sigc)

	if err != nil && ctx.Err() == nil {
		logger.Log("op", "run", "error", err)
		os.Exit(1)
	}
	logger.Log("op", "shutdown", "msg", "done")
}

func sgFromFlags(src, grp string) (mnat.SG, error) {
	g := net.ParseIP(grp)
	if g == nil {
		return mnat.SG{}, fmt.Errorf("invalid group address %q", grp)
	}
	sg := mnat.SG{Group: mnat.Normalize(g)}
	if src != "-" {
		s := net.ParseIP(src)
		if s == nil {
			return mnat.SG{}, fmt.Errorf("invalid source address %q", src)
		}
		sg.Source = mnat.Normalize(s)
	}
	return sg, nil
}
