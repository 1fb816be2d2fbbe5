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

// Command mnat-egress runs an egress watcher client: it reads a join
// file naming global channels to request, and spawns translators that
// deliver each one onto its assigned local (S,G) (spec.md section 6).
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mnat.io/internal/logging"
	"mnat.io/internal/watcherclient"
)

func main() {
	logger := logging.Init("egress")

	var (
		server        = flag.String("server", "", "assignment server address (host:port)")
		joinFile      = flag.String("join-file", "/etc/mnat/egress-joins.txt", "egress join file path")
		inIface       = flag.String("iface-in", "", "upstream (global-facing) interface")
		outIface      = flag.String("iface-out", "", "site (local-facing) interface")
		joinHelperBin = flag.String("join-helper", "/usr/sbin/mnat-join", "path to the join helper binary")
		translateBin  = flag.String("translate-bin", "/usr/sbin/mnat-translate", "path to the translator child binary")
		insecure      = flag.Bool("insecure-skip-verify", false, "skip TLS certificate verification (testing only)")
	)
	flag.Parse()

	if *server == "" || *inIface == "" || *outIface == "" {
		logger.Log("op", "startup", "error", "must specify -server, -iface-in and -iface-out")
		os.Exit(1)
	}

	cfg := watcherclient.Config{
		Mode:             watcherclient.Egress,
		ServerAddr:       *server,
		TLSConfig:        &tls.Config{InsecureSkipVerify: *insecure},
		JoinFilePath:     *joinFile,
		InIface:          *inIface,
		OutIface:         *outIface,
		JoinHelperBin:    *joinHelperBin,
		TranslateBin:     *translateBin,
		TranslateTimeout: 30 * time.Second,
	}
	client := watcherclient.New(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		logger.Log("op", "shutdown", "msg", "starting shutdown")
		cancel()
	}()

	logger.Log("op", "startup", "server", *server, "join_file", *joinFile)
	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Log("op", "run", "error", err)
		os.Exit(1)
	}
	logger.Log("op", "shutdown", "msg", "done")
}
