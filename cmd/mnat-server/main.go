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

// Command mnat-server runs the central assignment engine and its HTTP/2
// wire-protocol endpoint (spec.md section 4.9).
package main

import (
	"crypto/tls"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/net/http2"

	"mnat.io/internal/engine"
	"mnat.io/internal/logging"
	"mnat.io/internal/poolconfig"
	"mnat.io/internal/serverapi"
)

func main() {
	logger := logging.Init("server")

	var (
		listen   = flag.String("listen", ":8443", "HTTPS listen address")
		certFile = flag.String("cert", "", "TLS certificate file")
		keyFile  = flag.String("key", "", "TLS key file")
		poolPath = flag.String("pool", "", "pool config file (defaults to $MNAT_POOL or "+poolconfig.DefaultPath+")")
		strict   = flag.Bool("strict", true, "reject an invalid pool config instead of loading it with warnings")
	)
	flag.Parse()

	path := *poolPath
	if path == "" {
		path = poolconfig.Path()
	}
	cfg, warnings, err := poolconfig.Load(path, *strict)
	if err != nil {
		logger.Log("op", "startup", "error", err, "msg", "failed to load pool config")
		os.Exit(1)
	}
	for _, w := range warnings {
		logger.Log("op", "pool_config", "warning", w)
	}

	eng := engine.New(cfg.Ranges, logger)
	srv := serverapi.New(eng, logger)

	httpSrv := &http.Server{
		Addr:    *listen,
		Handler: srv,
	}
	if err := http2.ConfigureServer(httpSrv, &http2.Server{}); err != nil {
		logger.Log("op", "startup", "error", err, "msg", "failed to configure HTTP/2")
		os.Exit(1)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		logger.Log("op", "shutdown", "msg", "starting shutdown")
		httpSrv.Close()
	}()

	if *certFile == "" || *keyFile == "" {
		logger.Log("op", "startup", "error", "must specify -cert and -key")
		os.Exit(1)
	}
	httpSrv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}

	logger.Log("op", "startup", "listen", *listen, "pool", path)
	if err := httpSrv.ListenAndServeTLS(*certFile, *keyFile); err != nil && err != http.ErrServerClosed {
		logger.Log("op", "serve", "error", err)
		os.Exit(1)
	}
	logger.Log("op", "shutdown", "msg", "done")
}
