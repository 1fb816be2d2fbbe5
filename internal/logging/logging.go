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

// Package logging sets up structured logging in a uniform way for every
// long-running MNAT process (server, egress, ingress).
package logging

import (
	"os"
	"time"

	"github.com/go-kit/kit/log"
)

// Init returns a logger configured with common settings: a component tag
// and a timestamp on every line. component is something like "server",
// "egress", or "ingress" and ends up as the "component" key on every
// logged line.
func Init(component string) log.Logger {
	l := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	l = log.With(l, "ts", log.TimestampFormat(time.Now, time.RFC3339Nano), "component", component)
	return l
}
