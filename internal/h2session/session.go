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

// Package h2session is a hand-rolled HTTP/2 client built directly on
// golang.org/x/net/http2's Framer, instead of http2.Transport, so the
// watcher client can see and drive stream-level flow control, SETTINGS
// timing, and RST_STREAM itself (spec.md section 4.5).
package h2session

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"mnat.io/internal/mnat/wire"
)

// DeadThreshold is how stale a liveness timestamp may get, and how
// long the session must have been up, before it's considered dead
// (spec.md section 4.5).
const DeadThreshold = 20 * time.Second

// ReconnectBackoff is the fixed delay between reconnect attempts.
const ReconnectBackoff = 20 * time.Second

// initialWindowSize is the per-stream and per-connection receive window
// the client advertises; DATA frames enlarge it back by len(data) so it
// never stalls at this starting value (spec.md section 4.5).
const initialWindowSize = 65535

// Response is the accumulated result of one request/response stream.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

type pendingStream struct {
	status   int
	headers  http.Header
	body     bytes.Buffer
	done     chan Response
	errc     chan error
	sendWin  int32
	recvWin  int32
}

// Session owns one HTTP/2-over-TLS connection and multiplexes requests
// across it. Every exported method is safe for concurrent use.
type Session struct {
	logger log.Logger
	conn   net.Conn
	framer *http2.Framer

	encMu   sync.Mutex
	enc     *hpack.Encoder
	encBuf  bytes.Buffer

	writeMu sync.Mutex

	mu           sync.Mutex
	nextStreamID uint32
	streams      map[uint32]*pendingStream
	connSendWin  int32
	settingsAcked bool
	connectedAt  time.Time
	closed       bool

	lastRefreshTime    time.Time
	lastAssignCheckTime time.Time
}

// Dial opens a TLS connection to addr, sends the HTTP/2 preface and an
// initial SETTINGS frame, and starts the background read loop.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, logger log.Logger) (*Session, error) {
	dialer := &net.Dialer{}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("h2session: dialing %s: %w", addr, err)
	}
	cfg := tlsConfig.Clone()
	cfg.NextProtos = []string{"h2"}
	tlsConn := tls.Client(rawConn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("h2session: TLS handshake with %s: %w", addr, err)
	}

	if _, err := tlsConn.Write([]byte(http2.ClientPreface)); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("h2session: writing preface: %w", err)
	}

	s := &Session{
		logger:       logger,
		conn:         tlsConn,
		framer:       http2.NewFramer(tlsConn, tlsConn),
		streams:      make(map[uint32]*pendingStream),
		nextStreamID: 1,
		connSendWin:  initialWindowSize,
		connectedAt:  time.Now(),
	}
	s.enc = hpack.NewEncoder(&s.encBuf)

	if err := s.framer.WriteSettings(http2.Setting{ID: http2.SettingInitialWindowSize, Val: initialWindowSize}); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("h2session: writing SETTINGS: %w", err)
	}

	go s.readLoop()
	return s, nil
}

// Close tears down the connection; every outstanding request fails.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	for _, p := range s.streams {
		select {
		case p.errc <- io.ErrClosedPipe:
		default:
		}
	}
	s.mu.Unlock()
	return s.conn.Close()
}

// readLoop consumes frames until the connection closes; it's the only
// goroutine that calls framer.ReadFrame, so no locking is needed around
// reads themselves.
func (s *Session) readLoop() {
	for {
		f, err := s.framer.ReadFrame()
		if err != nil {
			s.failAllStreams(err)
			return
		}
		s.handleFrame(f)
	}
}

func (s *Session) handleFrame(f http2.Frame) {
	switch fr := f.(type) {
	case *http2.SettingsFrame:
		if fr.IsAck() {
			return
		}
		s.mu.Lock()
		s.settingsAcked = true
		s.mu.Unlock()
		s.writeMu.Lock()
		s.framer.WriteSettingsAck()
		s.writeMu.Unlock()

	case *http2.HeadersFrame:
		s.handleHeaders(fr)

	case *http2.DataFrame:
		s.handleData(fr)

	case *http2.WindowUpdateFrame:
		s.handleWindowUpdate(fr)

	case *http2.RSTStreamFrame:
		// RST_STREAM from the peer is fatal to the session (spec.md
		// section 4.5): the reference behavior stops the reactor rather
		// than attempting partial recovery.
		s.failAllStreams(fmt.Errorf("h2session: RST_STREAM on stream %d: %s", fr.StreamID, fr.ErrCode))
		s.conn.Close()

	case *http2.GoAwayFrame:
		s.failAllStreams(fmt.Errorf("h2session: GOAWAY: %s", fr.ErrCode))

	case *http2.PingFrame:
		if !fr.IsAck() {
			s.writeMu.Lock()
			s.framer.WritePing(true, fr.Data)
			s.writeMu.Unlock()
		}
	}
}

func (s *Session) handleHeaders(fr *http2.HeadersFrame) {
	s.mu.Lock()
	p, ok := s.streams[fr.StreamID]
	s.mu.Unlock()
	if !ok {
		return
	}

	dec := hpack.NewDecoder(4096, nil)
	fields, err := dec.DecodeFull(fr.HeaderBlockFragment())
	if err != nil {
		s.completeStream(fr.StreamID, Response{}, err)
		return
	}
	if p.headers == nil {
		p.headers = make(http.Header)
	}
	status := 0
	for _, f := range fields {
		if f.Name == ":status" {
			fmt.Sscanf(f.Value, "%d", &status)
			continue
		}
		p.headers.Add(f.Name, f.Value)
	}
	s.mu.Lock()
	p.status = status
	s.mu.Unlock()

	if fr.StreamEnded() {
		s.completeStream(fr.StreamID, Response{Status: status, Headers: p.headers, Body: p.body.Bytes()}, nil)
	}
}

func (s *Session) handleData(fr *http2.DataFrame) {
	data := fr.Data()
	s.mu.Lock()
	p, ok := s.streams[fr.StreamID]
	s.mu.Unlock()
	if ok {
		p.body.Write(data)
	}

	if len(data) > 0 {
		s.writeMu.Lock()
		s.framer.WriteWindowUpdate(0, uint32(len(data)))
		s.framer.WriteWindowUpdate(fr.StreamID, uint32(len(data)))
		s.writeMu.Unlock()
	}

	if fr.StreamEnded() && ok {
		s.completeStream(fr.StreamID, Response{Status: p.status, Headers: p.headers, Body: p.body.Bytes()}, nil)
	}
}

func (s *Session) handleWindowUpdate(fr *http2.WindowUpdateFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fr.StreamID == 0 {
		s.connSendWin += int32(fr.Increment)
		return
	}
	if p, ok := s.streams[fr.StreamID]; ok {
		p.sendWin += int32(fr.Increment)
	}
}

func (s *Session) completeStream(id uint32, resp Response, err error) {
	s.mu.Lock()
	p, ok := s.streams[id]
	if ok {
		delete(s.streams, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if err != nil {
		p.errc <- err
		return
	}
	p.done <- resp
}

func (s *Session) failAllStreams(err error) {
	s.mu.Lock()
	streams := s.streams
	s.streams = make(map[uint32]*pendingStream)
	s.mu.Unlock()
	for _, p := range streams {
		p.errc <- err
	}
}

// Do sends a request and blocks until the full response arrives, the
// session closes, or ctx is done. path is relative to wire.BasePath.
func (s *Session) Do(ctx context.Context, method, path string, body []byte) (Response, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Response{}, io.ErrClosedPipe
	}
	id := s.nextStreamID
	s.nextStreamID += 2
	p := &pendingStream{
		done:    make(chan Response, 1),
		errc:    make(chan error, 1),
		sendWin: initialWindowSize,
		recvWin: initialWindowSize,
	}
	s.streams[id] = p
	s.mu.Unlock()

	if err := s.writeRequest(id, method, path, body); err != nil {
		s.mu.Lock()
		delete(s.streams, id)
		s.mu.Unlock()
		return Response{}, err
	}

	select {
	case resp := <-p.done:
		return resp, nil
	case err := <-p.errc:
		return Response{}, err
	case <-ctx.Done():
		s.writeMu.Lock()
		s.framer.WriteRSTStream(id, http2.ErrCodeCancel)
		s.writeMu.Unlock()
		return Response{}, ctx.Err()
	}
}

func (s *Session) writeRequest(id uint32, method, path string, body []byte) error {
	s.encMu.Lock()
	s.encBuf.Reset()
	s.enc.WriteField(hpack.HeaderField{Name: ":method", Value: method})
	s.enc.WriteField(hpack.HeaderField{Name: ":scheme", Value: "https"})
	s.enc.WriteField(hpack.HeaderField{Name: ":path", Value: wire.BasePath + path})
	s.enc.WriteField(hpack.HeaderField{Name: "content-type", Value: wire.ContentType})
	block := append([]byte(nil), s.encBuf.Bytes()...)
	s.encMu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	endStream := len(body) == 0
	if err := s.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: block,
		EndHeaders:    true,
		EndStream:     endStream,
	}); err != nil {
		return fmt.Errorf("h2session: writing HEADERS: %w", err)
	}
	if !endStream {
		if err := s.framer.WriteData(id, true, body); err != nil {
			return fmt.Errorf("h2session: writing DATA: %w", err)
		}
	}
	return nil
}

// MarkRefresh records that a refresh-watcher-id response was just
// processed, for the liveness check in CheckLiveness.
func (s *Session) MarkRefresh(now time.Time) {
	s.mu.Lock()
	s.lastRefreshTime = now
	s.mu.Unlock()
}

// MarkAssignCheck records that an assigned-channels response was just
// processed.
func (s *Session) MarkAssignCheck(now time.Time) {
	s.mu.Lock()
	s.lastAssignCheckTime = now
	s.mu.Unlock()
}

// IsDead reports whether the session should be torn down per spec.md
// section 4.5's liveness rule.
func (s *Session) IsDead(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.connectedAt) < DeadThreshold {
		return false
	}
	refreshStale := s.lastRefreshTime.IsZero() || now.Sub(s.lastRefreshTime) > DeadThreshold
	assignStale := s.lastAssignCheckTime.IsZero() || now.Sub(s.lastAssignCheckTime) > DeadThreshold
	return refreshStale || assignStale
}

// WatcherIDStale reports whether the watcher id associated with
// lastRefresh is old enough (3x DeadThreshold beyond a refresh) that it
// should be discarded rather than reused after reconnect.
func (s *Session) WatcherIDStale(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRefreshTime.IsZero() {
		return false
	}
	return now.Sub(s.lastRefreshTime) > 3*DeadThreshold
}
