// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package streaming provides the executor's control channel: a
// loopback-only WebSocket endpoint through which a local peer can ask a
// running jobscript to shut down or abort.
package streaming

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ezrah/flowengine/pkg/auth"
	"github.com/ezrah/flowengine/pkg/logging"
)

// Signal is a control message received from a peer.
type Signal string

const (
	// SignalShutdown asks the control channel to stop listening; the
	// running child is left alone.
	SignalShutdown Signal = "shutdown"

	// SignalAbort asks the executor to terminate the running child.
	SignalAbort Signal = "abort"
)

// ControlChannel is a single-use control endpoint for one running
// jobscript. It binds to an ephemeral loopback port; the port number is
// injected into the child environment so cooperating tools can find it.
type ControlChannel struct {
	authn    auth.PeerAuthenticator
	logger   logging.Logger
	upgrader websocket.Upgrader

	listener net.Listener
	server   *http.Server
	signals  chan Signal

	mu     sync.Mutex
	closed bool
}

// NewControlChannel creates a control channel. Signals received from
// authenticated peers are delivered on Signals().
func NewControlChannel(authn auth.PeerAuthenticator, logger logging.Logger) *ControlChannel {
	if authn == nil {
		authn = auth.NewNoAuth()
	}
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &ControlChannel{
		authn:   authn,
		logger:  logger,
		signals: make(chan Signal, 2),
		upgrader: websocket.Upgrader{
			ReadBufferSize:   512,
			WriteBufferSize:  512,
			HandshakeTimeout: 5 * time.Second,
		},
	}
}

// Start binds the channel to host (normally "127.0.0.1:0") and begins
// serving. It returns the bound port number.
func (c *ControlChannel) Start(host string) (int, error) {
	listener, err := net.Listen("tcp", host)
	if err != nil {
		return 0, fmt.Errorf("control channel: failed to bind %s: %w", host, err)
	}
	c.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/control", c.handleControl)
	c.server = &http.Server{Handler: mux}

	go func() {
		if serveErr := c.server.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			c.logger.Error("control channel server stopped", "error", serveErr)
		}
	}()

	port := listener.Addr().(*net.TCPAddr).Port
	c.logger.Info("control channel started", "port", port)
	return port, nil
}

// Signals returns the channel on which peer signals are delivered.
func (c *ControlChannel) Signals() <-chan Signal {
	return c.signals
}

// Close stops the server and releases the port. Safe to call more than
// once.
func (c *ControlChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.signals)
	if c.server != nil {
		return c.server.Close()
	}
	return nil
}

func (c *ControlChannel) handleControl(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if err := c.authn.Authenticate(r.Context(), token); err != nil {
		c.logger.Warn("control channel rejected peer", "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Error("control channel upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	for {
		msgType, payload, readErr := conn.ReadMessage()
		if readErr != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		msg := Signal(payload)
		c.logger.Info("control channel received message", "message", string(payload))

		switch msg {
		case SignalShutdown, SignalAbort:
			c.deliver(msg)
			_ = conn.WriteMessage(websocket.TextMessage, []byte("shutting down the server"))
			return
		default:
			_ = conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("received request: %s", payload)))
		}
	}
}

func (c *ControlChannel) deliver(sig Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.signals <- sig:
	default:
	}
}

// SendSignal connects to a control channel on the local machine and
// sends a single signal. It is the client half used by the CLI abort
// path and by the executor's own shutdown.
func SendSignal(ctx context.Context, port int, token string, sig Signal) error {
	u := url.URL{
		Scheme:   "ws",
		Host:     fmt.Sprintf("127.0.0.1:%d", port),
		Path:     "/control",
		RawQuery: url.Values{"token": {token}}.Encode(),
	}

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("control channel: dial %s: %w", u.Host, err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(sig)); err != nil {
		return fmt.Errorf("control channel: send %q: %w", sig, err)
	}

	// wait for the acknowledgement so the server has seen the signal
	// before we return:
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, _ = conn.ReadMessage()
	return nil
}
