// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/net/websocket"

	"github.com/jeranaias/rigrun-stage/internal/channel"
	"github.com/jeranaias/rigrun-stage/internal/metrics"
)

// ============================================================================
// PEERS
// ============================================================================

type peer struct {
	id   uint64
	conn *websocket.Conn

	mu     sync.Mutex
	name   string
	authed bool
}

func (p *peer) send(ev channel.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return websocket.JSON.Send(p.conn, ev)
}

// PeerInfo describes a connected module.
type PeerInfo struct {
	ID            uint64 `json:"id"`
	Name          string `json:"name"`
	Authenticated bool   `json:"authenticated"`
}

// ============================================================================
// HUB
// ============================================================================

// Hub relays events between connected modules. A module must announce itself
// (with the token, when one is configured) before it may send or receive
// anything else.
type Hub struct {
	token   string
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	peers  map[uint64]*peer
	nextID uint64
}

// NewHub creates a hub. An empty token accepts every announce.
func NewHub(token string, logger *slog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		token:   token,
		logger:  logger,
		metrics: m,
		peers:   make(map[uint64]*peer),
	}
}

// Handler returns the websocket endpoint. The handshake accepts any origin so
// non-browser modules can connect.
func (h *Hub) Handler() websocket.Server {
	return websocket.Server{
		Handler:   h.serve,
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
	}
}

// Peers lists connected modules.
func (h *Hub) Peers() []PeerInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]PeerInfo, 0, len(h.peers))
	for _, p := range h.peers {
		p.mu.Lock()
		out = append(out, PeerInfo{ID: p.id, Name: p.name, Authenticated: p.authed})
		p.mu.Unlock()
	}
	return out
}

// Close disconnects every peer.
func (h *Hub) Close() {
	h.mu.Lock()
	peers := h.peers
	h.peers = make(map[uint64]*peer)
	h.mu.Unlock()

	for _, p := range peers {
		p.conn.Close()
	}
	h.metrics.SetPeers(0)
}

func (h *Hub) add(conn *websocket.Conn) *peer {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	p := &peer{id: h.nextID, conn: conn}
	h.peers[p.id] = p
	h.metrics.SetPeers(len(h.peers))
	return p
}

func (h *Hub) remove(p *peer) {
	h.mu.Lock()
	delete(h.peers, p.id)
	n := len(h.peers)
	h.mu.Unlock()
	h.metrics.SetPeers(n)
}

func (h *Hub) serve(conn *websocket.Conn) {
	p := h.add(conn)
	logger := h.logger.With("peer", p.id)
	logger.Debug("peer connected", "remote", conn.Request().RemoteAddr)

	defer func() {
		h.remove(p)
		conn.Close()
		logger.Debug("peer disconnected", "name", p.name)
	}()

	for {
		var ev channel.Event
		if err := websocket.JSON.Receive(conn, &ev); err != nil {
			return
		}
		if !h.handle(p, ev, logger) {
			return
		}
	}
}

// handle processes one event and reports whether the connection stays open.
func (h *Hub) handle(p *peer, ev channel.Event, logger *slog.Logger) bool {
	if ev.Type == channel.TypeAnnounce {
		var a channel.Announce
		if err := ev.Decode(&a); err != nil {
			h.reject(p, "invalid announce")
			return false
		}
		ok := h.token == "" || ValidateToken(a.Token, h.token)

		p.mu.Lock()
		p.name = a.Name
		p.authed = ok
		p.mu.Unlock()

		reply, _ := channel.NewEvent(channel.TypeAuthenticated, channel.Authenticated{Authenticated: ok})
		if err := p.send(reply); err != nil {
			return false
		}
		if !ok {
			logger.Warn("announce rejected", "name", a.Name)
			return false
		}
		logger.Info("module authenticated", "name", a.Name)
		return true
	}

	p.mu.Lock()
	authed := p.authed
	p.mu.Unlock()
	if !authed {
		h.reject(p, "must authenticate first")
		return true
	}

	h.relay(p, ev)
	return true
}

func (h *Hub) reject(p *peer, message string) {
	ev, _ := channel.NewEvent(channel.TypeError, channel.ErrorPayload{Message: message})
	_ = p.send(ev)
}

// relay forwards ev to every other authenticated peer.
func (h *Hub) relay(from *peer, ev channel.Event) {
	h.mu.RLock()
	targets := make([]*peer, 0, len(h.peers))
	for id, p := range h.peers {
		if id == from.id {
			continue
		}
		p.mu.Lock()
		authed := p.authed
		p.mu.Unlock()
		if authed {
			targets = append(targets, p)
		}
	}
	h.mu.RUnlock()

	for _, p := range targets {
		if err := p.send(ev); err != nil {
			h.logger.Debug("relay failed", "peer", p.id, "error", err)
			continue
		}
		h.metrics.Relayed(ev.Type)
	}
}
