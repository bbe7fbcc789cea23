package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raym33/lattice/internal/backoff"
)

const (
	p2pWriteWait     = 10 * time.Second
	p2pPongWait      = 45 * time.Second
	p2pPingInterval  = 15 * time.Second
	p2pMaxPayload    = 1 << 20
	p2pStateInterval = 10 * time.Second
)

// DefaultMaxSilence is how long a node may stay quiet before a sweep
// marks it offline.
const DefaultMaxSilence = 90 * time.Second

// Peer message types.
const (
	msgHello = "hello"
	msgState = "state"
)

// peerMessage is one frame on the peer channel. A hello carries the
// sender's own record and opens the conversation; state frames carry a
// roster snapshot in both directions.
type peerMessage struct {
	Type   string    `json:"type"`
	Node   *Node     `json:"node,omitempty"`
	Nodes  []*Node   `json:"nodes,omitempty"`
	SentAt time.Time `json:"sent_at"`
}

// PeerSync keeps cluster state converging across nodes: it serves the
// websocket endpoint peers dial, dials configured peers itself, and
// broadcasts roster snapshots on an interval. Liveness is pull-based:
// the housekeeping scheduler drives Sweep on a cron cadence to mark
// silent nodes offline.
type PeerSync struct {
	cluster    *Cluster
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	dialer     *websocket.Dialer
	interval   time.Duration
	maxSilence time.Duration
}

// PeerSyncOptions configures PeerSync.
type PeerSyncOptions struct {
	// StateInterval is the cadence of roster broadcasts. Defaults to 10s.
	StateInterval time.Duration

	// MaxSilence is the sweep threshold. Defaults to DefaultMaxSilence.
	MaxSilence time.Duration

	// Logger receives sync diagnostics.
	Logger *slog.Logger
}

// NewPeerSync creates the sync layer over a cluster.
func NewPeerSync(cl *Cluster, opts PeerSyncOptions) *PeerSync {
	interval := opts.StateInterval
	if interval <= 0 {
		interval = p2pStateInterval
	}
	maxSilence := opts.MaxSilence
	if maxSilence <= 0 {
		maxSilence = DefaultMaxSilence
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &PeerSync{
		cluster: cl,
		logger:  logger.With("component", "p2p"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		dialer:     websocket.DefaultDialer,
		interval:   interval,
		maxSilence: maxSilence,
	}
}

// ServeHTTP upgrades an incoming peer connection. The first frame must be
// a hello carrying the peer's node record; the reply is a full roster
// snapshot, after which both sides exchange state frames until the
// connection drops.
func (p *PeerSync) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	p.prepare(conn)

	peerID, err := p.handshake(conn)
	if err != nil {
		p.logger.Warn("peer handshake failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	p.logger.Info("peer connected", "node_id", peerID, "remote", r.RemoteAddr)
	p.converse(r.Context(), conn, peerID)
	p.logger.Info("peer disconnected", "node_id", peerID)
}

// Dial connects to a peer's sync endpoint, announces the local node, and
// keeps exchanging state until the connection drops or ctx ends. The
// call blocks; Run drives one goroutine per peer.
func (p *PeerSync) Dial(ctx context.Context, addr string) error {
	url := fmt.Sprintf("ws://%s/v1/cluster/ws", addr)
	conn, _, err := p.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial peer %s: %w", addr, err)
	}
	defer conn.Close()
	p.prepare(conn)

	if err := p.write(conn, peerMessage{
		Type:   msgHello,
		Node:   p.cluster.LocalNode(),
		SentAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("hello peer %s: %w", addr, err)
	}

	var reply peerMessage
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("read peer state: %w", err)
	}
	peerID := ""
	if reply.Node != nil {
		peerID = reply.Node.ID
	}
	p.absorb(peerID, &reply)
	p.logger.Info("joined peer", "addr", addr, "node_id", peerID)

	p.converse(ctx, conn, peerID)
	return nil
}

// Run dials every configured peer and redials dropped connections with
// exponential backoff until ctx ends.
func (p *PeerSync) Run(ctx context.Context, peers []string) {
	if len(peers) == 0 {
		return
	}
	policy := backoff.Default()
	var wg sync.WaitGroup
	for _, addr := range peers {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			attempt := 0
			for {
				start := time.Now()
				err := p.Dial(ctx, addr)
				if ctx.Err() != nil {
					return
				}
				// A connection that held for a while resets the backoff.
				if time.Since(start) > p.interval {
					attempt = 0
				}
				attempt++
				if err != nil {
					p.logger.Debug("peer dial failed", "addr", addr, "attempt", attempt, "error", err)
				}
				if policy.Sleep(ctx, attempt) != nil {
					return
				}
			}
		}(addr)
	}
	wg.Wait()
}

// Sweep marks nodes silent past the threshold offline and returns their
// ids.
func (p *PeerSync) Sweep() []string {
	return p.cluster.SweepOffline(p.maxSilence)
}

// SyncRequest is the HTTP fallback for websocket-less peers: one roster
// push carrying the sender's record.
type SyncRequest struct {
	Node  *Node   `json:"node"`
	Nodes []*Node `json:"nodes,omitempty"`
}

// SyncResponse returns the merged roster.
type SyncResponse struct {
	Node  *Node   `json:"node"`
	Nodes []*Node `json:"nodes"`
}

// HandleSync merges a pushed roster and returns ours.
func (p *PeerSync) HandleSync(req SyncRequest) (SyncResponse, error) {
	if req.Node == nil || req.Node.ID == "" {
		return SyncResponse{}, fmt.Errorf("sync requires the sender's node record")
	}
	roster := append([]*Node{req.Node}, req.Nodes...)
	p.cluster.MergeNodes(req.Node.ID, roster)
	return SyncResponse{Node: p.cluster.LocalNode(), Nodes: p.cluster.Nodes()}, nil
}

// prepare applies read limits and the keepalive deadline chain.
func (p *PeerSync) prepare(conn *websocket.Conn) {
	conn.SetReadLimit(p2pMaxPayload)
	_ = conn.SetReadDeadline(time.Now().Add(p2pPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(p2pPongWait))
	})
}

// handshake reads the hello frame, registers the peer, and replies with
// the local roster.
func (p *PeerSync) handshake(conn *websocket.Conn) (string, error) {
	var msg peerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return "", fmt.Errorf("read hello: %w", err)
	}
	if msg.Type != msgHello || msg.Node == nil || msg.Node.ID == "" {
		return "", fmt.Errorf("expected hello with a node record, got %q", msg.Type)
	}
	p.cluster.MergeNodes(msg.Node.ID, []*Node{msg.Node})
	if err := p.writeState(conn); err != nil {
		return "", fmt.Errorf("write state: %w", err)
	}
	return msg.Node.ID, nil
}

// converse pumps frames both ways until the connection drops: incoming
// hello and state frames refresh the registry, outgoing state frames and
// pings go out on their intervals.
func (p *PeerSync) converse(ctx context.Context, conn *websocket.Conn, peerID string) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var msg peerMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			p.absorb(peerID, &msg)
		}
	}()

	state := time.NewTicker(p.interval)
	defer state.Stop()
	ping := time.NewTicker(p2pPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(p2pWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-state.C:
			if err := p.writeState(conn); err != nil {
				return
			}
		}
	}
}

// absorb merges one incoming frame into the registry.
func (p *PeerSync) absorb(peerID string, msg *peerMessage) {
	switch msg.Type {
	case msgHello, msgState:
		roster := msg.Nodes
		if msg.Node != nil {
			roster = append([]*Node{msg.Node}, roster...)
		}
		p.cluster.MergeNodes(peerID, roster)
	default:
		p.logger.Debug("ignoring peer frame", "type", msg.Type)
	}
}

// writeState sends a roster snapshot.
func (p *PeerSync) writeState(conn *websocket.Conn) error {
	return p.write(conn, peerMessage{
		Type:   msgState,
		Node:   p.cluster.LocalNode(),
		Nodes:  p.cluster.Nodes(),
		SentAt: time.Now().UTC(),
	})
}

// write sends one frame under the write deadline.
func (p *PeerSync) write(conn *websocket.Conn, msg peerMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(p2pWriteWait))
	return conn.WriteJSON(msg)
}
