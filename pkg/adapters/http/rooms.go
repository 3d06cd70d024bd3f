package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aretw0/tandem/internal/logging"
	"github.com/aretw0/tandem/pkg/crdt"
	"github.com/aretw0/tandem/pkg/domain"
	"github.com/aretw0/tandem/pkg/ports"
	"github.com/gorilla/websocket"
)

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
)

// ErrRoomFull is returned when a document already has the maximum number of peers.
var ErrRoomFull = errors.New("room is full")

// peer is one WebSocket connection attached to a room.
type peer struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(conn *websocket.Conn) *peer {
	return &peer{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// enqueue queues msg for the writer. A peer that cannot keep up is disconnected so it
// resynchronises from scratch instead of missing updates.
func (p *peer) enqueue(msg []byte) bool {
	select {
	case p.send <- msg:
		return true
	case <-p.done:
		return false
	default:
		p.close(websocket.CloseTryAgainLater, "slow consumer")
		return false
	}
}

func (p *peer) close(code int, reason string) {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = p.conn.Close()
	})
}

func (p *peer) writeLoop() {
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				p.close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

// Room is the relay's authoritative replica of one document and its connected peers.
type Room struct {
	key domain.DocumentKey
	doc *crdt.Doc

	mu    sync.RWMutex
	peers map[*peer]struct{}

	unsubscribe func()
	detach      ports.DetachFunc
}

// Doc returns the room's replica.
func (r *Room) Doc() *crdt.Doc { return r.doc }

// Peers returns the number of connected peers.
func (r *Room) Peers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Broadcast sends msg to every connected peer.
// Every update integrated into the replica is broadcast, the sender's own included;
// applying an update twice is a no-op for the peer.
func (r *Room) Broadcast(msg []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for p := range r.peers {
		p.enqueue(msg)
	}
}

// RoomManager tracks the active rooms, one per document.
type RoomManager struct {
	mu          sync.Mutex
	rooms       map[domain.DocumentKey]*Room
	store       ports.DocumentStore
	replication ports.Provider
	logger      *slog.Logger
}

// NewRoomManager creates a RoomManager. store may be nil, in which case rooms are not persisted.
// replication may be nil; otherwise every room is attached to it so replicas of the relay
// share updates.
func NewRoomManager(store ports.DocumentStore, replication ports.Provider, logger *slog.Logger) *RoomManager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &RoomManager{
		rooms:       make(map[domain.DocumentKey]*Room),
		store:       store,
		replication: replication,
		logger:      logger,
	}
}

// Room returns the active room for key, if any.
func (rm *RoomManager) Room(key domain.DocumentKey) (*Room, bool) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	r, ok := rm.rooms[key]
	return r, ok
}

// Join adds p to the room for key, opening the room (and restoring its state) if needed.
// max <= 0 disables the connection limit.
func (rm *RoomManager) Join(ctx context.Context, key domain.DocumentKey, p *peer, max int) (*Room, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	room, ok := rm.rooms[key]
	if !ok {
		var err error
		if room, err = rm.open(ctx, key); err != nil {
			return nil, err
		}
		rm.rooms[key] = room
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if max > 0 && len(room.peers) >= max {
		return nil, ErrRoomFull
	}
	room.peers[p] = struct{}{}
	return room, nil
}

func (rm *RoomManager) open(ctx context.Context, key domain.DocumentKey) (*Room, error) {
	doc := crdt.NewDoc(crdt.WithGUID(key.String()), crdt.WithLogger(rm.logger))
	if rm.store != nil {
		state, err := rm.store.Load(ctx, key)
		switch {
		case err == nil:
			if err := doc.ApplyUpdate(state, domain.OriginLocalSyncManager); err != nil {
				return nil, fmt.Errorf("failed to restore room %s: %w", key, err)
			}
		case !errors.Is(err, domain.ErrDocumentNotFound):
			return nil, fmt.Errorf("failed to load room %s: %w", key, err)
		}
	}

	room := &Room{key: key, doc: doc, peers: make(map[*peer]struct{})}
	room.unsubscribe = doc.OnUpdate(func(update []byte, _ domain.Origin) {
		room.Broadcast(update)
	})

	if rm.replication != nil {
		detach, err := rm.replication.Attach(ctx, key, doc, ports.ProviderEvents{
			OnError: func(key domain.DocumentKey, err *domain.ConnectionError) {
				rm.logger.Warn("Replication error", "doc", key.String(), "code", err.Code, "err", err)
			},
		})
		if err != nil {
			room.unsubscribe()
			return nil, fmt.Errorf("failed to replicate room %s: %w", key, err)
		}
		room.detach = detach
	}
	return room, nil
}

// Leave removes p from room. The last peer out persists the room and closes it.
func (rm *RoomManager) Leave(ctx context.Context, room *Room, p *peer) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	room.mu.Lock()
	delete(room.peers, p)
	empty := len(room.peers) == 0
	room.mu.Unlock()

	if !empty || rm.rooms[room.key] != room {
		return
	}
	delete(rm.rooms, room.key)
	if err := rm.shutdown(ctx, room); err != nil {
		rm.logger.Error("Failed to close room", "doc", room.key.String(), "err", err)
	}
}

// Close disconnects every peer and persists every room.
func (rm *RoomManager) Close(ctx context.Context) error {
	rm.mu.Lock()
	rooms := make([]*Room, 0, len(rm.rooms))
	for key, room := range rm.rooms {
		rooms = append(rooms, room)
		delete(rm.rooms, key)
	}
	rm.mu.Unlock()

	var errs []error
	for _, room := range rooms {
		room.mu.RLock()
		for p := range room.peers {
			p.close(websocket.CloseGoingAway, "server shutting down")
		}
		room.mu.RUnlock()
		errs = append(errs, rm.shutdown(ctx, room))
	}
	return errors.Join(errs...)
}

// shutdown detaches room from replication and persists its final state.
func (rm *RoomManager) shutdown(ctx context.Context, room *Room) error {
	room.unsubscribe()
	var errs []error
	if room.detach != nil {
		errs = append(errs, room.detach(ctx))
	}
	errs = append(errs, rm.persist(ctx, room))
	return errors.Join(errs...)
}

func (rm *RoomManager) persist(ctx context.Context, room *Room) error {
	if rm.store == nil {
		return nil
	}
	state, err := room.doc.EncodeStateAsUpdate(nil)
	if err != nil {
		return err
	}
	return rm.store.Save(ctx, room.key, state)
}
