package replication

import (
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Replica is the primary-side record for one connected replica,
// spec.md §3's "Replica record": (host, port, outbound connection,
// ack_offset). It is identified internally by the connection that
// registered it (see DESIGN.md OQ-2) — the uuid below is just a stable
// map key, not a value that appears on the wire.
type Replica struct {
	id        string
	host      string
	port      int
	conn      net.Conn
	writeMu   sync.Mutex // serializes writes on this connection (frame atomicity)
	ackOffset atomic.Int64
}

// Host is the replica's address, as seen by the accepting connection.
func (r *Replica) Host() string { return r.host }

// Port is the replica's declared listening port (from REPLCONF
// listening-port), not the ephemeral source port of the connection.
func (r *Replica) Port() int { return r.port }

// AckOffset is the highest offset this replica has acknowledged.
func (r *Replica) AckOffset() int64 { return r.ackOffset.Load() }

// Registry tracks every replica currently connected to this primary,
// their acknowledged offsets, and propagates write frames to all of
// them. It does not buffer: Propagate blocks on a slow replica, per
// spec.md §4.3.
type Registry struct {
	mu     sync.RWMutex
	byConn map[net.Conn]*Replica
	byID   map[string]*Replica
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[net.Conn]*Replica),
		byID:   make(map[string]*Replica),
	}
}

// Register records conn as a replica connection. Idempotent: calling
// it again for the same conn returns the existing record.
func (r *Registry) Register(conn net.Conn) *Replica {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byConn[conn]; ok {
		return existing
	}

	host, port := splitHostPort(conn.RemoteAddr().String())
	rep := &Replica{
		id:   uuid.NewString(),
		host: host,
		port: port,
		conn: conn,
	}
	r.byConn[conn] = rep
	r.byID[rep.id] = rep
	log.Printf("[replication] replica registered: %s (%s:%d)", rep.id, rep.host, rep.port)
	return rep
}

// SetListeningPort records the port a replica told us (via REPLCONF
// listening-port) it listens on, which is what INFO should display —
// not the connection's ephemeral remote port.
func (r *Registry) SetListeningPort(conn net.Conn, port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rep, ok := r.byConn[conn]; ok {
		rep.port = port
	}
}

// Remove deletes the replica registered on conn, if any.
func (r *Registry) Remove(conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rep, ok := r.byConn[conn]; ok {
		delete(r.byConn, conn)
		delete(r.byID, rep.id)
		log.Printf("[replication] replica removed: %s", rep.id)
	}
}

// Propagate sends frame to every registered replica. A send failure on
// a replica's connection removes that replica from the registry; the
// caller learns nothing about individual failures (propagation to the
// others still proceeds).
func (r *Registry) Propagate(frame []byte) {
	for _, rep := range r.snapshot() {
		rep.writeMu.Lock()
		_, err := rep.conn.Write(frame)
		rep.writeMu.Unlock()
		if err != nil {
			log.Printf("[replication] propagate to %s failed, dropping: %v", rep.id, err)
			r.Remove(rep.conn)
		}
	}
}

// UpdateAck records offset as the acknowledged offset of the replica
// registered on conn.
func (r *Registry) UpdateAck(conn net.Conn, offset int64) {
	r.mu.RLock()
	rep, ok := r.byConn[conn]
	r.mu.RUnlock()
	if ok {
		rep.ackOffset.Store(offset)
	}
}

// CountAcked returns how many registered replicas have acknowledged at
// least target.
func (r *Registry) CountAcked(target int64) int {
	count := 0
	for _, rep := range r.snapshot() {
		if rep.AckOffset() >= target {
			count++
		}
	}
	return count
}

// Count returns the number of currently registered replicas.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// All returns a snapshot of every registered replica, for INFO
// reporting.
func (r *Registry) All() []*Replica {
	return r.snapshot()
}

func (r *Registry) snapshot() []*Replica {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Replica, 0, len(r.byID))
	for _, rep := range r.byID {
		out = append(out, rep)
	}
	return out
}

func splitHostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}
