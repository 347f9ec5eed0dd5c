// Package server wires the Store, replication state, and Dispatcher
// together behind a TCP listener: one goroutine per accepted
// connection, plus (in replica role) one long-lived goroutine running
// the ReplicationClient.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/faiyaz/kvrd/internal/dispatcher"
	"github.com/faiyaz/kvrd/internal/replication"
	"github.com/faiyaz/kvrd/internal/resp"
	"github.com/faiyaz/kvrd/internal/store"
)

// Server owns the listener and every connected client session.
type Server struct {
	config     *Config
	store      *store.Store
	state      *replication.State
	registry   *replication.Registry
	dispatcher *dispatcher.Dispatcher
	replClient *replication.Client

	listener net.Listener

	connections   sync.Map
	connIDCounter atomic.Int64
	wg            sync.WaitGroup

	mu         sync.Mutex
	isShutdown bool
}

// New builds a Server from cfg. If cfg.IsReplica(), the server starts
// in replica role and a ReplicationClient is created (but not yet
// started — that happens in Start).
func New(cfg *Config) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	st := store.New()
	state := replication.NewState()
	registry := replication.NewRegistry()
	disp := dispatcher.New(st, state, registry)

	s := &Server{
		config:     cfg,
		store:      st,
		state:      state,
		registry:   registry,
		dispatcher: disp,
	}

	if cfg.IsReplica() {
		state.SetRole(replication.RoleReplica)
		s.replClient = replication.NewClient(cfg.ReplicaOfHost, cfg.ReplicaOfPort, cfg.Port, state, disp)
	}

	return s
}

// Start binds the listener, then serves connections and (in replica
// role) runs the replication client until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	lc := net.ListenConfig{Control: setReuseAddr}
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("kvrd listening on %s", addr)

	if s.replClient != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.replClient.Run(ctx)
		}()
	}

	go s.acceptLoop(ctx)

	<-ctx.Done()
	return nil
}

// setReuseAddr sets SO_REUSEADDR on the listening socket before bind,
// per spec.md §6 ("address reuse enabled") — so a restarted primary
// doesn't fail to bind while the previous listener's sockets are still
// draining in TIME_WAIT.
func setReuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			shuttingDown := s.isShutdown
			s.mu.Unlock()
			if shuttingDown || ctx.Err() != nil {
				return
			}
			log.Printf("accept error: %v", err)
			continue
		}

		if n := s.countConnections(); n >= s.config.MaxConnections {
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) countConnections() int {
	n := 0
	s.connections.Range(func(_, _ interface{}) bool { n++; return true })
	return n
}

// handleConnection runs one client session: read whatever bytes are
// available, decode as many complete frames as that yields, dispatch
// each, write its reply, repeat. Because resp.Decode is resumable,
// this loop is correct whether a command arrives in one read or is
// split across several.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	id := s.connIDCounter.Add(1)
	s.connections.Store(id, conn)
	defer s.connections.Delete(id)
	defer conn.Close()

	var tail []byte
	chunk := make([]byte, s.config.ReadBufferSize)

	for {
		if ctx.Err() != nil {
			return
		}
		if s.config.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}

		n, err := conn.Read(chunk)
		if n > 0 {
			tail = append(tail, chunk[:n]...)

			cmds, newTail, decErr := resp.Decode(tail)
			if decErr != nil {
				conn.Write(resp.EncodeError(fmt.Sprintf("ERR %v", decErr)))
				return
			}
			tail = newTail

			for _, cmd := range cmds {
				reply := s.dispatcher.Dispatch(conn, cmd)
				if reply != nil {
					if _, werr := conn.Write(reply); werr != nil {
						return
					}
				}
			}
		}
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return
		}
	}
}

// Shutdown closes the listener and every open connection, then waits
// (bounded) for their goroutines to exit.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.isShutdown {
		s.mu.Unlock()
		return
	}
	s.isShutdown = true
	s.mu.Unlock()

	log.Println("shutting down")

	if s.listener != nil {
		s.listener.Close()
	}
	s.connections.Range(func(_, value interface{}) bool {
		if conn, ok := value.(net.Conn); ok {
			conn.Close()
		}
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("all connections closed")
	case <-time.After(5 * time.Second):
		log.Println("shutdown timeout reached, forcing exit")
	}
}
