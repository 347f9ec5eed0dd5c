// Package dispatcher maps decoded commands onto the Store and the
// replication subsystem: the per-command behavior table from the
// design (write ordering, role-dependent replies, silent replica
// ingest) lives here, grounded on the teacher's CommandHandler.
package dispatcher

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/faiyaz/kvrd/internal/rdb"
	"github.com/faiyaz/kvrd/internal/replication"
	"github.com/faiyaz/kvrd/internal/resp"
	"github.com/faiyaz/kvrd/internal/store"
)

// Dispatcher executes decoded commands against the Store, propagating
// writes to replicas and tracking master_repl_offset. One Dispatcher
// is shared by every client session and by the replica-ingest stream.
type Dispatcher struct {
	store    *store.Store
	state    *replication.State
	registry *replication.Registry

	// replMu serializes Store writes on a primary together with
	// master_repl_offset advancement and propagation, so WAIT's poll
	// of the registry's acked offsets always observes a consistent
	// target offset.
	replMu sync.Mutex

	mu         sync.RWMutex
	masterHost string
	masterPort int
	linkUp     bool
}

// New returns a Dispatcher over the given Store, replication state and
// replica registry.
func New(st *store.Store, state *replication.State, registry *replication.Registry) *Dispatcher {
	return &Dispatcher{store: st, state: state, registry: registry}
}

// SetMasterAddr records the primary this server replicates from, for
// INFO's master_host/master_port fields. Only meaningful in replica
// role.
func (d *Dispatcher) SetMasterAddr(host string, port int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.masterHost, d.masterPort = host, port
}

// SetLinkStatus records whether the replication link to the primary is
// currently up, for INFO's master_link_status field.
func (d *Dispatcher) SetLinkStatus(up bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.linkUp = up
}

func (d *Dispatcher) masterAddr() (string, int, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.masterHost, d.masterPort, d.linkUp
}

// Dispatch executes cmd on behalf of a normally-connected session
// (a regular client, or a replica's connection back to the primary for
// REPLCONF ACK). conn identifies the connection for commands that
// register or look up a replica record; it is never nil here.
func (d *Dispatcher) Dispatch(conn net.Conn, cmd resp.Command) []byte {
	return d.dispatch(conn, cmd, false)
}

// DispatchIngest executes cmd as received on the replica-side
// replication stream: writes are applied locally but never
// re-propagated or counted into a client reply, and every command is
// silent except REPLCONF GETACK, which the primary expects an ACK
// for. The caller (the ReplicationClient) is responsible for advancing
// the local offset by the frame's wire length after this call returns,
// per the offset-accounting invariant in DESIGN.md.
func (d *Dispatcher) DispatchIngest(cmd resp.Command) []byte {
	return d.dispatch(nil, cmd, true)
}

func (d *Dispatcher) dispatch(conn net.Conn, cmd resp.Command, silent bool) []byte {
	if len(cmd.Args) == 0 {
		if silent {
			return nil
		}
		return resp.EncodeError("ERR empty command")
	}

	name := strings.ToUpper(cmd.Args[0])
	args := cmd.Args[1:]

	if isWriteCommand(name) && d.state.Role() == replication.RoleReplica && !silent {
		return resp.EncodeError("READONLY You can't write against a read only replica")
	}

	switch name {
	case "PING":
		return d.cmdPing(args, silent)
	case "ECHO":
		return d.cmdEcho(args, silent)
	case "SET":
		return d.cmdSet(cmd, args, silent)
	case "GET":
		return d.cmdGet(args)
	case "DEL":
		return d.cmdDel(cmd, args, silent)
	case "INFO":
		return d.cmdInfo(args)
	case "REPLCONF":
		return d.cmdReplConf(conn, args, silent)
	case "PSYNC":
		return d.cmdPSync(conn, args)
	case "WAIT":
		return d.cmdWait(args)
	default:
		if silent {
			return nil
		}
		return resp.EncodeError(fmt.Sprintf("ERR unknown command '%s'", name))
	}
}

func isWriteCommand(name string) bool {
	switch name {
	case "SET", "DEL":
		return true
	default:
		return false
	}
}

// rdbSnapshot returns the inline RDB payload sent during a PSYNC full
// resync. This server's Store has no on-disk RDB format (see
// DESIGN.md), so every resync sends the fixed empty payload; a replica
// always catches up via the live command stream that follows it.
func rdbSnapshot() []byte {
	return rdb.Empty()
}
