package dispatcher

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/faiyaz/kvrd/internal/resp"
)

// cmdReplConf handles REPLCONF listening-port|capa|getack|ack.
// GETACK is the one command that still replies on a silent (replica
// ingest) session: the primary is asking this replica how much of the
// stream it has applied, and the offset reported must exclude the
// GETACK frame itself. That works out for free here because the
// caller (ReplicationClient) advances d.state's offset by this frame's
// length only *after* dispatch returns — so d.state.Offset() below is
// still the pre-advance value.
func (d *Dispatcher) cmdReplConf(conn net.Conn, args []string, silent bool) []byte {
	if len(args) < 2 {
		if silent {
			return nil
		}
		return resp.EncodeError("ERR wrong number of arguments for 'replconf' command")
	}

	option := args[0]
	switch {
	case strings.EqualFold(option, "listening-port"):
		port, err := strconv.Atoi(args[1])
		if err != nil {
			if silent {
				return nil
			}
			return resp.EncodeError("ERR invalid port")
		}
		d.registry.Register(conn)
		d.registry.SetListeningPort(conn, port)
		if silent {
			return nil
		}
		return resp.EncodeSimpleString("OK")

	case strings.EqualFold(option, "capa"):
		if silent {
			return nil
		}
		return resp.EncodeSimpleString("OK")

	case strings.EqualFold(option, "getack"):
		return resp.EncodeCommand("REPLCONF", "ACK", strconv.FormatInt(d.state.Offset(), 10))

	case strings.EqualFold(option, "ack"):
		offset, err := strconv.ParseInt(args[1], 10, 64)
		if err == nil && conn != nil {
			d.registry.UpdateAck(conn, offset)
		}
		return nil

	default:
		if silent {
			return nil
		}
		return resp.EncodeError(fmt.Sprintf("ERR unknown REPLCONF option '%s'", option))
	}
}

// cmdPSync handles PSYNC ? -1: this server only ever offers a full
// resync (there is no partial resync and no replication backlog), so
// the requested replid/offset are accepted but ignored.
func (d *Dispatcher) cmdPSync(conn net.Conn, args []string) []byte {
	if len(args) != 2 {
		return resp.EncodeError("ERR wrong number of arguments for 'psync' command")
	}

	d.registry.Register(conn)

	header := resp.EncodeSimpleString(fmt.Sprintf("FULLRESYNC %s %d", d.state.ReplID(), d.state.Offset()))
	body := resp.EncodeInlineRDB(rdbSnapshot())
	return append(header, body...)
}

// cmdWait implements WAIT numreplicas timeout_ms: it broadcasts
// REPLCONF GETACK * to every replica, then polls the registry's acked
// offsets against the offset in force at the moment WAIT was issued,
// until either enough replicas have acked or the timeout elapses.
// replMu is held for the entire call, per spec.md §5/§9: WAIT blocks
// concurrent primary writes for its duration, not just long enough to
// read a stable target offset.
func (d *Dispatcher) cmdWait(args []string) []byte {
	if len(args) != 2 {
		return resp.EncodeError("ERR wrong number of arguments for 'wait' command")
	}
	numReplicas, err := strconv.Atoi(args[0])
	if err != nil {
		return resp.EncodeError("ERR invalid numreplicas")
	}
	timeoutMS, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return resp.EncodeError("ERR invalid timeout")
	}

	d.replMu.Lock()
	defer d.replMu.Unlock()

	target := d.state.Offset()
	if target == 0 {
		// Nothing has ever been written: every connected replica is
		// trivially caught up, no GETACK round needed.
		return resp.EncodeInteger(int64(d.registry.Count()))
	}

	d.registry.Propagate(resp.EncodeCommand("REPLCONF", "GETACK", "*"))

	deadline := time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)
	for {
		count := d.registry.CountAcked(target)
		if count >= numReplicas || time.Now().After(deadline) {
			return resp.EncodeInteger(int64(count))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

