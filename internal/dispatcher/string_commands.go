package dispatcher

import (
	"errors"
	"strconv"
	"strings"

	"github.com/faiyaz/kvrd/internal/replication"
	"github.com/faiyaz/kvrd/internal/resp"
)

var errInvalidSetOption = errors.New("ERR syntax error")

func (d *Dispatcher) cmdPing(args []string, silent bool) []byte {
	if silent {
		return nil
	}
	if len(args) > 1 {
		return resp.EncodeError("ERR wrong number of arguments for 'ping' command")
	}
	if len(args) == 1 {
		return resp.EncodeBulkString(args[0])
	}
	return resp.EncodeSimpleString("PONG")
}

func (d *Dispatcher) cmdEcho(args []string, silent bool) []byte {
	if len(args) != 1 {
		if silent {
			return nil
		}
		return resp.EncodeError("ERR wrong number of arguments for 'echo' command")
	}
	if silent {
		return nil
	}
	return resp.EncodeBulkString(args[0])
}

// cmdSet applies SET key value [PX milliseconds]. A write takes replMu
// so that the Store mutation, the propagation of cmd.Raw to replicas,
// and the local offset advance all happen as one atomic step relative
// to a concurrent WAIT poll of the registry's acked offsets.
func (d *Dispatcher) cmdSet(cmd resp.Command, args []string, silent bool) []byte {
	if len(args) < 2 {
		if silent {
			return nil
		}
		return resp.EncodeError("ERR wrong number of arguments for 'set' command")
	}

	key, value := args[0], args[1]
	px, err := parsePX(args[2:])
	if err != nil {
		if silent {
			return nil
		}
		return resp.EncodeError(err.Error())
	}

	d.replMu.Lock()
	d.store.Set(key, value, px)
	if d.state.Role() == replication.RolePrimary {
		d.registry.Propagate(cmd.Raw)
	}
	if !silent {
		d.state.AddOffset(int64(len(cmd.Raw)))
	}
	d.replMu.Unlock()

	if silent {
		return nil
	}
	return resp.EncodeSimpleString("OK")
}

func (d *Dispatcher) cmdGet(args []string) []byte {
	if len(args) != 1 {
		return resp.EncodeError("ERR wrong number of arguments for 'get' command")
	}
	v, ok := d.store.Get(args[0])
	if !ok {
		return resp.EncodeNullBulkString()
	}
	return resp.EncodeBulkString(v)
}

// cmdDel applies DEL key [key ...], under the same replication
// ordering as cmdSet.
func (d *Dispatcher) cmdDel(cmd resp.Command, args []string, silent bool) []byte {
	if len(args) < 1 {
		if silent {
			return nil
		}
		return resp.EncodeError("ERR wrong number of arguments for 'del' command")
	}

	d.replMu.Lock()
	count := d.store.Del(args...)
	if d.state.Role() == replication.RolePrimary {
		d.registry.Propagate(cmd.Raw)
	}
	if !silent {
		d.state.AddOffset(int64(len(cmd.Raw)))
	}
	d.replMu.Unlock()

	if silent {
		return nil
	}
	return resp.EncodeInteger(int64(count))
}

func parsePX(args []string) (*int64, error) {
	if len(args) == 0 {
		return nil, nil
	}
	if len(args) != 2 || !strings.EqualFold(args[0], "PX") {
		return nil, errInvalidSetOption
	}
	ms, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || ms < 0 {
		return nil, errInvalidSetOption
	}
	return &ms, nil
}
