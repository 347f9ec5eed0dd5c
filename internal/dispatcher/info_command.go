package dispatcher

import (
	"fmt"
	"strings"

	"github.com/faiyaz/kvrd/internal/replication"
	"github.com/faiyaz/kvrd/internal/resp"
)

// cmdInfo implements INFO [replication]: this server only ever has the
// replication section, so any other section argument still returns it
// (matching the teacher's "all" fallthrough).
func (d *Dispatcher) cmdInfo(args []string) []byte {
	var b strings.Builder
	b.WriteString("# Replication\r\n")
	b.WriteString(fmt.Sprintf("role:%s\r\n", d.state.Role()))

	if d.state.Role() == replication.RolePrimary {
		replicas := d.registry.All()
		b.WriteString(fmt.Sprintf("connected_slaves:%d\r\n", len(replicas)))
		for i, r := range replicas {
			b.WriteString(fmt.Sprintf("slave%d:ip=%s,port=%d,state=online,offset=%d\r\n",
				i, r.Host(), r.Port(), r.AckOffset()))
		}
	} else {
		host, port, up := d.masterAddr()
		status := "down"
		if up {
			status = "up"
		}
		b.WriteString(fmt.Sprintf("master_host:%s\r\n", host))
		b.WriteString(fmt.Sprintf("master_port:%d\r\n", port))
		b.WriteString(fmt.Sprintf("master_link_status:%s\r\n", status))
	}

	b.WriteString(fmt.Sprintf("master_replid:%s\r\n", d.state.ReplID()))
	b.WriteString(fmt.Sprintf("master_repl_offset:%d\r\n", d.state.Offset()))

	return resp.EncodeBulkString(b.String())
}
