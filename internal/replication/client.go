package replication

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/faiyaz/kvrd/internal/resp"
)

// reconnectDelay is the fixed backoff between a lost replication link
// and the next connect attempt (see DESIGN.md OQ-4, grounded on the
// teacher's handleMasterDisconnect).
const reconnectDelay = 5 * time.Second

// Applier is the subset of the dispatcher a Client needs: applying
// frames read off the replication stream, and reporting link state for
// INFO. Declared here, not in the dispatcher package, so this package
// never imports it back — the dispatcher satisfies this interface
// structurally.
type Applier interface {
	DispatchIngest(cmd resp.Command) []byte
	SetMasterAddr(host string, port int)
	SetLinkStatus(up bool)
}

// Client is the replica-side half of the replication protocol: it
// drives the CONNECT -> PING_SENT -> REPLCONF1_SENT -> REPLCONF2_SENT
// -> PSYNC_SENT -> RDB_HEADER -> RDB_BODY -> STREAMING handshake, then
// feeds the resulting command stream to an Applier until the
// connection drops, at which point it reconnects after a fixed delay.
type Client struct {
	masterHost string
	masterPort int
	listenPort int
	state      *State
	applier    Applier
}

// NewClient returns a Client that will replicate from host:port,
// advertising listenPort as this server's own listening port.
func NewClient(host string, port int, listenPort int, state *State, applier Applier) *Client {
	return &Client{masterHost: host, masterPort: port, listenPort: listenPort, state: state, applier: applier}
}

// Run drives the connect/handshake/stream/reconnect loop until ctx is
// canceled. A handshake or stream error is logged and followed by a
// fixed reconnect delay; it never returns early on its own, matching
// the teacher's auto-reconnect behavior.
func (c *Client) Run(ctx context.Context) {
	c.state.SetRole(RoleReplica)

	for {
		if ctx.Err() != nil {
			return
		}

		if err := c.connectAndStream(ctx); err != nil {
			log.Printf("[replication] link to %s:%d failed: %v", c.masterHost, c.masterPort, err)
		}
		c.applier.SetLinkStatus(false)

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Client) connectAndStream(ctx context.Context) error {
	addr := net.JoinHostPort(c.masterHost, strconv.Itoa(c.masterPort))
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	reader := bufio.NewReader(conn)

	if err := c.handshake(conn, reader); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	c.applier.SetMasterAddr(c.masterHost, c.masterPort)
	c.applier.SetLinkStatus(true)
	log.Printf("[replication] streaming from %s", addr)

	return c.stream(conn, reader)
}

// handshake performs, in order: PING (state PING_SENT), REPLCONF
// listening-port (REPLCONF1_SENT), REPLCONF capa (REPLCONF2_SENT),
// PSYNC ? -1 (PSYNC_SENT), then reads the FULLRESYNC reply
// (RDB_HEADER) and the inline RDB payload that follows it (RDB_BODY).
// Returning nil leaves the connection positioned exactly at the start
// of the propagated command stream (STREAMING).
func (c *Client) handshake(conn net.Conn, reader *bufio.Reader) error {
	if err := c.sendAndExpect(conn, reader, "PONG", "PING"); err != nil {
		return err
	}

	if err := c.sendAndExpect(conn, reader, "OK",
		"REPLCONF", "listening-port", strconv.Itoa(c.listenPort)); err != nil {
		return err
	}

	if err := c.sendAndExpect(conn, reader, "OK",
		"REPLCONF", "capa", "eof", "capa", "psync2"); err != nil {
		return err
	}

	if _, err := conn.Write(resp.EncodeCommand("PSYNC", "?", "-1")); err != nil {
		return fmt.Errorf("send PSYNC: %w", err)
	}
	line, err := readSimpleLine(reader)
	if err != nil {
		return fmt.Errorf("read PSYNC reply: %w", err)
	}
	replID, offset, err := parseFullResync(line)
	if err != nil {
		return err
	}
	log.Printf("[replication] full resync: replid=%s offset=%d", replID, offset)

	if _, err := readInlineRDB(reader); err != nil {
		return fmt.Errorf("read inline RDB: %w", err)
	}
	// This server carries no on-disk RDB format (see DESIGN.md): the
	// payload is always the fixed empty snapshot, so there is nothing
	// to load into the Store. Any data the primary already held
	// arrives as ordinary propagated SET/DEL frames that follow.

	return nil
}

func (c *Client) sendAndExpect(conn net.Conn, reader *bufio.Reader, want string, args ...string) error {
	if _, err := conn.Write(resp.EncodeCommand(args...)); err != nil {
		return fmt.Errorf("send %v: %w", args, err)
	}
	line, err := readSimpleLine(reader)
	if err != nil {
		return fmt.Errorf("read reply to %v: %w", args, err)
	}
	if line != want {
		return fmt.Errorf("unexpected reply to %v: %q", args, line)
	}
	return nil
}

// stream is the STREAMING state: it reads raw bytes off reader,
// decodes as many complete frames as are available with resp.Decode,
// dispatches each one through the Applier, and advances the local
// offset by the frame's wire length after dispatch returns — except
// that REPLCONF GETACK's reply (computed by the Applier before this
// advance) reports the pre-advance offset, per the offset-accounting
// invariant.
func (c *Client) stream(conn net.Conn, reader *bufio.Reader) error {
	var tail []byte
	chunk := make([]byte, 4096)

	for {
		n, err := reader.Read(chunk)
		if n > 0 {
			tail = append(tail, chunk[:n]...)

			cmds, newTail, decErr := resp.Decode(tail)
			if decErr != nil {
				return fmt.Errorf("protocol error: %w", decErr)
			}
			tail = newTail

			for _, cmd := range cmds {
				reply := c.applier.DispatchIngest(cmd)
				c.state.AddOffset(int64(len(cmd.Raw)))
				if reply != nil {
					if _, werr := conn.Write(reply); werr != nil {
						return fmt.Errorf("write reply: %w", werr)
					}
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("connection closed by primary")
			}
			return err
		}
	}
}

func readSimpleLine(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if len(line) == 0 {
		return "", fmt.Errorf("empty reply line")
	}
	switch line[0] {
	case '+':
		return line[1:], nil
	case '-':
		return "", fmt.Errorf("error reply: %s", line[1:])
	default:
		return "", fmt.Errorf("unexpected reply line %q", line)
	}
}

func parseFullResync(line string) (replID string, offset int64, err error) {
	parts := strings.Fields(line)
	if len(parts) != 3 || parts[0] != "FULLRESYNC" {
		return "", 0, fmt.Errorf("unexpected PSYNC reply %q", line)
	}
	offset, err = strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid offset in FULLRESYNC reply %q", line)
	}
	return parts[1], offset, nil
}

// readInlineRDB reads the "$<len>\r\n<len bytes>" payload (no trailing
// CRLF) that immediately follows a FULLRESYNC reply.
func readInlineRDB(reader *bufio.Reader) ([]byte, error) {
	header, err := reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	header = strings.TrimRight(header, "\r\n")
	if len(header) < 1 || header[0] != '$' {
		return nil, fmt.Errorf("expected inline RDB header, got %q", header)
	}
	length, err := strconv.Atoi(header[1:])
	if err != nil || length < 0 {
		return nil, fmt.Errorf("invalid inline RDB length %q", header[1:])
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return nil, fmt.Errorf("read RDB payload: %w", err)
	}
	return payload, nil
}
