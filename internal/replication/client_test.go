package replication

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faiyaz/kvrd/internal/resp"
)

// fakeApplier records every ingested command and lets a test script a
// reply for REPLCONF GETACK without depending on the dispatcher
// package (which would import this one).
type fakeApplier struct {
	applied    chan resp.Command
	masterHost string
	masterPort int
	linkUp     chan bool
}

func newFakeApplier() *fakeApplier {
	return &fakeApplier{applied: make(chan resp.Command, 16), linkUp: make(chan bool, 8)}
}

func (f *fakeApplier) DispatchIngest(cmd resp.Command) []byte {
	f.applied <- cmd
	if len(cmd.Args) == 3 && cmd.Args[0] == "REPLCONF" && cmd.Args[1] == "GETACK" {
		return resp.EncodeCommand("REPLCONF", "ACK", "999")
	}
	return nil
}

func (f *fakeApplier) SetMasterAddr(host string, port int) { f.masterHost, f.masterPort = host, port }

func (f *fakeApplier) SetLinkStatus(up bool) { f.linkUp <- up }

// acceptOneHandshake plays the primary side of the handshake exactly
// once: PING/REPLCONF/REPLCONF/PSYNC, then a short stand-in RDB
// payload, then forwards whatever extra bytes the test wants streamed.
func acceptOneHandshake(t *testing.T, ln net.Listener, streamed []byte) {
	t.Helper()
	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()

	var buf []byte
	readCmd := func() resp.Command {
		chunk := make([]byte, 4096)
		for {
			cmds, tail, err := resp.Decode(buf)
			require.NoError(t, err)
			if len(cmds) > 0 {
				buf = tail
				return cmds[0]
			}
			n, err := conn.Read(chunk)
			require.NoError(t, err)
			buf = append(buf, chunk[:n]...)
		}
	}

	ping := readCmd()
	assert.Equal(t, []string{"PING"}, ping.Args)
	conn.Write(resp.EncodeSimpleString("PONG"))

	lp := readCmd()
	assert.Equal(t, "REPLCONF", lp.Args[0])
	assert.Equal(t, "listening-port", lp.Args[1])
	conn.Write(resp.EncodeSimpleString("OK"))

	capa := readCmd()
	assert.Equal(t, "REPLCONF", capa.Args[0])
	assert.Equal(t, "capa", capa.Args[1])
	conn.Write(resp.EncodeSimpleString("OK"))

	psync := readCmd()
	assert.Equal(t, []string{"PSYNC", "?", "-1"}, psync.Args)
	conn.Write(resp.EncodeSimpleString("FULLRESYNC abc0000000000000000000000000000000000000 0"))
	conn.Write(resp.EncodeInlineRDB([]byte("12345678")))

	if len(streamed) > 0 {
		conn.Write(streamed)
	}

	// Give the replica a moment to consume the streamed bytes, without
	// reading its replies or asserting further, then let the connection
	// close when this helper returns.
	time.Sleep(50 * time.Millisecond)
}

func TestClientHandshakeThenAppliesStreamedWrites(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	addr := ln.Addr().(*net.TCPAddr)

	setFrame := resp.EncodeCommand("SET", "foo", "bar")
	done := make(chan struct{})
	go func() {
		acceptOneHandshake(t, ln, setFrame)
		close(done)
	}()

	applier := newFakeApplier()
	state := NewState()
	client := NewClient("127.0.0.1", addr.Port, 7000, state, applier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	select {
	case cmd := <-applier.applied:
		assert.Equal(t, []string{"SET", "foo", "bar"}, cmd.Args)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for streamed SET to be applied")
	}

	assert.Eventually(t, func() bool {
		return state.Offset() == int64(len(setFrame))
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, "127.0.0.1", applier.masterHost)
	assert.Equal(t, addr.Port, applier.masterPort)

	<-done
}

func TestClientReportsLinkUpAfterHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	addr := ln.Addr().(*net.TCPAddr)

	go acceptOneHandshake(t, ln, nil)

	applier := newFakeApplier()
	state := NewState()
	client := NewClient("127.0.0.1", addr.Port, 7001, state, applier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	select {
	case up := <-applier.linkUp:
		assert.True(t, up)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for link-up notification")
	}
}
