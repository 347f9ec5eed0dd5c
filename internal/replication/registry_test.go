package replication

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotentPerConnection(t *testing.T) {
	r := NewRegistry()
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	go drainConn(client)

	rep1 := r.Register(server)
	rep2 := r.Register(server)
	assert.Same(t, rep1, rep2)
	assert.Equal(t, 1, r.Count())
}

func TestSetListeningPortOverridesConnectionPort(t *testing.T) {
	r := NewRegistry()
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	go drainConn(client)

	rep := r.Register(server)
	r.SetListeningPort(server, 6380)
	assert.Equal(t, 6380, rep.Port())
}

func TestRemoveDropsReplica(t *testing.T) {
	r := NewRegistry()
	server, client := net.Pipe()
	defer client.Close()
	go drainConn(client)

	r.Register(server)
	require.Equal(t, 1, r.Count())
	r.Remove(server)
	assert.Equal(t, 0, r.Count())
}

func TestUpdateAckAndCountAcked(t *testing.T) {
	r := NewRegistry()
	s1, c1 := net.Pipe()
	s2, c2 := net.Pipe()
	defer s1.Close()
	defer s2.Close()
	defer c1.Close()
	defer c2.Close()
	go drainConn(c1)
	go drainConn(c2)

	r.Register(s1)
	r.Register(s2)

	r.UpdateAck(s1, 100)
	r.UpdateAck(s2, 50)

	assert.Equal(t, 1, r.CountAcked(100))
	assert.Equal(t, 2, r.CountAcked(50))
	assert.Equal(t, 0, r.CountAcked(101))
}

func TestPropagateWritesFrameToEveryReplica(t *testing.T) {
	r := NewRegistry()
	s1, c1 := net.Pipe()
	s2, c2 := net.Pipe()
	defer s1.Close()
	defer s2.Close()
	defer c1.Close()
	defer c2.Close()

	r.Register(s1)
	r.Register(s2)

	frame := []byte("*1\r\n$4\r\nPING\r\n")
	done := make(chan []byte, 2)
	go func() {
		buf := make([]byte, len(frame))
		c1.Read(buf)
		done <- buf
	}()
	go func() {
		buf := make([]byte, len(frame))
		c2.Read(buf)
		done <- buf
	}()

	r.Propagate(frame)

	for i := 0; i < 2; i++ {
		got := <-done
		assert.Equal(t, frame, got)
	}
}

func TestPropagateRemovesReplicaOnWriteFailure(t *testing.T) {
	r := NewRegistry()
	server, client := net.Pipe()
	client.Close() // closing the peer makes writes on server fail

	r.Register(server)
	require.Equal(t, 1, r.Count())

	r.Propagate([]byte("*1\r\n$4\r\nPING\r\n"))
	assert.Equal(t, 0, r.Count())
}

// drainConn drains conn until it's closed, so writes from the other
// end of a net.Pipe (which is synchronous and unbuffered) don't block.
func drainConn(conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}
