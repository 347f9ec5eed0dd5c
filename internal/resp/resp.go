// Package resp implements the subset of the RESP wire protocol this
// server needs: arrays of bulk strings for commands, and the four
// response shapes the dispatcher emits, plus the special no-CRLF bulk
// framing used for an inline RDB payload during replication handshake.
package resp

import (
	"bytes"
	"fmt"
	"strconv"
)

// Command is a single decoded command frame: an array of bulk strings.
type Command struct {
	Args []string
	// Raw is the exact bytes this command occupied on the wire,
	// including its terminating CRLFs. The dispatcher propagates this
	// slice verbatim and uses its length for offset accounting.
	Raw []byte
}

// ErrProtocol marks a malformed frame that cannot be resynchronized;
// the caller should close the session.
type ErrProtocol struct {
	msg string
}

func (e *ErrProtocol) Error() string { return e.msg }

func protoErrf(format string, args ...interface{}) error {
	return &ErrProtocol{msg: fmt.Sprintf(format, args...)}
}

// Decode splits buf into as many complete command frames as are
// present, returning them in order along with the unconsumed tail.
// Decode is resumable: Decode(a) followed by Decode(append(tailA, b...))
// yields the same commands as Decode(append(a, b...)) in one call,
// provided a's tail is preserved across calls.
//
// A malformed array/bulk header (non-integer count, negative bulk
// length other than the null-bulk marker inside an array) is reported
// as an error; the caller should treat this as a protocol error that
// ends the session, since the decoder cannot know where the next frame
// would begin.
func Decode(buf []byte) (cmds []Command, tail []byte, err error) {
	pos := 0
	for {
		if pos >= len(buf) {
			return cmds, buf[pos:], nil
		}
		if buf[pos] != '*' {
			return cmds, nil, protoErrf("expected array header '*', got %q", buf[pos])
		}

		end, n, ok := readArray(buf, pos)
		if !ok {
			if end < 0 {
				return cmds, nil, end2err(buf, pos)
			}
			// Incomplete frame: wait for more bytes.
			return cmds, buf[pos:], nil
		}

		args, err := decodeArgs(buf[pos:end], n)
		if err != nil {
			return cmds, nil, err
		}

		cmds = append(cmds, Command{Args: args, Raw: buf[pos:end]})
		pos = end
	}
}

// end2err re-parses the header at pos purely to produce a useful error
// message for the negative-length ("malformed") case distinguished
// from the "not enough bytes yet" case by readArray's -1 sentinel.
func end2err(buf []byte, pos int) error {
	crlf := bytes.Index(buf[pos:], []byte("\r\n"))
	if crlf < 0 {
		return protoErrf("malformed array header")
	}
	return protoErrf("malformed array header %q", buf[pos:pos+crlf])
}

// readArray scans the array header and every element starting at pos,
// returning the index just past the complete frame and the declared
// element count. ok is false if more bytes are needed; end is -1 (with
// ok false) if the header/contents are malformed beyond recovery by
// waiting for more data.
func readArray(buf []byte, pos int) (end int, count int, ok bool) {
	crlf := bytes.Index(buf[pos:], []byte("\r\n"))
	if crlf < 0 {
		return 0, 0, false
	}
	countStr := string(buf[pos+1 : pos+crlf])
	n, err := strconv.Atoi(countStr)
	if err != nil {
		return -1, 0, false
	}
	if n < 0 {
		return -1, 0, false
	}

	idx := pos + crlf + 2
	for i := 0; i < n; i++ {
		next, ok := skipBulk(buf, idx)
		if next < 0 {
			return -1, 0, false
		}
		if !ok {
			return 0, 0, false
		}
		idx = next
	}
	return idx, n, true
}

// skipBulk advances past one complete bulk string ("$<len>\r\n<bytes>\r\n")
// starting at idx. Returns -1 if malformed, 0 with ok=false if
// incomplete.
func skipBulk(buf []byte, idx int) (next int, ok bool) {
	if idx >= len(buf) {
		return 0, false
	}
	if buf[idx] != '$' {
		return -1, false
	}
	rest := buf[idx:]
	crlf := bytes.Index(rest, []byte("\r\n"))
	if crlf < 0 {
		return 0, false
	}
	length, err := strconv.Atoi(string(rest[1:crlf]))
	if err != nil || length < 0 {
		return -1, false
	}
	needed := crlf + 2 + length + 2
	if len(rest) < needed {
		return 0, false
	}
	if rest[crlf+2+length] != '\r' || rest[crlf+2+length+1] != '\n' {
		return -1, false
	}
	return idx + needed, true
}

// decodeArgs extracts the n bulk-string values out of a complete array
// frame (header + elements, no surrounding bytes).
func decodeArgs(frame []byte, n int) ([]string, error) {
	args := make([]string, 0, n)
	crlf := bytes.Index(frame, []byte("\r\n"))
	idx := crlf + 2
	for i := 0; i < n; i++ {
		rest := frame[idx:]
		bcrlf := bytes.Index(rest, []byte("\r\n"))
		length, err := strconv.Atoi(string(rest[1:bcrlf]))
		if err != nil {
			return nil, protoErrf("malformed bulk length %q", rest[1:bcrlf])
		}
		start := idx + bcrlf + 2
		args = append(args, string(frame[start:start+length]))
		idx = start + length + 2
	}
	return args, nil
}

// DecodeInlineRDB reads a bulk-string-shaped RDB payload
// ("$<len>\r\n<len bytes>", with NO trailing CRLF) from the front of
// buf. Returns the payload, the number of bytes consumed, and ok=false
// if buf does not yet contain the whole payload.
func DecodeInlineRDB(buf []byte) (payload []byte, consumed int, ok bool) {
	if len(buf) == 0 || buf[0] != '$' {
		return nil, 0, false
	}
	crlf := bytes.Index(buf, []byte("\r\n"))
	if crlf < 0 {
		return nil, 0, false
	}
	length, err := strconv.Atoi(string(buf[1:crlf]))
	if err != nil || length < 0 {
		return nil, 0, false
	}
	total := crlf + 2 + length
	if len(buf) < total {
		return nil, 0, false
	}
	return buf[crlf+2 : total], total, true
}

// EncodeSimpleString encodes "+<s>\r\n".
func EncodeSimpleString(s string) []byte {
	return []byte("+" + s + "\r\n")
}

// EncodeError encodes "-<s>\r\n".
func EncodeError(s string) []byte {
	return []byte("-" + s + "\r\n")
}

// EncodeInteger encodes ":<n>\r\n".
func EncodeInteger(n int64) []byte {
	return []byte(":" + strconv.FormatInt(n, 10) + "\r\n")
}

// EncodeBulkString encodes "$<len>\r\n<s>\r\n".
func EncodeBulkString(s string) []byte {
	return []byte("$" + strconv.Itoa(len(s)) + "\r\n" + s + "\r\n")
}

// EncodeNullBulkString encodes "$-1\r\n", used for a GET miss.
func EncodeNullBulkString() []byte {
	return []byte("$-1\r\n")
}

// EncodeArray encodes an array of bulk strings. An empty slice encodes
// as a null bulk string rather than "*0\r\n", matching the null-array
// convention this server uses for an empty result list.
func EncodeArray(items []string) []byte {
	if len(items) == 0 {
		return EncodeNullBulkString()
	}
	var buf bytes.Buffer
	buf.WriteString("*" + strconv.Itoa(len(items)) + "\r\n")
	for _, item := range items {
		buf.Write(EncodeBulkString(item))
	}
	return buf.Bytes()
}

// EncodeCommand encodes args as a command frame (array of bulk
// strings). Used by the primary to serialize writes for propagation
// and by the replica to send handshake/ACK commands.
func EncodeCommand(args ...string) []byte {
	return EncodeArray(args)
}

// EncodeInlineRDB encodes payload as "$<len>\r\n<payload>" with no
// trailing CRLF — the one RESP shape in this protocol that isn't
// CRLF-terminated.
func EncodeInlineRDB(payload []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("$" + strconv.Itoa(len(payload)) + "\r\n")
	buf.Write(payload)
	return buf.Bytes()
}
