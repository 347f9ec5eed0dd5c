// Package rdb holds the fixed, empty RDB payload sent as the inline
// snapshot in a PSYNC full resync. This server's data model has no
// on-disk RDB format (see DESIGN.md), so the snapshot is always this
// one constant rather than a serialization of the live Store.
package rdb

import "encoding/hex"

// emptyHex is the well-known empty RDB file: magic "REDIS0011", the
// redis-ver/redis-bits/ctime/used-mem/aof-base aux fields, and an EOF
// opcode plus CRC64 checksum. It decodes to exactly 88 bytes.
const emptyHex = "524544495330303131fa0972656469732d76657205372e322e30fa0a" +
	"72656469732d62697473c040fa056374696d65c26d08bc65fa08757365" +
	"642d6d656dc2b0c10000fa08616f662d62617365c000fff06e3bfec0ff5aa2"

// Empty returns a fresh copy of the empty RDB payload.
func Empty() []byte {
	b, err := hex.DecodeString(emptyHex)
	if err != nil {
		// emptyHex is a compile-time constant; a decode failure here
		// would mean the constant itself was typo'd.
		panic("rdb: malformed emptyHex constant: " + err.Error())
	}
	return b
}
