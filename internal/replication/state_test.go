package replication

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewStateStartsAsPrimaryWithZeroOffset(t *testing.T) {
	s := NewState()
	assert.Equal(t, RolePrimary, s.Role())
	assert.Equal(t, int64(0), s.Offset())
	assert.Equal(t, "8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb", s.ReplID())
}

func TestSetRoleSwitchesToReplica(t *testing.T) {
	s := NewState()
	s.SetRole(RoleReplica)
	assert.Equal(t, RoleReplica, s.Role())
	assert.Equal(t, "slave", s.Role().String())
}

func TestAddOffsetAccumulates(t *testing.T) {
	s := NewState()
	assert.Equal(t, int64(5), s.AddOffset(5))
	assert.Equal(t, int64(12), s.AddOffset(7))
	assert.Equal(t, int64(12), s.Offset())
}
