package main

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenReportsOccupiedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	addr := ln.Addr().String()
	assert.False(t, portFree(addr))

	_, err = listen(addr, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port already in use")
}

func TestListenWithConnectionCap(t *testing.T) {
	ln, err := listen("127.0.0.1:0", 4)
	require.NoError(t, err)
	defer ln.Close()

	addr := ln.Addr().String()
	assert.False(t, portFree(addr))
}

func TestRunAdminProcessUnknownCommand(t *testing.T) {
	assert.Equal(t, 1, runAdminProcess("migrate", ""))
}
