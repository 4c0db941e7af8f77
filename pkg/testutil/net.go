package testutil

import (
	"bufio"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ReadLine reads one newline-terminated line from the connection, failing the test on timeout.
func ReadLine(t *testing.T, conn net.Conn, r *bufio.Reader, timeout time.Duration) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Time{}))
	return line
}

// ReadExactly reads len(expected) bytes from the connection and compares them with expected.
func ReadExactly(t *testing.T, conn net.Conn, expected string, timeout time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	buf := make([]byte, len(expected))
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		require.NoError(t, err)
		total += n
	}
	require.Equal(t, expected, string(buf))
	require.NoError(t, conn.SetReadDeadline(time.Time{}))
}

// DialLoopback connects to a loopback port, failing the test on error.
func DialLoopback(t *testing.T, port int) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}
