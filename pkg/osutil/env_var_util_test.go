package osutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnvVarStringWithDefault(t *testing.T) {
	const name = "PERLDBG_TEST_STRING_VAR"

	t.Setenv(name, "")
	require.Equal(t, "perl", EnvVarStringWithDefault(name, "perl"))

	t.Setenv(name, " /opt/perl/bin/perl ")
	require.Equal(t, "/opt/perl/bin/perl", EnvVarStringWithDefault(name, "perl"))
}

func TestEnvVarDurationValWithDefault(t *testing.T) {
	const name = "PERLDBG_TEST_DURATION_VAR"

	require.Equal(t, 5*time.Second, EnvVarDurationValWithDefault(name, 5*time.Second))

	t.Setenv(name, "750ms")
	require.Equal(t, 750*time.Millisecond, EnvVarDurationValWithDefault(name, 5*time.Second))

	t.Setenv(name, "soon")
	require.Equal(t, 5*time.Second, EnvVarDurationValWithDefault(name, 5*time.Second))

	t.Setenv(name, "-1s")
	require.Equal(t, 5*time.Second, EnvVarDurationValWithDefault(name, 5*time.Second))
}
