package tcp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meander-Cloud/go-peerlink/config"
)

func TestResolveAddress(t *testing.T) {
	cases := []struct {
		family string
		host   string
		want   string
	}{
		{config.FamilyIPv4, "", "0.0.0.0:8911"},
		{config.FamilyIPv6, "", "[::]:8911"},
		{config.FamilyIPv4, "127.0.0.1", "127.0.0.1:8911"},
		{config.FamilyIPv6, "::1", "[::1]:8911"},
		{config.FamilyIPv6, "fe80::1", "[fe80::1]:8911"},
	}

	for _, tc := range cases {
		got, err := ResolveAddress(tc.family, tc.host, 8911)
		require.NoError(t, err, "%s %s", tc.family, tc.host)
		assert.Equal(t, tc.want, got)
	}
}

func TestResolveAddressFamilyMismatch(t *testing.T) {
	_, err := ResolveAddress(config.FamilyIPv4, "::1", 8911)
	assert.Error(t, err)

	_, err = ResolveAddress(config.FamilyIPv6, "10.0.0.1", 8911)
	assert.Error(t, err)

	_, err = ResolveAddress("ipx", "127.0.0.1", 8911)
	assert.Error(t, err)
}

func TestResolveLocalhost(t *testing.T) {
	got, err := ResolveAddress(config.FamilyIPv4, "localhost", 8912)
	if err != nil {
		t.Skipf("localhost does not resolve here: %s", err.Error())
	}
	assert.True(t, strings.HasPrefix(got, "127."), got)
	assert.True(t, strings.HasSuffix(got, ":8912"), got)
}

func TestShutdownWithoutHandles(t *testing.T) {
	tr := NewTransport(&config.Config{Family: config.FamilyIPv4})
	tr.Shutdown()
	tr.Shutdown()
}

func TestShutdownClosesEachHandleOnce(t *testing.T) {
	tr := NewTransport(&config.Config{Family: config.FamilyIPv4})

	var counts [2]int
	first := tr.track(&handle{name: "first", shutdown: func() { counts[0]++ }})
	tr.track(&handle{name: "second", shutdown: func() { counts[1]++ }})

	// closed by its owner before the transport goes down
	require.NoError(t, first.Close())
	require.NoError(t, first.Close())

	tr.Shutdown()
	tr.Shutdown()
	assert.Equal(t, [2]int{1, 1}, counts)
}
