package drbd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleProc = `version: 8.3.11 (api:88/proto:86-96)
 0: cs:Connected ro:Primary/Secondary ds:UpToDate/UpToDate C r-----
    ns:0 nr:0 dw:0 dr:0 al:0 bm:0 lo:0 pe:0 ua:0 ap:0 ep:1 wo:f oos:0
 1: cs:SyncSource ro:Primary/Secondary ds:UpToDate/Inconsistent C r-----
    ns:1048576 nr:0 dw:0 dr:1048576 al:0 bm:64 lo:0 pe:3 ua:0 ap:0 ep:1 wo:f oos:524288
	[=========>..........] sync'ed: 48.3% (524288/1048576)K
`

func TestParseProc(t *testing.T) {
	minors := ParseProc(sampleProc)
	require.Len(t, minors, 2)

	assert.Equal(t, 0, minors[0].Minor)
	assert.True(t, minors[0].Connected)
	assert.True(t, minors[0].Primary)
	assert.True(t, minors[0].DiskUpToDate)
	assert.False(t, minors[0].IsInResync)

	assert.Equal(t, 1, minors[1].Minor)
	assert.True(t, minors[1].IsInResync)
	assert.True(t, minors[1].HasSyncPercent)
	assert.InDelta(t, 48.3, minors[1].SyncPercent, 0.01)
}

func TestParseVersion(t *testing.T) {
	v, ok := ParseVersion(sampleProc)
	require.True(t, ok)
	assert.Equal(t, Version{Major: 8, Minor: 3, Rev: 11, API: 88, Proto: 86}, v)
}

// TestPropertyBarrierArgsTable walks the full version/flag matrix for
// ComputeDiskBarrierArgs.
func TestPropertyBarrierArgsTable(t *testing.T) {
	cases := []struct {
		v        Version
		req      string
		expect   string
		wantErr  bool
	}{
		{Version{Major: 8, Minor: 0, Rev: 11}, "n", "", true},
		{Version{Major: 8, Minor: 0, Rev: 12}, "n", "n", false},
		{Version{Major: 8, Minor: 0, Rev: 12}, "b", "", true},
		{Version{Major: 8, Minor: 2, Rev: 6}, "fd", "", true},
		{Version{Major: 8, Minor: 2, Rev: 7}, "fd", "df", false},
		{Version{Major: 8, Minor: 2, Rev: 7}, "n", "", true},
		{Version{Major: 8, Minor: 3, Rev: 0}, "bfdn", "bdfn", false},
		{Version{Major: 8, Minor: 3, Rev: 12}, "b", "b", false},
		// Versions outside the validated table never get barrier flags,
		// not even 'n'.
		{Version{Major: 8, Minor: 1, Rev: 0}, "n", "", true},
		{Version{Major: 8, Minor: 4, Rev: 0}, "n", "", true},
		{Version{Major: 9, Minor: 0, Rev: 0}, "n", "", true},
		// Pre-barrier-control drivers accept an empty request only.
		{Version{Major: 8, Minor: 0, Rev: 11}, "", "", false},
	}
	for _, c := range cases {
		got, err := ComputeDiskBarrierArgs(c.v, c.req)
		if c.wantErr {
			assert.Error(t, err, "%+v", c)
			continue
		}
		require.NoError(t, err, "%+v", c)
		assert.ElementsMatch(t, []byte(c.expect), []byte(got), "%+v", c)
	}
}
