package wire

import (
	"context"
	"net/netip"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/meshtele/tele"
)

func TestExec(t *testing.T) {
	t.Parallel()

	type Case struct {
		line      string
		expect    string
		expectErr string
	}
	cases := []Case{
		{"decode seq=42 t0=1000", "telemetry seq=42 t0=1000", ""},
		{"decode SYNC t=77", "sync SYNC t=77", ""},
		{"decode seq=abc t0=1000", "no match", ""},
		{"decode", "no match", ""},
		{"sample 1 4294967295", "seq=1 t0=4294967295", ""},
		{"sample 1", "", "expected arguments: seq t0"},
		{"sample 1 4294967296", "", "t0"},
		{"sync 5", "SYNC t=5", ""},
		{"offset 10 4294967290", "16", ""},
		{"offset 0 100", "-100", ""},
		{"adjust 1000 12", "1012", ""},
		{"adjust 5 -6", "0", ""},
		{"adjust 5", "", "usage: adjust"},
		{"hello", "", "command 'hello' not found"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.line, func(t *testing.T) {
			t.Parallel()
			out, err := Exec(context.Background(), nil, c.line)
			if c.expectErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.expectErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expect, out)
		})
	}
}

func TestExecSend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr := tele.NewMockTransport(netip.MustParseAddr("aaaa::9"))
	out, err := Exec(ctx, tr, "send aaaa::1 8765 seq=1 t0=2")
	require.NoError(t, err)
	assert.Equal(t, "sent 10 bytes", out)
	sent := tr.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "seq=1 t0=2", string(sent[0].Payload))
	assert.Equal(t, netip.MustParseAddrPort("[aaaa::1]:8765"), sent[0].To)

	_, err = Exec(ctx, tr, "send aaaa::1 8765")
	assert.True(t, errors.IsNotValid(err))
	_, err = Exec(ctx, tr, "send nowhere 8765 x")
	assert.Error(t, err)
	tr.SetSendError(tele.ErrClosing)
	_, err = Exec(ctx, tr, "send ::1 1 x")
	assert.Equal(t, tele.ErrClosing, errors.Cause(err))
}
