package subcmd

import (
	"context"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/meshtele/internal/state"
)

func TestParse(t *testing.T) {
	t.Parallel()

	noop := func(context.Context, *state.Config) error { return nil }
	mods := []Mod{{Name: "root", Main: noop}, {Name: "sensor", Main: noop}}

	m, err := Parse("sensor", mods)
	require.NoError(t, err)
	assert.Equal(t, "sensor", m.Name)

	_, err = Parse("", mods)
	assert.EqualError(t, err, "empty command, expected one of: root|sensor")
	_, err = Parse("vmc", mods)
	assert.EqualError(t, err, "unknown command='vmc', expected one of: root|sensor")

	assert.Panics(t, func() { _, _ = Parse("x", []Mod{{}}) })
}

func TestStopErr(t *testing.T) {
	t.Parallel()

	assert.NoError(t, StopErr(nil))
	assert.NoError(t, StopErr(context.Canceled))
	assert.Error(t, StopErr(context.DeadlineExceeded))
	assert.Error(t, StopErr(errors.New("bind")))
}
