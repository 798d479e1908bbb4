package main

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/koru3d/koru/gfx"
)

func TestDevicesHeadless(t *testing.T) {
	c := qt.New(t)
	infos, err := devices(gfx.APIHeadless)
	c.Assert(err, qt.IsNil)
	c.Assert(infos, qt.HasLen, 1)
	c.Assert(infos[0].API, qt.Equals, gfx.APIHeadless)
}

func TestDevicesUnknown(t *testing.T) {
	c := qt.New(t)
	_, err := devices("metal")
	c.Assert(err, qt.ErrorMatches, `.*metal.*`)
}

func TestRenderHeadless(t *testing.T) {
	c := qt.New(t)
	stats, err := render(gfx.APIHeadless, 5)
	c.Assert(err, qt.IsNil)
	c.Assert(stats.Frames, qt.Equals, uint64(5))
	c.Assert(stats.Passes, qt.Equals, uint64(5))
	c.Assert(stats.Skipped, qt.Equals, uint64(0))
}
