package linebuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	frames []string
	terms  []byte
}

func (c *collector) handle(fr Frame) {
	c.frames = append(c.frames, string(fr.Data))
	c.terms = append(c.terms, fr.Term)
}

func TestFramer_SplitsAndRetainsTail(t *testing.T) {
	c := &collector{}
	f := New(c.handle)

	n := f.Feed([]byte("AB\nCD\nE"))
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"AB", "CD"}, c.frames)
	assert.Equal(t, "E", string(f.Buffered()))

	f.Feed([]byte("F\n"))
	assert.Equal(t, []string{"AB", "CD", "EF"}, c.frames)
	assert.Empty(t, f.Buffered())
}

func TestFramer_ZeroLengthFrames(t *testing.T) {
	c := &collector{}
	f := New(c.handle)

	f.Feed([]byte("\n\nok\n"))
	assert.Equal(t, []string{"", "", "ok"}, c.frames)
}

func TestFramer_ByteAtATime(t *testing.T) {
	c := &collector{}
	f := New(c.handle)

	for _, b := range []byte("<Idle|MPos:0,0,0>\nok\n") {
		f.Feed([]byte{b})
	}
	assert.Equal(t, []string{"<Idle|MPos:0,0,0>", "ok"}, c.frames)
}

func TestFramer_TerminatorChangeAffectsLaterFramesOnly(t *testing.T) {
	c := &collector{}
	f := New(c.handle)

	f.Feed([]byte("ok\npart"))
	f.SetTerminator(EOT)
	assert.Equal(t, EOT, f.Terminator())

	f.Feed([]byte("1.nc 10\npart2.nc 20\n\x04rest"))
	require.Equal(t, []string{"ok", "part1.nc 10\npart2.nc 20\n"}, c.frames)
	assert.Equal(t, []byte{LF, EOT}, c.terms)
	assert.Equal(t, "rest", string(f.Buffered()))
}

func TestFramer_HandlerSwitchesTerminatorMidChunk(t *testing.T) {
	var frames []string
	var f *Framer
	f = New(func(fr Frame) {
		frames = append(frames, string(fr.Data))
		if fr.Term == EOT {
			f.SetTerminator(LF)
		}
	}, WithTerminator(EOT))

	f.Feed([]byte("a 1\nb 2\n\x04ok\nnext\n"))
	assert.Equal(t, []string{"a 1\nb 2\n", "ok", "next"}, frames)
}

func TestFramer_StripCR(t *testing.T) {
	c := &collector{}
	f := New(c.handle, WithStripCR())

	f.Feed([]byte("ok\r\n\r\nversion 1.0\n"))
	assert.Equal(t, []string{"ok", "", "version 1.0"}, c.frames)
}

func TestFramer_Reset(t *testing.T) {
	c := &collector{}
	f := New(c.handle, WithTerminator(EOT))
	f.Feed([]byte("partial"))

	f.Reset()
	assert.Empty(t, f.Buffered())
	assert.Equal(t, LF, f.Terminator())

	f.Feed([]byte("x\n"))
	assert.Equal(t, []string{"x"}, c.frames)
}
