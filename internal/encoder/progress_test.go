// SPDX-License-Identifier: MIT

package encoder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseElapsed(t *testing.T) {
	tests := []struct {
		line string
		want time.Duration
		ok   bool
	}{
		{"frame=  100 fps=25 time=00:01:23.50 bitrate=1000k", 83*time.Second + 500*time.Millisecond, true},
		{"time=01:00:00", time.Hour, true},
		{"time=00:00:00.00", 0, true},
		{"no timestamp here", 0, false},
		{"time=bogus", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseElapsed(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}
}

func TestParsePercent(t *testing.T) {
	tests := []struct {
		line string
		want int
		ok   bool
	}{
		{"progress: 42%", 42, true},
		{"100% done", 100, true},
		{"0%", 0, true},
		{"850% nonsense", 0, false},
		{"no percent", 0, false},
	}
	for _, tt := range tests {
		got, ok := parsePercent(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}
}

func TestProgressParserWithDurationHint(t *testing.T) {
	p := newProgressParser("100s")

	pct, advanced := p.observe("time=00:00:25.00 bitrate=1k")
	require.True(t, advanced)
	assert.Equal(t, 25, pct)

	pct, advanced = p.observe("time=00:00:50.00 bitrate=1k")
	require.True(t, advanced)
	assert.Equal(t, 50, pct)

	// Earlier timestamp cannot move progress backwards.
	pct, advanced = p.observe("time=00:00:10.00 bitrate=1k")
	assert.False(t, advanced)
	assert.Equal(t, 50, pct)

	// Past the media duration caps at 99; 100 is reserved for completion.
	pct, advanced = p.observe("time=00:10:00.00 bitrate=1k")
	require.True(t, advanced)
	assert.Equal(t, 99, pct)
}

func TestProgressParserPercentFallback(t *testing.T) {
	p := newProgressParser("")

	pct, advanced := p.observe("progress: 30%")
	require.True(t, advanced)
	assert.Equal(t, 30, pct)

	// Without a duration hint, timestamps alone mean nothing.
	pct, advanced = p.observe("time=00:00:50.00 bitrate=1k")
	assert.False(t, advanced)
	assert.Equal(t, 30, pct)

	pct, advanced = p.observe("progress: 100%")
	require.True(t, advanced)
	assert.Equal(t, 99, pct)
}

func TestProgressParserGarbageIsInert(t *testing.T) {
	p := newProgressParser("not a duration")

	for _, line := range []string{"", "random noise", "time=xx:yy:zz", "%%%%"} {
		pct, advanced := p.observe(line)
		assert.False(t, advanced)
		assert.Equal(t, 0, pct)
	}
}
