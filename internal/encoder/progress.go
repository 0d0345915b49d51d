// SPDX-License-Identifier: MIT

package encoder

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Progress parsing is best-effort text scraping of encoder diagnostics.
// Output lines are untrusted input: a line that doesn't parse leaves progress
// at its last known value and can never fail the run.

var (
	// ffmpeg stderr: "... time=00:01:23.45 bitrate= ..."
	timeRe = regexp.MustCompile(`time=(\d+):(\d{2}):(\d{2})(?:\.(\d+))?`)

	// generic tools: "progress: 42%" or "42% done"
	percentRe = regexp.MustCompile(`(\d{1,3})\s*%`)
)

// parseElapsed extracts the encoded-media timestamp from an ffmpeg progress
// line.
func parseElapsed(line string) (time.Duration, bool) {
	m := timeRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	h, err1 := strconv.Atoi(m[1])
	mi, err2 := strconv.Atoi(m[2])
	s, err3 := strconv.Atoi(m[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return 0, false
	}
	d := time.Duration(h)*time.Hour + time.Duration(mi)*time.Minute + time.Duration(s)*time.Second
	if m[4] != "" {
		frac := "0." + m[4]
		if f, err := strconv.ParseFloat(frac, 64); err == nil {
			d += time.Duration(f * float64(time.Second))
		}
	}
	return d, true
}

// parsePercent extracts an explicit percentage from a line.
func parsePercent(line string) (int, bool) {
	m := percentRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	p, err := strconv.Atoi(m[1])
	if err != nil || p < 0 || p > 100 {
		return 0, false
	}
	return p, true
}

// progressParser turns diagnostic lines into a 0-99 progress estimate.
// 100 is reserved for actual completion.
type progressParser struct {
	mediaDuration time.Duration // known input duration, 0 if unknown
	last          int
}

func newProgressParser(durationHint string) *progressParser {
	p := &progressParser{}
	if durationHint != "" {
		if d, err := time.ParseDuration(durationHint); err == nil && d > 0 {
			p.mediaDuration = d
		}
	}
	return p
}

// observe consumes one line and returns the updated progress estimate and
// whether it advanced. Progress is monotonically non-decreasing.
func (p *progressParser) observe(line string) (int, bool) {
	pct := -1

	if p.mediaDuration > 0 {
		if elapsed, ok := parseElapsed(line); ok {
			pct = int(float64(elapsed) / float64(p.mediaDuration) * 100)
		}
	}
	if pct < 0 && strings.Contains(line, "%") {
		if v, ok := parsePercent(line); ok {
			pct = v
		}
	}
	if pct < 0 {
		return p.last, false
	}

	if pct > 99 {
		pct = 99
	}
	if pct <= p.last {
		return p.last, false
	}
	p.last = pct
	return pct, true
}
