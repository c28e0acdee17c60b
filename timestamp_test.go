package avenc

import (
	"testing"
	"time"
)

// msFrameRate gives a 1/1000 wall-clock time base: 62.5 fps with 16 ticks
// per frame, so microsecond hints map to targets of hint/1000.
var msFrameRate = Rational{1000, 16}

func TestTimestampControllerTimeBase(t *testing.T) {
	tests := []struct {
		name  string
		mode  TimestampMode
		rate  Rational
		tb    Rational
		ticks int64
	}{
		{"fixed 60", TimestampFixedCadence, Rational{60, 1}, Rational{1, 60}, 1},
		{"fixed ntsc", TimestampFixedCadence, Rational{30000, 1001}, Rational{1001, 30000}, 1},
		{"wall clock 60", TimestampWallClock, Rational{60, 1}, Rational{1, 960}, 16},
		{"passthrough", TimestampPassthrough, Rational{60, 1}, MicrosecondTimeBase, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewTimestampController(tt.mode, tt.rate, DriftParams{}, newFakeClock())
			if got := c.VideoTimeBase(); got != tt.tb {
				t.Errorf("VideoTimeBase() = %v, want %v", got, tt.tb)
			}
			if got := c.TicksPerFrame(); got != tt.ticks {
				t.Errorf("TicksPerFrame() = %d, want %d", got, tt.ticks)
			}
		})
	}
}

func TestFixedCadence(t *testing.T) {
	c := NewTimestampController(TimestampFixedCadence, Rational{30, 1}, DriftParams{}, newFakeClock())
	for i := int64(0); i < 10; i++ {
		// Hints are ignored.
		pts, adj := c.NextVideoPTS(999999 - i*1000)
		if pts != i {
			t.Errorf("frame %d: pts = %d, want %d", i, pts, i)
		}
		if adj != AdjustNone {
			t.Errorf("frame %d: adjustment = %v, want none", i, adj)
		}
	}
}

func TestWallClockCorrection(t *testing.T) {
	tests := []struct {
		name    string
		prev    int64
		hintUs  int64
		wantPTS int64
		wantAdj Adjustment
	}{
		{"on time", 1000, 1_000_000, 1000, AdjustNone},
		{"below nudge threshold", 1000, 1_003_000, 1000, AdjustNone},
		{"nudge forward", 1000, 1_100_000, 1001, AdjustNudge},
		{"nudge at threshold", 1000, 1_004_000, 1001, AdjustNudge},
		{"nudge backward", 1000, 950_000, 999, AdjustNudge},
		{"snap limit", 1000, 1_128_000, 1001, AdjustNudge},
		{"snap forward", 1000, 1_200_000, 1200, AdjustSnap},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewTimestampController(TimestampWallClock, msFrameRate, DriftParams{}, newFakeClock())
			c.SetPreviousVideoPTS(tt.prev)
			pts, adj := c.NextVideoPTS(tt.hintUs)
			if pts != tt.wantPTS || adj != tt.wantAdj {
				t.Errorf("NextVideoPTS(%d) = %d, %v; want %d, %v", tt.hintUs, pts, adj, tt.wantPTS, tt.wantAdj)
			}
		})
	}
}

func TestWallClockFirstFrame(t *testing.T) {
	c := NewTimestampController(TimestampWallClock, msFrameRate, DriftParams{}, newFakeClock())
	pts, adj := c.NextVideoPTS(5_000_000)
	if pts != 5000 || adj != AdjustNone {
		t.Errorf("first frame = %d, %v; want 5000, none", pts, adj)
	}
	pts, _ = c.NextVideoPTS(5_016_000)
	if pts != 5016 {
		t.Errorf("second frame = %d, want 5016", pts)
	}
}

func TestWallClockMonotonic(t *testing.T) {
	c := NewTimestampController(TimestampWallClock, msFrameRate, DriftParams{}, newFakeClock())
	jitter := []int64{0, 3000, -2500, 6000, -7000, 1000, 12000, -4000}

	last := int64(-1)
	snaps := 0
	for i := int64(0); i < 200; i++ {
		hint := i*16000 + jitter[i%int64(len(jitter))]
		if i >= 120 {
			// The capture clock jumped back by a second.
			hint -= 1_000_000
		}
		pts, adj := c.NextVideoPTS(hint)
		if adj == AdjustSnap {
			snaps++
		}
		if pts <= last {
			t.Fatalf("frame %d: pts %d not after %d (hint %d, %v)", i, pts, last, hint, adj)
		}
		last = pts
	}
	if snaps != 1 {
		t.Errorf("snaps = %d, want 1 for the single clock jump", snaps)
	}
}

func TestWallClockBackwardSnap(t *testing.T) {
	c := NewTimestampController(TimestampWallClock, msFrameRate, DriftParams{}, newFakeClock())
	c.SetPreviousVideoPTS(5000)
	first, _ := c.NextVideoPTS(5_000_000)

	pts, adj := c.NextVideoPTS(1_000_000)
	if adj != AdjustSnap {
		t.Errorf("adjustment = %v, want snap", adj)
	}
	if want := first + 16; pts != want {
		t.Errorf("pts after backward snap = %d, want %d", pts, want)
	}
	// Later hints continue from the rebased timeline.
	if pts, adj := c.NextVideoPTS(1_016_000); pts != first+32 || adj != AdjustNone {
		t.Errorf("next frame = %d, %v; want %d, none", pts, adj, first+32)
	}
}

func TestDriftParamsOverride(t *testing.T) {
	c := NewTimestampController(TimestampWallClock, msFrameRate, DriftParams{SnapFrames: 2}, newFakeClock())
	c.SetPreviousVideoPTS(1000)
	// 40 ticks is past 2 frames but would only nudge with the default of 8.
	if _, adj := c.NextVideoPTS(1_040_000); adj != AdjustSnap {
		t.Errorf("adjustment = %v, want snap", adj)
	}
}

func TestPassthrough(t *testing.T) {
	c := NewTimestampController(TimestampPassthrough, Rational{60, 1}, DriftParams{}, newFakeClock())
	want := []struct{ hint, pts int64 }{{100, 100}, {50, 101}, {101, 102}, {500, 500}}
	for _, w := range want {
		if pts, _ := c.NextVideoPTS(w.hint); pts != w.pts {
			t.Errorf("NextVideoPTS(%d) = %d, want %d", w.hint, pts, w.pts)
		}
	}
}

func TestRealtimePTS(t *testing.T) {
	clock := newFakeClock()
	c := NewTimestampController(TimestampWallClock, Rational{60, 1}, DriftParams{}, clock)
	clock.Advance(1500 * time.Millisecond)
	if got := c.RealtimePTS(); got != 1_500_000 {
		t.Errorf("RealtimePTS() = %d, want 1500000", got)
	}
	c.Start()
	if got := c.RealtimePTS(); got != 0 {
		t.Errorf("RealtimePTS() after Start = %d, want 0", got)
	}
}

func TestAudioClamp(t *testing.T) {
	clock := newFakeClock()
	c := NewTimestampController(TimestampWallClock, Rational{60, 1}, DriftParams{}, clock)

	// 480 samples at 48 kHz last 10ms; the window is 9900..10100µs after.
	steps := []struct {
		name      string
		advanceUs int64
		want      int64
		lower     int64
		upper     int64
	}{
		{"first", 0, 0, 9900, 10100},
		{"early clamps to lower", 5000, 9900, 19800, 20000},
		{"late clamps to upper", 20000, 20000, 29900, 30100},
		{"inside window", 5100, 30100, 40000, 40200},
		{"discontinuity passes", 1_000_000, 1_030_100, 1_040_000, 1_040_200},
	}

	for _, s := range steps {
		clock.Advance(time.Duration(s.advanceUs) * time.Microsecond)
		got := c.NextAudioPTS(480, 48000, 0)
		if got != s.want {
			t.Errorf("%s: pts = %d, want %d", s.name, got, s.want)
		}
		lower, upper := c.AudioBounds()
		if lower != s.lower || upper != s.upper {
			t.Errorf("%s: bounds = [%d, %d], want [%d, %d]", s.name, lower, upper, s.lower, s.upper)
		}
	}
}

func TestAudioCompensation(t *testing.T) {
	clock := newFakeClock()
	c := NewTimestampController(TimestampWallClock, Rational{60, 1}, DriftParams{}, clock)
	clock.Advance(time.Second)
	if got := c.NextAudioPTS(480, 48000, -20000); got != 980000 {
		t.Errorf("compensated pts = %d, want 980000", got)
	}
}

func TestDriftParamsValidate(t *testing.T) {
	tests := []struct {
		name    string
		params  DriftParams
		wantErr bool
	}{
		{"zero", DriftParams{}, false},
		{"defaults", DefaultDriftParams(), false},
		{"negative snap", DriftParams{SnapFrames: -1}, true},
		{"inverted audio bounds", DriftParams{AudioDriftLow: 1010000, AudioDriftHigh: 990000}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.params.validate(); (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
