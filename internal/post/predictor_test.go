package post

import (
	"strings"
	"testing"
	"time"
)

// 2026-03-04 is a Wednesday, 2026-03-07 a Saturday.
func at(day, hour int) time.Time { return time.Date(2026, 3, day, hour, 0, 0, 0, time.UTC) }

func TestPredictEngagement(t *testing.T) {
	t.Parallel()

	mid := strings.Repeat("x", 100)
	tests := []struct {
		name    string
		content string
		media   int
		at      time.Time
		want    float64
	}{
		{"launch no media", "Check out our launch!", 0, at(4, 10), 55},
		{"launch with media", "Check out our launch!", 1, at(4, 10), 70},
		{"empty weekend off-hours", "", 0, at(7, 3), 50},
		{"mid length media morning weekday", mid, 2, at(5, 9), 90},
		{"mid length media morning saturday", mid, 1, at(7, 11), 85},
		{"evening window upper bound", mid, 0, at(7, 21), 70},
		{"just outside evening window", mid, 0, at(7, 22), 60},
		{"80 code points is medium", strings.Repeat("é", 80), 0, at(7, 3), 60},
		{"79 code points is short", strings.Repeat("é", 79), 0, at(7, 3), 40},
		{"150 is medium", strings.Repeat("a", 150), 0, at(7, 3), 60},
		{"151 is long", strings.Repeat("a", 151), 0, at(7, 3), 45},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := PredictEngagement(tt.content, tt.media, tt.at, time.UTC)
			if got != tt.want {
				t.Fatalf("score=%v want %v", got, tt.want)
			}
		})
	}
}

func TestPredictEngagementUsesLocation(t *testing.T) {
	t.Parallel()

	tokyo := time.FixedZone("JST", 9*3600)
	// 01:00 UTC Wednesday is 10:00 Wednesday in Tokyo.
	ts := time.Date(2026, 3, 4, 1, 0, 0, 0, time.UTC)
	if got := PredictEngagement("", 0, ts, time.UTC); got != 55 {
		t.Fatalf("utc score=%v want 55", got)
	}
	if got := PredictEngagement("", 0, ts, tokyo); got != 65 {
		t.Fatalf("tokyo score=%v want 65", got)
	}
}

func FuzzPredictEngagement(f *testing.F) {
	f.Add("Check out our launch!", 0, int64(0))
	f.Add("", 3, int64(1767225600))
	f.Add(strings.Repeat("z", 400), -1, int64(-86400))
	f.Fuzz(func(t *testing.T, content string, media int, unix int64) {
		ts := time.Unix(unix, 0)
		got := PredictEngagement(content, media, ts, time.UTC)
		if got < 0 || got > 100 {
			t.Fatalf("score %v out of range", got)
		}
		if again := PredictEngagement(content, media, ts, time.UTC); again != got {
			t.Fatalf("not deterministic: %v then %v", got, again)
		}
	})
}
