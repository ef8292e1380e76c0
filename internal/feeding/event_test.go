package feeding

import (
	"testing"
	"time"
)

func TestParseLinkStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want LinkStatus
	}{
		{"Connected", LinkConnected},
		{"poor connection", LinkPoor},
		{" Test Mode ", LinkTestMode},
		{"n/a", LinkNotApplicable},
		{"", LinkUnknown},
		{"flaky", LinkUnknown},
	}
	for _, tc := range cases {
		if got := ParseLinkStatus(tc.in); got != tc.want {
			t.Fatalf("ParseLinkStatus(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestPatchApplyLeavesNilFields(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := Event{ID: "e1", Status: StatusScheduled, AttemptCount: 1, FailureReason: "old", ScheduledTime: at}
	Patch{Status: Ptr(StatusProcessing), AttemptCount: Ptr(2)}.Apply(&ev)

	if ev.Status != StatusProcessing || ev.AttemptCount != 2 {
		t.Fatalf("patch not applied: %+v", ev)
	}
	if ev.FailureReason != "old" || !ev.ScheduledTime.Equal(at) {
		t.Fatalf("untouched fields changed: %+v", ev)
	}
}

func TestNormalizeDefaults(t *testing.T) {
	t.Parallel()

	ev := Event{}
	ev.Normalize()
	if ev.Status != StatusScheduled || ev.MaxRetries != DefaultMaxRetries {
		t.Fatalf("unexpected defaults: %+v", ev)
	}
	if ev.DeviceStatus != LinkUnknown || ev.NetworkStatus != LinkUnknown {
		t.Fatalf("unexpected link defaults: %+v", ev)
	}
	if !StatusFailed.Terminal() || StatusProcessing.Terminal() {
		t.Fatal("terminal classification wrong")
	}
}
