package debug

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func capture(t *testing.T, lvl int, format string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	Init(lvl, format)
	t.Cleanup(func() {
		Init(LevelOff, "text")
	})
	return &buf
}

func TestInit_OffProducesNothing(t *testing.T) {
	buf := capture(t, LevelOff, "text")
	Info("door opened")
	Error("boom")
	if buf.Len() != 0 {
		t.Errorf("level 0 should be silent, got %q", buf.String())
	}
}

func TestLevels_Threshold(t *testing.T) {
	cases := []struct {
		name    string
		level   int
		wantIn  []string
		wantOut []string
	}{
		{"info", LevelInfo, []string{"msg=info-msg"}, []string{"live-msg", "verbose-msg", "trace-msg"}},
		{"live", LevelLive, []string{"info-msg", "live-msg"}, []string{"verbose-msg", "trace-msg"}},
		{"verbose", LevelVerbose, []string{"info-msg", "live-msg", "verbose-msg"}, []string{"trace-msg"}},
		{"trace", LevelTrace, []string{"info-msg", "live-msg", "verbose-msg", "trace-msg"}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := capture(t, tc.level, "text")
			Info("info-msg")
			Live("live-msg")
			Verbose("verbose-msg")
			Trace("trace-msg")
			got := buf.String()
			for _, s := range tc.wantIn {
				if !strings.Contains(got, s) {
					t.Errorf("expected %q in output:\n%s", s, got)
				}
			}
			for _, s := range tc.wantOut {
				if strings.Contains(got, s) {
					t.Errorf("did not expect %q in output:\n%s", s, got)
				}
			}
		})
	}
}

func TestLevels_CustomNames(t *testing.T) {
	buf := capture(t, LevelTrace, "text")
	Live("a")
	Verbose("b")
	GPIO("WritePin", 21, true)
	got := buf.String()
	for _, want := range []string{"level=LIVE", "level=VERBOSE", "level=TRACE", "pin=21"} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in output:\n%s", want, got)
		}
	}
}

func TestInit_JSONFormat(t *testing.T) {
	buf := capture(t, LevelInfo, "json")
	Info("door blocked", "direction", "cw")

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "door blocked" || rec["direction"] != "cw" || rec["service"] != "doorgo" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestIsEnabled(t *testing.T) {
	capture(t, LevelLive, "text")
	if !IsEnabled(LevelInfo) || !IsEnabled(LevelLive) {
		t.Error("info and live should be enabled at level 2")
	}
	if IsEnabled(LevelVerbose) {
		t.Error("verbose should not be enabled at level 2")
	}
}
