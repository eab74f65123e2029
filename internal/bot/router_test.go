package bot

import "testing"

func TestSplitCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		wantCmd  string
		wantArgs string
	}{
		{in: "/status", wantCmd: "status"},
		{in: "/event_remove abc-123", wantCmd: "event_remove", wantArgs: "abc-123"},
		{in: "/event_add@rosterbot {\"name\":\"raid\"}", wantCmd: "event_add", wantArgs: "{\"name\":\"raid\"}"},
		{in: "  /status  ", wantCmd: "status"},
		{in: "hello there"},
		{in: ""},
	}

	for _, tt := range tests {
		cmd, args := splitCommand(tt.in)
		if cmd != tt.wantCmd || args != tt.wantArgs {
			t.Errorf("splitCommand(%q) = (%q, %q), want (%q, %q)", tt.in, cmd, args, tt.wantCmd, tt.wantArgs)
		}
	}
}

func TestSplitPayload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in        string
		wantEvent string
		wantRole  string
		wantOK    bool
	}{
		{in: "ev1:tank", wantEvent: "ev1", wantRole: "tank", wantOK: true},
		{in: "ev1:none", wantEvent: "ev1", wantRole: "none", wantOK: true},
		{in: "ev1:"},
		{in: ":tank"},
		{in: "ev1"},
		{in: ""},
	}

	for _, tt := range tests {
		event, role, ok := splitPayload(tt.in)
		if event != tt.wantEvent || role != tt.wantRole || ok != tt.wantOK {
			t.Errorf("splitPayload(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.in, event, role, ok, tt.wantEvent, tt.wantRole, tt.wantOK)
		}
	}
}
