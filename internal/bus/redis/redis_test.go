package redis

import "testing"

func TestMessageIDFromChannel(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		wantID  int64
		wantOK  bool
	}{
		{name: "plain", channel: "story:42:messageToken:17", wantID: 17, wantOK: true},
		{name: "prefixed", channel: "fabula:story:42:messageToken:9001", wantID: 9001, wantOK: true},
		{name: "not a number", channel: "story:42:messageToken:abc", wantOK: false},
		{name: "no separator", channel: "garbage", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := messageIDFromChannel(tt.channel)
			if ok != tt.wantOK || id != tt.wantID {
				t.Errorf("messageIDFromChannel(%q) = (%d, %v), want (%d, %v)",
					tt.channel, id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}

func TestKeyLayout(t *testing.T) {
	b := NewBus(nil, "fabula:")
	if got, want := b.busyKey("5"), "fabula:story:5:busy"; got != want {
		t.Errorf("busyKey = %q, want %q", got, want)
	}
	if got, want := b.reasonChannel("5"), "fabula:story:5:reason"; got != want {
		t.Errorf("reasonChannel = %q, want %q", got, want)
	}
	if got, want := b.tokenChannel("5", 12), "fabula:story:5:messageToken:12"; got != want {
		t.Errorf("tokenChannel = %q, want %q", got, want)
	}
	if got, want := b.tokenPattern("5"), "fabula:story:5:messageToken:*"; got != want {
		t.Errorf("tokenPattern = %q, want %q", got, want)
	}
}
