package mqtt

import (
	"testing"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisabled, "disabled"},
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateReconnecting, "reconnecting"},
		{StateFailed, "failed"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestStateNeedsReconnect(t *testing.T) {
	want := map[State]bool{
		StateDisabled:     false,
		StateDisconnected: true,
		StateConnecting:   true,
		StateConnected:    false,
		StateReconnecting: true,
		StateFailed:       true,
	}
	for s, w := range want {
		if got := s.NeedsReconnect(); got != w {
			t.Errorf("%v.NeedsReconnect() = %v, want %v", s, got, w)
		}
	}
}

func TestStatusBoard_DisabledInvariant(t *testing.T) {
	b := NewStatusBoard()
	b.Set("primary", BrokerStatus{Enabled: false, State: StateConnected, ActiveEndpoint: "tcp://x:1883"})

	got, ok := b.Get("primary")
	if !ok {
		t.Fatal("Get() ok = false")
	}
	if got.State != StateDisabled || got.ActiveEndpoint != "" {
		t.Errorf("Get() = %+v, want Disabled with no endpoint", got)
	}
}

func TestStatusBoard_SubscribeLatestWins(t *testing.T) {
	b := NewStatusBoard()
	ch, cancel := b.Subscribe()
	defer cancel()

	if initial := <-ch; len(initial) != 0 {
		t.Fatalf("initial snapshot = %v, want empty", initial)
	}

	b.Set("primary", BrokerStatus{Enabled: true, State: StateConnecting})
	b.Set("primary", BrokerStatus{Enabled: true, State: StateFailed})
	b.Set("primary", BrokerStatus{Enabled: true, State: StateConnected, ActiveEndpoint: "tcp://a:1883"})

	snap := <-ch
	if snap["primary"].State != StateConnected {
		t.Errorf("snapshot state = %v, want connected (latest)", snap["primary"].State)
	}
	select {
	case extra := <-ch:
		t.Errorf("unexpected backlog snapshot %v", extra)
	default:
	}
}

func TestStatusBoard_UnchangedNotBroadcast(t *testing.T) {
	b := NewStatusBoard()
	var calls int
	b.OnChange(func(string, BrokerStatus, BrokerStatus) { calls++ })

	s := BrokerStatus{Enabled: true, State: StateConnected}
	b.Set("primary", s)
	b.Set("primary", s)

	if calls != 1 {
		t.Errorf("OnChange called %d times, want 1", calls)
	}
}

func TestStatusBoard_OnChangeSeesTransition(t *testing.T) {
	b := NewStatusBoard()
	var gotOld, gotNew BrokerStatus
	b.OnChange(func(label string, old, updated BrokerStatus) {
		if label == "primary" {
			gotOld, gotNew = old, updated
		}
	})

	b.Set("primary", BrokerStatus{Enabled: true, State: StateConnecting})
	b.Set("primary", BrokerStatus{Enabled: true, State: StateConnected})

	if gotOld.State != StateConnecting || gotNew.State != StateConnected {
		t.Errorf("transition = %v -> %v, want connecting -> connected", gotOld.State, gotNew.State)
	}
}

func TestStatusBoard_SnapshotIsCopy(t *testing.T) {
	b := NewStatusBoard()
	b.Set("primary", BrokerStatus{Enabled: true, State: StateConnected})

	snap := b.Snapshot()
	snap["primary"] = BrokerStatus{}

	if got, _ := b.Get("primary"); got.State != StateConnected {
		t.Error("mutating a snapshot changed the board")
	}
}

func TestStatusBoard_CancelStopsDelivery(t *testing.T) {
	b := NewStatusBoard()
	ch, cancel := b.Subscribe()
	<-ch
	cancel()
	cancel()

	b.Set("primary", BrokerStatus{Enabled: true, State: StateConnected})
	select {
	case snap := <-ch:
		t.Errorf("received %v after cancel", snap)
	default:
	}
}
