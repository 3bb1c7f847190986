package emit

import "testing"

func TestMultiEmitter(t *testing.T) {
	first := NewBufferedEmitter()
	second := NewBufferedEmitter()
	multi := NewMultiEmitter(first, nil, second, NewNullEmitter())

	if len(multi) != 3 {
		t.Fatalf("nil emitters should be dropped, got %d", len(multi))
	}

	multi.Emit(Event{RunID: "r", Msg: MsgRunStart})
	multi.Emit(Event{RunID: "r", Msg: MsgRunEnd})

	for name, b := range map[string]*BufferedEmitter{"first": first, "second": second} {
		got := b.GetHistory("r")
		if len(got) != 2 || got[0].Msg != MsgRunStart || got[1].Msg != MsgRunEnd {
			t.Errorf("%s received %v", name, got)
		}
	}
}

func TestEvent_IsError(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		want  bool
	}{
		{"no meta", Event{Msg: MsgStageEnd}, false},
		{"other meta", Event{Msg: MsgStageEnd, Meta: map[string]interface{}{"duration_ms": 1}}, false},
		{"error meta", Event{Msg: MsgStageFailed, Meta: map[string]interface{}{"error": "boom"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.event.IsError(); got != tt.want {
				t.Errorf("IsError() = %v, want %v", got, tt.want)
			}
		})
	}
}
