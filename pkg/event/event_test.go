package event

import "testing"

func TestLessOrdersByReceiveTimeThenSenderThenSentTime(t *testing.T) {
	a := &Event{Sender: "a", ReceiveTime: 1, SentTime: 0}
	b := &Event{Sender: "a", ReceiveTime: 2, SentTime: 0}
	if !a.Less(b) || b.Less(a) {
		t.Fatalf("expected a < b by receive-time")
	}

	c := &Event{Sender: "a", ReceiveTime: 1, SentTime: 0}
	d := &Event{Sender: "b", ReceiveTime: 1, SentTime: 0}
	if !c.Less(d) || d.Less(c) {
		t.Fatalf("expected c < d by sender tiebreak")
	}

	e := &Event{Sender: "a", ReceiveTime: 1, SentTime: 0}
	f := &Event{Sender: "a", ReceiveTime: 1, SentTime: 1}
	if !e.Less(f) || f.Less(e) {
		t.Fatalf("expected e < f by sent-time tiebreak")
	}
}

func TestAntiMessageSharesIdentity(t *testing.T) {
	arena := NewArena()
	ev := arena.New("a", "b", 1, 2, []byte("x"))
	anti := ev.AntiMessage()
	if !ev.SameIdentity(anti) {
		t.Fatalf("anti-message must share identity fields")
	}
	if anti.Sign != Negative {
		t.Fatalf("expected negative sign, got %v", anti.Sign)
	}
	if ev.Sign != Positive {
		t.Fatalf("original event sign must be unchanged")
	}
}

func TestRefAndInputRefLifecycle(t *testing.T) {
	arena := NewArena()
	ev := arena.New("a", "b", 0, 1, nil)
	if ev.Ref() != 1 {
		t.Fatalf("expected ref=1 after New, got %d", ev.Ref())
	}

	arena.RetainInput(ev)
	if ev.Ref() != 2 || ev.InputRef() != 1 {
		t.Fatalf("expected ref=2 inputRef=1, got ref=%d inputRef=%d", ev.Ref(), ev.InputRef())
	}

	arena.ReleaseInput(ev)
	if ev.Ref() != 1 || ev.InputRef() != 0 {
		t.Fatalf("expected ref=1 inputRef=0 after ReleaseInput, got ref=%d inputRef=%d", ev.Ref(), ev.InputRef())
	}

	arena.Release(ev)
}

func TestReleaseBelowZeroPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on over-release")
		}
	}()
	arena := NewArena()
	ev := arena.New("a", "b", 0, 1, nil)
	arena.Release(ev)
	arena.Release(ev)
}
