package epoch

import "testing"

func TestEnterLeaveAdvancesEpochWhenBitmapDrains(t *testing.T) {
	r := New()
	a, err := r.Join()
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	b, err := r.Join()
	if err != nil {
		t.Fatalf("Join: %v", err)
	}

	r.Enter(a)
	r.Enter(b)
	r.Retire("node-1")

	if safe := r.Leave(a); safe != nil {
		t.Fatalf("expected no reclamation while thread b still active, got %v", safe)
	}

	safe := r.Leave(b)
	if safe != nil {
		t.Fatalf("expected retired node to wait one more epoch, got %v", safe)
	}

	r.Enter(a)
	r.Retire("node-2")
	safe = r.Leave(a)
	if len(safe) != 1 || safe[0] != "node-1" {
		t.Fatalf("expected node-1 to become safe after the next epoch boundary, got %v", safe)
	}
}

func TestJoinExceedsMaxThreads(t *testing.T) {
	r := New()
	for i := 0; i < MaxThreads; i++ {
		if _, err := r.Join(); err != nil {
			t.Fatalf("unexpected error at slot %d: %v", i, err)
		}
	}
	if _, err := r.Join(); err == nil {
		t.Fatalf("expected error exceeding MaxThreads")
	}
}
