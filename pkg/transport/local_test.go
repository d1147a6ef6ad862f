package transport

import (
	"sync"
	"testing"
)

func TestLocalCommunicatorSendPoll(t *testing.T) {
	comms := NewLocalNetwork(3)
	if err := comms[0].Send(2, []byte("hi")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msg, ok := comms[2].Poll()
	if !ok {
		t.Fatalf("expected a message")
	}
	if msg.Source != 0 || string(msg.Payload) != "hi" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if _, ok := comms[1].Poll(); ok {
		t.Fatalf("rank 1 should have nothing queued")
	}
}

func TestLocalCommunicatorBroadcast(t *testing.T) {
	comms := NewLocalNetwork(3)
	if err := comms[0].Broadcast([]byte("map")); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	for _, r := range []int{1, 2} {
		msg, ok := comms[r].Poll()
		if !ok || string(msg.Payload) != "map" {
			t.Fatalf("rank %d did not receive broadcast", r)
		}
	}
	if _, ok := comms[0].Poll(); ok {
		t.Fatalf("sender should not receive its own broadcast")
	}
}

func TestLocalCommunicatorAllReduceMin(t *testing.T) {
	comms := NewLocalNetwork(4)
	vals := []float64{4, 1, 7, 3}
	results := make([]float64, len(comms))
	var wg sync.WaitGroup
	for i, c := range comms {
		wg.Add(1)
		go func(i int, c *LocalCommunicator) {
			defer wg.Done()
			r, err := c.AllReduceMin(vals[i])
			if err != nil {
				t.Errorf("AllReduceMin: %v", err)
			}
			results[i] = r
		}(i, c)
	}
	wg.Wait()
	for i, r := range results {
		if r != 1 {
			t.Fatalf("rank %d: expected min 1, got %v", i, r)
		}
	}
}
