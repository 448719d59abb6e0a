package agent

import (
	"context"
	"testing"
)

func TestBrokerResolvePending(t *testing.T) {
	b := NewConfirmationBroker()
	ch := b.Expect("w-1")

	if !b.Resolve("w-1", ConfirmationReply{Approved: true, DecidedBy: "u-1"}) {
		t.Fatal("Resolve returned false for a registered widget")
	}
	reply := <-ch
	if !reply.Approved || reply.DecidedBy != "u-1" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestBrokerResolveUnknown(t *testing.T) {
	b := NewConfirmationBroker()
	if b.Resolve("nope", ConfirmationReply{Approved: true}) {
		t.Error("Resolve returned true for an unknown widget")
	}
}

func TestBrokerResolveTwice(t *testing.T) {
	b := NewConfirmationBroker()
	b.Expect("w-1")

	if !b.Resolve("w-1", ConfirmationReply{Approved: true}) {
		t.Fatal("first Resolve failed")
	}
	if b.Resolve("w-1", ConfirmationReply{Approved: false}) {
		t.Error("second Resolve succeeded; widget ids must be single-use")
	}
}

func TestBrokerForget(t *testing.T) {
	b := NewConfirmationBroker()
	b.Expect("w-1")
	b.Forget("w-1")

	if b.Resolve("w-1", ConfirmationReply{Approved: true}) {
		t.Error("Resolve succeeded after Forget")
	}
}

func TestMultiSinkFansOut(t *testing.T) {
	a, b := &RecorderSink{}, &RecorderSink{}
	sink := NewMultiSink(a, nil, b)

	sink.Emit(context.Background(), Event{Type: EventToken, Data: map[string]any{"text": "x"}})

	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Errorf("fan out = %d, %d events, want 1 each", len(a.Events()), len(b.Events()))
	}
}

func TestChanSinkHonorsCancellation(t *testing.T) {
	ch := make(chan Event) // unbuffered and never drained
	sink := NewChanSink(ch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		sink.Emit(ctx, Event{Type: EventToken})
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
	// Reaching here without deadlock is the assertion.
	<-done
}
