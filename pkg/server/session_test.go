package server

import (
	"testing"

	pb "github.com/NicolasHaas/dropfour/pkg/protocol/pb"
)

func TestSendOnNilSession(t *testing.T) {
	var sess *Session
	if sess.Send(pb.Simple("hi")) {
		t.Fatalf("Send on nil session reported delivery")
	}
}

func TestSendFullQueueClosesSession(t *testing.T) {
	sess := testSession(2)

	for i := 0; i < 2; i++ {
		if !sess.Send(pb.Simple("queued")) {
			t.Fatalf("Send %d: expected enqueue", i)
		}
	}
	if sess.Send(pb.Simple("overflow")) {
		t.Fatalf("Send on full queue reported delivery")
	}
	if sess.Alive() {
		t.Fatalf("slow session still alive")
	}
	select {
	case <-sess.Done():
	default:
		t.Fatalf("Done not closed")
	}
	if sess.Send(pb.Simple("after close")) {
		t.Fatalf("Send after close reported delivery")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	sess := testSession(1)
	sess.Close()
	sess.Close()
	if sess.Alive() {
		t.Fatalf("closed session alive")
	}
}
