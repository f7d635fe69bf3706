package match

import (
	"testing"

	"github.com/tandem/chat-server/internal/protocol"
)

func testRoom() *Room {
	return NewRoom("x", "y",
		protocol.MatchedUser{Name: "Peer of X", Avatar: "a"},
		protocol.MatchedUser{Name: "Peer of Y", Avatar: "b"},
	)
}

func TestRoomID_Deterministic(t *testing.T) {
	if RoomID("x", "y") != RoomID("y", "x") {
		t.Error("room id must not depend on initiation order")
	}
	if got, want := RoomID("y", "x"), "x:y"; got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestRoom_AcceptHandshake(t *testing.T) {
	r := testRoom()

	if got := r.Accept("x"); got != AcceptWaiting {
		t.Fatalf("first accept: expected AcceptWaiting, got %v", got)
	}
	if r.State() != StatePending {
		t.Fatal("room should still be pending after one accept")
	}

	if got := r.Accept("y"); got != AcceptConnected {
		t.Fatalf("second accept: expected AcceptConnected, got %v", got)
	}
	if r.State() != StateConnected {
		t.Fatal("room should be connected after both accepts")
	}

	// Idempotent: accepting a connected room is refused, not an error.
	if got := r.Accept("x"); got != AcceptNoop {
		t.Errorf("accept on connected room: expected AcceptNoop, got %v", got)
	}
}

func TestRoom_RepeatAcceptBySameSide(t *testing.T) {
	r := testRoom()
	r.Accept("x")
	if got := r.Accept("x"); got != AcceptWaiting {
		t.Errorf("repeat accept by same side should still report waiting, got %v", got)
	}
}

func TestRoom_AcceptByOutsider(t *testing.T) {
	r := testRoom()
	if got := r.Accept("intruder"); got != AcceptNoop {
		t.Errorf("outsider accept: expected AcceptNoop, got %v", got)
	}
}

func TestRoom_AcceptAfterReject(t *testing.T) {
	r := testRoom()
	if !r.MarkRejected() {
		t.Fatal("pending room should accept rejection")
	}
	if got := r.Accept("x"); got != AcceptNoop {
		t.Errorf("accept on rejected room: expected AcceptNoop, got %v", got)
	}
	// A second rejection reports the state was already terminal.
	if r.MarkRejected() {
		t.Error("rejecting twice should report false")
	}
}

func TestRoom_CardsArePerViewer(t *testing.T) {
	r := testRoom()

	cardX, ok := r.Card("x")
	if !ok || cardX.Name != "Peer of X" {
		t.Errorf("x should see its peer's card, got %+v (ok=%v)", cardX, ok)
	}
	cardY, ok := r.Card("y")
	if !ok || cardY.Name != "Peer of Y" {
		t.Errorf("y should see its peer's card, got %+v (ok=%v)", cardY, ok)
	}
	if _, ok := r.Card("z"); ok {
		t.Error("outsiders have no card")
	}
}

func TestRoom_Peer(t *testing.T) {
	r := testRoom()
	if r.Peer("x") != "y" || r.Peer("y") != "x" {
		t.Error("Peer should return the other participant")
	}
	if r.Peer("z") != "" {
		t.Error("Peer of an outsider should be empty")
	}
}

func TestDirectory_AddEnforcesSingleRoomPerConnection(t *testing.T) {
	d := NewDirectory()
	r1 := testRoom()
	if err := d.Add(r1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r2 := NewRoom("y", "z", protocol.MatchedUser{}, protocol.MatchedUser{})
	if err := d.Add(r2); err != ErrAlreadyRoomed {
		t.Fatalf("expected ErrAlreadyRoomed, got %v", err)
	}
}

func TestDirectory_FindByConnAndDelete(t *testing.T) {
	d := NewDirectory()
	r := testRoom()
	if err := d.Add(r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if d.FindByConn("y") != r {
		t.Error("FindByConn should locate the room for either participant")
	}
	if d.Get(r.ID) != r {
		t.Error("Get should locate the room by id")
	}

	d.Delete(r.ID)
	if d.Get(r.ID) != nil || d.FindByConn("x") != nil || d.FindByConn("y") != nil {
		t.Error("Delete should clear both the room and its participant index")
	}
	// Idempotent.
	d.Delete(r.ID)
	if d.Count() != 0 {
		t.Errorf("expected empty directory, got %d", d.Count())
	}
}
