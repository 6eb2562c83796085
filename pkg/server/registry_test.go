package server

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/NicolasHaas/dropfour/pkg/model"
	pb "github.com/NicolasHaas/dropfour/pkg/protocol/pb"
)

// nopTransport never delivers input and discards output.
type nopTransport struct {
	once   sync.Once
	closed chan struct{}
}

func newNopTransport() *nopTransport { return &nopTransport{closed: make(chan struct{})} }

func (t *nopTransport) ReadMessage() (*pb.Message, error) {
	<-t.closed
	return nil, errors.New("closed")
}
func (t *nopTransport) WriteMessage(*pb.Message) error  { return nil }
func (t *nopTransport) SetReadDeadline(time.Time) error { return nil }
func (t *nopTransport) RemoteAddr() string              { return "test" }
func (t *nopTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

var testSessionID atomic.Uint64

func testSession(queue int) *Session {
	return newSession(testSessionID.Add(1), newNopTransport(), queue)
}

func loginAll(t *testing.T, r *Registry, names ...string) map[string]*Session {
	t.Helper()
	sessions := make(map[string]*Session, len(names))
	for _, name := range names {
		sess := testSession(256)
		if err := r.TryLogin(name, sess); err != nil {
			t.Fatalf("TryLogin(%q): %v", name, err)
		}
		sessions[name] = sess
	}
	return sessions
}

// drain returns every message queued on sess without blocking.
func drain(sess *Session) []*pb.Message {
	var out []*pb.Message
	for {
		select {
		case msg := <-sess.send:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestTryLogin(t *testing.T) {
	type tcase struct {
		name      string
		sameSess  bool
		expectErr error
	}

	tcases := map[string]tcase{
		"ok":              {name: "carol"},
		"empty":           {name: "", expectErr: model.ErrUsernameEmpty},
		"blank":           {name: "   ", expectErr: model.ErrUsernameEmpty},
		"too_long":        {name: "abcdefghijklmnopqrstu", expectErr: model.ErrUsernameTooLong},
		"control":         {name: "bad\x1bname", expectErr: model.ErrUsernameInvalidChars},
		"taken":           {name: "alice", expectErr: ErrUsernameTaken},
		"second_login":    {name: "dave", sameSess: true, expectErr: ErrAlreadyLoggedIn},
		"max_length_ok":   {name: "abcdefghijklmnopqrst"},
		"unicode_name_ok": {name: "jürgen"},
	}

	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			r := NewRegistry()
			sessions := loginAll(t, r, "alice")

			sess := testSession(8)
			if tc.sameSess {
				sess = sessions["alice"]
			}
			err := r.TryLogin(tc.name, sess)
			if !errors.Is(err, tc.expectErr) {
				t.Fatalf("TryLogin(%q): want %v got %v", tc.name, tc.expectErr, err)
			}
			if tc.expectErr == nil && sess.Username() != tc.name {
				t.Errorf("session username: want %q got %q", tc.name, sess.Username())
			}
		})
	}
}

func TestAutoPairPicksLongestWaiting(t *testing.T) {
	r := NewRegistry()
	loginAll(t, r, "alice", "bob", "carol")

	m, ok := r.AutoPair("carol")
	if !ok {
		t.Fatalf("AutoPair(carol): no match")
	}
	first, second := m.engine.Players()
	if first != "alice" || second != "carol" {
		t.Errorf("players: want alice,carol got %s,%s", first, second)
	}
	if m.engine.CurrentTurn() != "alice" {
		t.Errorf("first mover: want alice got %s", m.engine.CurrentTurn())
	}

	if _, ok := r.AutoPair("bob"); ok {
		t.Errorf("AutoPair(bob): paired with nobody free")
	}
	if _, ok := r.AutoPair("carol"); ok {
		t.Errorf("AutoPair(carol): already paired user paired again")
	}
	if diff := cmp.Diff([]string{"bob"}, r.LobbySnapshot()); diff != "" {
		t.Errorf("lobby mismatch (-want +got):\n%s", diff)
	}
	if err := r.checkInvariants(); err != nil {
		t.Fatal(err)
	}
}

func TestFindUnpairedOpponent(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.FindUnpairedOpponent("alice"); ok {
		t.Fatalf("empty registry returned an opponent")
	}
	loginAll(t, r, "alice")
	if _, ok := r.FindUnpairedOpponent("alice"); ok {
		t.Fatalf("user matched with themselves")
	}
	loginAll(t, r, "bob", "carol")
	got, ok := r.FindUnpairedOpponent("carol")
	if !ok || got != "alice" {
		t.Fatalf("FindUnpairedOpponent(carol): want alice got %q (%t)", got, ok)
	}
}

func TestPairRejects(t *testing.T) {
	type tcase struct {
		a, b      string
		expectErr error
	}

	tcases := map[string]tcase{
		"self":           {a: "alice", b: "alice", expectErr: ErrSelfPair},
		"unknown_first":  {a: "zed", b: "alice", expectErr: ErrNotLoggedIn},
		"unknown_second": {a: "alice", b: "zed", expectErr: ErrNotLoggedIn},
		"already_paired": {a: "carol", b: "bob", expectErr: ErrAlreadyPaired},
	}

	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			r := NewRegistry()
			loginAll(t, r, "alice", "bob", "carol", "dave")
			if _, err := r.Pair("bob", "dave"); err != nil {
				t.Fatalf("Pair(bob, dave): %v", err)
			}

			_, err := r.Pair(tc.a, tc.b)
			if !errors.Is(err, tc.expectErr) {
				t.Fatalf("Pair(%s, %s): want %v got %v", tc.a, tc.b, tc.expectErr, err)
			}
			if err := r.checkInvariants(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestLogoutDissolvesPairing(t *testing.T) {
	r := NewRegistry()
	sessions := loginAll(t, r, "alice", "bob")
	m, err := r.Pair("alice", "bob")
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	if _, _, ok := r.RequestRematch("bob"); !ok {
		t.Fatalf("RequestRematch(bob): not paired")
	}

	opp, got := r.Logout("alice", sessions["alice"])
	if opp != "bob" || got != m {
		t.Fatalf("Logout: want bob and the shared match, got %q %p", opp, got)
	}
	if !m.closed.Load() {
		t.Errorf("match not closed after logout")
	}
	if _, ok := r.OpponentOf("bob"); ok {
		t.Errorf("bob still paired")
	}
	if r.Lookup("alice") != nil {
		t.Errorf("alice still logged in")
	}
	if diff := cmp.Diff([]string{"bob"}, r.LobbySnapshot()); diff != "" {
		t.Errorf("lobby mismatch (-want +got):\n%s", diff)
	}
	if err := r.checkInvariants(); err != nil {
		t.Fatal(err)
	}

	// The name is free again.
	if err := r.TryLogin("alice", testSession(8)); err != nil {
		t.Fatalf("TryLogin after logout: %v", err)
	}
}

func TestLogoutIgnoresStaleSession(t *testing.T) {
	r := NewRegistry()
	loginAll(t, r, "alice")

	if opp, m := r.Logout("alice", testSession(8)); opp != "" || m != nil {
		t.Fatalf("Logout with foreign session: got %q %v", opp, m)
	}
	if r.Lookup("alice") == nil {
		t.Fatalf("foreign session logged alice out")
	}
}

func TestUnpair(t *testing.T) {
	r := NewRegistry()
	loginAll(t, r, "alice", "bob")
	if _, ok := r.Unpair("alice"); ok {
		t.Fatalf("Unpair of unpaired user reported a pairing")
	}
	if _, err := r.Pair("alice", "bob"); err != nil {
		t.Fatalf("Pair: %v", err)
	}
	opp, ok := r.Unpair("bob")
	if !ok || opp != "alice" {
		t.Fatalf("Unpair(bob): want alice got %q (%t)", opp, ok)
	}
	if diff := cmp.Diff([]string{"alice", "bob"}, r.LobbySnapshot()); diff != "" {
		t.Errorf("lobby mismatch (-want +got):\n%s", diff)
	}
}

func TestRequestRematch(t *testing.T) {
	r := NewRegistry()
	loginAll(t, r, "alice", "bob", "carol")
	if _, err := r.Pair("alice", "bob"); err != nil {
		t.Fatalf("Pair: %v", err)
	}

	if _, _, ok := r.RequestRematch("carol"); ok {
		t.Fatalf("RequestRematch(carol): unpaired user accepted")
	}

	steps := []struct {
		name      string
		wantReady bool
	}{
		{"alice", false},
		{"alice", false}, // repeating is idempotent
		{"bob", true},
		{"bob", false}, // intents were cleared
		{"alice", true},
	}
	for i, step := range steps {
		opp, ready, ok := r.RequestRematch(step.name)
		if !ok {
			t.Fatalf("step %d: %s not paired", i, step.name)
		}
		if ready != step.wantReady {
			t.Fatalf("step %d: %s ready want %t got %t", i, step.name, step.wantReady, ready)
		}
		if want := map[string]string{"alice": "bob", "bob": "alice"}[step.name]; opp != want {
			t.Fatalf("step %d: opponent want %s got %s", i, want, opp)
		}
	}
}

func TestChallengeHandshake(t *testing.T) {
	r := NewRegistry()
	sessions := loginAll(t, r, "alice", "bob", "carol")

	if _, err := r.AcceptChallenge("bob", "alice"); !errors.Is(err, ErrNoChallenge) {
		t.Fatalf("accept without challenge: want ErrNoChallenge got %v", err)
	}
	if _, err := r.OfferChallenge("alice", "alice"); !errors.Is(err, ErrSelfPair) {
		t.Fatalf("self challenge: want ErrSelfPair got %v", err)
	}
	if _, err := r.OfferChallenge("alice", "zed"); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("challenge unknown user: want ErrNotLoggedIn got %v", err)
	}

	target, err := r.OfferChallenge("alice", "bob")
	if err != nil {
		t.Fatalf("OfferChallenge: %v", err)
	}
	if target != sessions["bob"] {
		t.Fatalf("OfferChallenge returned the wrong session")
	}
	if _, err := r.OfferChallenge("carol", "bob"); err != nil {
		t.Fatalf("OfferChallenge(carol): %v", err)
	}

	m, err := r.AcceptChallenge("bob", "alice")
	if err != nil {
		t.Fatalf("AcceptChallenge: %v", err)
	}
	if first, _ := m.engine.Players(); first != "alice" {
		t.Errorf("requester should move first, got %s", first)
	}

	// Pairing bob dropped carol's open challenge.
	if _, err := r.AcceptChallenge("bob", "carol"); !errors.Is(err, ErrNoChallenge) {
		t.Errorf("stale challenge accepted: %v", err)
	}
	if _, err := r.OfferChallenge("carol", "alice"); !errors.Is(err, ErrAlreadyPaired) {
		t.Errorf("challenge to paired user: want ErrAlreadyPaired got %v", err)
	}
	if err := r.checkInvariants(); err != nil {
		t.Fatal(err)
	}
}

func TestDeclineChallenge(t *testing.T) {
	r := NewRegistry()
	sessions := loginAll(t, r, "alice", "bob")

	if _, err := r.OfferChallenge("alice", "bob"); err != nil {
		t.Fatalf("OfferChallenge: %v", err)
	}
	target, err := r.DeclineChallenge("bob", "alice")
	if err != nil {
		t.Fatalf("DeclineChallenge: %v", err)
	}
	if target != sessions["alice"] {
		t.Fatalf("DeclineChallenge returned the wrong session")
	}
	if _, err := r.AcceptChallenge("bob", "alice"); !errors.Is(err, ErrNoChallenge) {
		t.Fatalf("declined challenge accepted: %v", err)
	}
	if _, err := r.DeclineChallenge("bob", "zed"); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("decline to unknown user: want ErrNotLoggedIn got %v", err)
	}
}

func TestBroadcastLobby(t *testing.T) {
	r := NewRegistry()
	sessions := loginAll(t, r, "carol", "alice", "bob", "dave")
	if _, err := r.Pair("bob", "dave"); err != nil {
		t.Fatalf("Pair: %v", err)
	}

	if n := r.BroadcastLobby(); n != 2 {
		t.Fatalf("BroadcastLobby: want 2 recipients got %d", n)
	}
	for _, name := range []string{"alice", "carol"} {
		msgs := drain(sessions[name])
		if len(msgs) != 1 || msgs[0].Type != pb.TypeLobbyUpdate {
			t.Fatalf("%s: want one lobby update got %+v", name, msgs)
		}
		if diff := cmp.Diff([]string{"alice", "carol"}, msgs[0].PlayerList); diff != "" {
			t.Errorf("%s lobby mismatch (-want +got):\n%s", name, diff)
		}
	}
	for _, name := range []string{"bob", "dave"} {
		if msgs := drain(sessions[name]); len(msgs) != 0 {
			t.Errorf("paired user %s received %d messages", name, len(msgs))
		}
	}

	if diff := cmp.Diff(RegistryStats{Online: 4, Lobby: 2, Matches: 1}, r.Stats()); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

// TestRegistryConcurrentChurn hammers the registry from many goroutines and
// checks the pairing tables stay consistent.
func TestRegistryConcurrentChurn(t *testing.T) {
	r := NewRegistry()

	const workers = 16
	const rounds = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < rounds; i++ {
				name := fmt.Sprintf("user%d", rng.Intn(24))
				sess := testSession(512)
				if err := r.TryLogin(name, sess); err != nil {
					continue
				}
				switch rng.Intn(4) {
				case 0:
					r.AutoPair(name)
				case 1:
					if opp, ok := r.FindUnpairedOpponent(name); ok {
						_, _ = r.Pair(name, opp)
					}
				case 2:
					r.AutoPair(name)
					r.RequestRematch(name)
				case 3:
					r.BroadcastLobby()
				}
				if rng.Intn(2) == 0 {
					r.Unpair(name)
				}
				r.Logout(name, sess)
			}
		}(w)
	}

	stop := make(chan struct{})
	checkerDone := make(chan error, 1)
	go func() {
		for {
			select {
			case <-stop:
				checkerDone <- nil
				return
			default:
			}
			if err := r.checkInvariants(); err != nil {
				checkerDone <- err
				return
			}
		}
	}()

	wg.Wait()
	close(stop)
	if err := <-checkerDone; err != nil {
		t.Fatalf("invariant violated during churn: %v", err)
	}
	if err := r.checkInvariants(); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(RegistryStats{}, r.Stats()); diff != "" {
		t.Errorf("registry not empty after churn (-want +got):\n%s", diff)
	}
}
