package server

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/NicolasHaas/dropfour/pkg/model"
	pb "github.com/NicolasHaas/dropfour/pkg/protocol/pb"
)

var (
	ErrUsernameTaken   = errors.New("registry: username already taken")
	ErrAlreadyLoggedIn = errors.New("registry: session already logged in")
	ErrNotLoggedIn     = errors.New("registry: user not logged in")
	ErrAlreadyPaired   = errors.New("registry: user already paired")
	ErrSelfPair        = errors.New("registry: user cannot play against themselves")
	ErrNoChallenge     = errors.New("registry: no pending challenge")
)

type member struct {
	sess *Session
	seq  uint64 // login order, lower waited longer
}

// Registry is the process-wide table of logged-in users, pairings, shared
// matches, rematch intents and open challenges. Every method runs under one
// mutex, so compound operations are atomic with respect to each other.
//
// Lock order: a Match mutex may be held while calling into the Registry,
// never the other way around.
type Registry struct {
	mu         sync.Mutex
	seq        uint64
	members    map[string]member
	pairing    map[string]string
	matches    map[string]*Match
	rematch    map[string]struct{}
	challenges map[string]map[string]struct{} // challenger -> challenged users
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		members:    make(map[string]member),
		pairing:    make(map[string]string),
		matches:    make(map[string]*Match),
		rematch:    make(map[string]struct{}),
		challenges: make(map[string]map[string]struct{}),
	}
}

// TryLogin binds name to sess. The session keeps the name until Logout.
func (r *Registry) TryLogin(name string, sess *Session) error {
	if err := model.ValidateUsername(name); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if sess.Username() != "" {
		return ErrAlreadyLoggedIn
	}
	if _, taken := r.members[name]; taken {
		return ErrUsernameTaken
	}
	r.seq++
	r.members[name] = member{sess: sess, seq: r.seq}
	sess.setUsername(name)
	return nil
}

// Logout removes name if sess still owns it, dissolving any pairing. It
// returns the former opponent and the match they shared, if any.
func (r *Registry) Logout(name string, sess *Session) (opponent string, m *Match) {
	r.mu.Lock()
	defer r.mu.Unlock()

	mem, ok := r.members[name]
	if !ok || mem.sess != sess {
		return "", nil
	}
	delete(r.members, name)
	r.dropChallengesLocked(name)
	return r.unpairLocked(name)
}

// Lookup returns the session logged in as name, or nil.
func (r *Registry) Lookup(name string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.members[name].sess
}

// FindUnpairedOpponent returns the longest-waiting unpaired user other than excluding.
func (r *Registry) FindUnpairedOpponent(excluding string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findUnpairedLocked(excluding)
}

func (r *Registry) findUnpairedLocked(excluding string) (string, bool) {
	var (
		best    string
		bestSeq uint64
	)
	for name, mem := range r.members {
		if name == excluding {
			continue
		}
		if _, paired := r.pairing[name]; paired {
			continue
		}
		if best == "" || mem.seq < bestSeq {
			best, bestSeq = name, mem.seq
		}
	}
	return best, best != ""
}

// Pair starts a match between a and b; a moves first.
func (r *Registry) Pair(a, b string) (*Match, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pairLocked(a, b)
}

// AutoPair pairs name with the longest-waiting unpaired user, who moves first.
func (r *Registry) AutoPair(name string) (*Match, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, paired := r.pairing[name]; paired {
		return nil, false
	}
	opp, ok := r.findUnpairedLocked(name)
	if !ok {
		return nil, false
	}
	m, err := r.pairLocked(opp, name)
	if err != nil {
		return nil, false
	}
	return m, true
}

func (r *Registry) pairLocked(a, b string) (*Match, error) {
	if a == b {
		return nil, ErrSelfPair
	}
	if _, ok := r.members[a]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotLoggedIn, a)
	}
	if _, ok := r.members[b]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotLoggedIn, b)
	}
	if _, ok := r.pairing[a]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyPaired, a)
	}
	if _, ok := r.pairing[b]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyPaired, b)
	}

	m := newMatch(a, b)
	r.pairing[a] = b
	r.pairing[b] = a
	r.matches[a] = m
	r.matches[b] = m
	delete(r.rematch, a)
	delete(r.rematch, b)
	r.dropChallengesLocked(a)
	r.dropChallengesLocked(b)
	return m, nil
}

// Unpair dissolves the pairing of name on both sides.
func (r *Registry) Unpair(name string) (opponent string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	opponent, m := r.unpairLocked(name)
	return opponent, m != nil
}

func (r *Registry) unpairLocked(name string) (string, *Match) {
	opp, ok := r.pairing[name]
	if !ok {
		return "", nil
	}
	m := r.matches[name]
	delete(r.pairing, name)
	delete(r.pairing, opp)
	delete(r.matches, name)
	delete(r.matches, opp)
	delete(r.rematch, name)
	delete(r.rematch, opp)
	m.close()
	return opp, m
}

// OpponentOf returns the user name is paired with.
func (r *Registry) OpponentOf(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	opp, ok := r.pairing[name]
	return opp, ok
}

// MatchOf returns the match name is playing and the opponent.
func (r *Registry) MatchOf(name string) (*Match, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.matches[name]
	if !ok {
		return nil, "", false
	}
	return m, r.pairing[name], true
}

// ActiveMatches returns every match currently shared by a pair.
func (r *Registry) ActiveMatches() []*Match {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[*Match]struct{}, len(r.matches)/2)
	out := make([]*Match, 0, len(r.matches)/2)
	for _, m := range r.matches {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// RequestRematch records name's rematch intent. When the opponent's intent is
// already set, both intents are cleared and ready is true.
func (r *Registry) RequestRematch(name string) (opponent string, ready, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	opponent, ok = r.pairing[name]
	if !ok {
		return "", false, false
	}
	if _, pending := r.rematch[opponent]; pending {
		delete(r.rematch, name)
		delete(r.rematch, opponent)
		return opponent, true, true
	}
	r.rematch[name] = struct{}{}
	return opponent, false, true
}

// OfferChallenge records a challenge from one unpaired user to another and
// returns the challenged session.
func (r *Registry) OfferChallenge(from, to string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if from == to {
		return nil, ErrSelfPair
	}
	if _, ok := r.members[from]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotLoggedIn, from)
	}
	target, ok := r.members[to]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotLoggedIn, to)
	}
	if _, paired := r.pairing[from]; paired {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyPaired, from)
	}
	if _, paired := r.pairing[to]; paired {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyPaired, to)
	}

	targets, ok := r.challenges[from]
	if !ok {
		targets = make(map[string]struct{})
		r.challenges[from] = targets
	}
	targets[to] = struct{}{}
	return target.sess, nil
}

// AcceptChallenge pairs requester with accepter if requester challenged them
// and both are still free. The requester moves first.
func (r *Registry) AcceptChallenge(accepter, requester string) (*Match, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.challenges[requester][accepter]; !ok {
		return nil, ErrNoChallenge
	}
	delete(r.challenges[requester], accepter)
	return r.pairLocked(requester, accepter)
}

// DeclineChallenge clears a challenge and returns the requester's session so
// the refusal can be relayed.
func (r *Registry) DeclineChallenge(decliner, requester string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.members[requester]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotLoggedIn, requester)
	}
	delete(r.challenges[requester], decliner)
	return target.sess, nil
}

func (r *Registry) dropChallengesLocked(name string) {
	delete(r.challenges, name)
	for from, targets := range r.challenges {
		delete(targets, name)
		if len(targets) == 0 {
			delete(r.challenges, from)
		}
	}
}

// LobbySnapshot returns the sorted names of logged-in, unpaired users.
func (r *Registry) LobbySnapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names, _ := r.lobbyLocked()
	return names
}

func (r *Registry) lobbyLocked() ([]string, []*Session) {
	names := make([]string, 0, len(r.members))
	for name := range r.members {
		if _, paired := r.pairing[name]; !paired {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	sessions := make([]*Session, len(names))
	for i, name := range names {
		sessions[i] = r.members[name].sess
	}
	return names, sessions
}

// BroadcastLobby sends the current lobby to every lobby member. Snapshot and
// enqueue happen under the lock, so updates reach clients in the order the
// lobby changed. Session.Send never blocks.
func (r *Registry) BroadcastLobby() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	names, sessions := r.lobbyLocked()
	msg := pb.LobbyUpdate(names)
	for _, sess := range sessions {
		sess.Send(msg)
	}
	return len(sessions)
}

// RegistryStats is a point-in-time count of registry contents.
type RegistryStats struct {
	Online  int `json:"online"`
	Lobby   int `json:"lobby"`
	Matches int `json:"matches"`
}

// Stats returns current counts.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RegistryStats{
		Online:  len(r.members),
		Lobby:   len(r.members) - len(r.pairing),
		Matches: len(r.pairing) / 2,
	}
}

// checkInvariants verifies pairing symmetry, shared matches and that every
// paired user is logged in.
func (r *Registry) checkInvariants() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for a, b := range r.pairing {
		if a == b {
			return fmt.Errorf("%s paired with themselves", a)
		}
		if r.pairing[b] != a {
			return fmt.Errorf("pairing not symmetric: %s->%s but %s->%s", a, b, b, r.pairing[b])
		}
		if r.matches[a] == nil || r.matches[a] != r.matches[b] {
			return fmt.Errorf("%s and %s do not share a match", a, b)
		}
		if _, ok := r.members[a]; !ok {
			return fmt.Errorf("paired user %s is not logged in", a)
		}
	}
	if len(r.matches) != len(r.pairing) {
		return fmt.Errorf("%d matches for %d paired users", len(r.matches), len(r.pairing))
	}
	for name := range r.rematch {
		if _, ok := r.pairing[name]; !ok {
			return fmt.Errorf("rematch intent for unpaired user %s", name)
		}
	}
	return nil
}
