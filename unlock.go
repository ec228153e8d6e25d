package sqldb

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// unlockWaitTimeout bounds a single unlock wait. A timed-out wait is
// reported to the caller as a possible deadlock and surfaces as a
// BusyError.
var unlockWaitTimeout = 5 * time.Second

// unlockNotify is a process-wide registry of open sessions grouped by
// database URI. It stands in for the engine's unlock-notification API:
// when a session releases locks (reset of an active statement, COMMIT,
// ROLLBACK, close), every session waiting on the same database is woken.
// Registration that could never be answered - every other session on the
// database already waiting, or no other session at all - is refused, which
// the caller treats as a potential deadlock.
type unlockNotify struct {
	mu   sync.Mutex
	byDB map[string]map[*Session]struct{}
}

var unlockNotifier = unlockNotify{byDB: make(map[string]map[*Session]struct{})}

func (n *unlockNotify) register(s *Session) {
	n.mu.Lock()
	defer n.mu.Unlock()
	peers := n.byDB[s.uri]
	if peers == nil {
		peers = make(map[*Session]struct{})
		n.byDB[s.uri] = peers
	}
	peers[s] = struct{}{}
}

func (n *unlockNotify) unregister(s *Session) {
	n.mu.Lock()
	defer n.mu.Unlock()
	peers := n.byDB[s.uri]
	delete(peers, s)
	if len(peers) == 0 {
		delete(n.byDB, s.uri)
	}
	n.notifyLocked(s)
}

// beginWait marks s as waiting. It reports false when no other session on
// the same database could ever deliver a notification, i.e. a potential
// deadlock.
func (n *unlockNotify) beginWait(s *Session) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	live := 0
	for peer := range n.byDB[s.uri] {
		if peer == s {
			continue
		}
		peer.waitMu.Lock()
		waiting := peer.waiting
		peer.waitMu.Unlock()
		if !waiting {
			live++
		}
	}
	if live == 0 {
		return false
	}

	s.waitMu.Lock()
	s.waiting = true
	// drain any stale wakeup
	select {
	case <-s.unlockCh:
	default:
	}
	s.waitMu.Unlock()
	return true
}

// notify wakes every session waiting on the same database as from,
// including sessions waiting in other goroutines. from itself is never
// woken.
func (n *unlockNotify) notify(from *Session) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifyLocked(from)
}

func (n *unlockNotify) notifyLocked(from *Session) {
	for peer := range n.byDB[from.uri] {
		if peer == from {
			continue
		}
		peer.waitMu.Lock()
		if peer.waiting {
			peer.waiting = false
			select {
			case peer.unlockCh <- struct{}{}:
			default:
			}
		}
		peer.waitMu.Unlock()
	}
}

// waitForUnlock blocks until another session on the same database releases
// locks. It reports false when the wait would deadlock or times out; the
// caller then raises Busy.
func (s *Session) waitForUnlock() bool {
	if !unlockNotifier.beginWait(s) {
		return false
	}
	unlockWaits(1)

	select {
	case <-s.unlockCh:
		return true
	case <-time.After(unlockWaitTimeout):
		s.waitMu.Lock()
		timedOut := s.waiting
		s.waiting = false
		s.waitMu.Unlock()
		if timedOut {
			log.Warn().Str("uri", s.uri).Dur("timeout", unlockWaitTimeout).
				Msg("unlock wait timed out; treating as possible deadlock")
			return false
		}
		// notification raced the timeout
		return true
	}
}
