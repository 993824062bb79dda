// Package registry implements the Session Registry (spec.md 4.7): a
// process-wide map from shell-configuration fingerprint to Shell Session,
// with lazy creation and concurrent shutdown.
package registry

import (
	"sync"

	"github.com/ravshansbox/ompshell/internal/shellsession"
	"github.com/ravshansbox/ompshell/pkg/shellconfig"
)

// Registry is a fingerprint-keyed map of live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*shellsession.Session
	opts     shellsession.Options
}

// New creates an empty Registry. opts is applied to every Session it
// creates (abort grace, marker tail, output budget, login-flag override).
func New(opts shellsession.Options) *Registry {
	return &Registry{
		sessions: make(map[string]*shellsession.Session),
		opts:     opts,
	}
}

// Get returns the Session for cfg's fingerprint, creating one if absent or
// if the previously-registered session's child shell has died. cfg is
// sanitized (BASH_ENV/ENV stripped) before use (spec.md 4.7).
func (r *Registry) Get(cfg *shellconfig.Config) *shellsession.Session {
	sanitized := cfg.Sanitized()
	fp := sanitized.Fingerprint()

	r.mu.RLock()
	sess, ok := r.sessions[fp]
	r.mu.RUnlock()
	if ok && sess.Alive() {
		return sess
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[fp]; ok && sess.Alive() {
		return sess
	}
	sess = shellsession.New(sanitized, r.opts)
	r.sessions[fp] = sess
	return sess
}

// Replace discards the session registered for cfg's fingerprint (disposing
// it in a background goroutine, without waiting) and installs a fresh one,
// used by the restart-on-startup-failure rule (spec.md 4.5).
func (r *Registry) Replace(cfg *shellconfig.Config) *shellsession.Session {
	sanitized := cfg.Sanitized()
	fp := sanitized.Fingerprint()

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[fp]; ok {
		go old.Dispose()
	}
	sess := shellsession.New(sanitized, r.opts)
	r.sessions[fp] = sess
	return sess
}

// Shutdown disposes every live session concurrently and clears the
// registry (spec.md 4.7, "shutdown hook").
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*shellsession.Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(s *shellsession.Session) {
			defer wg.Done()
			_ = s.Dispose()
		}(sess)
	}
	wg.Wait()
}

// Len reports the number of live sessions, for diagnostics and tests.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
