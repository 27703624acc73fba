package offshell

import (
	"context"
	"fmt"
	"log"
	"sync"
)

type lifecycleState int

const (
	stateUninstalled lifecycleState = iota
	stateInstalling
	stateInstalled
	stateActivating
	stateActive
)

func (s lifecycleState) String() string {
	switch s {
	case stateUninstalled:
		return "uninstalled"
	case stateInstalling:
		return "installing"
	case stateInstalled:
		return "installed"
	case stateActivating:
		return "activating"
	case stateActive:
		return "active"
	}
	return "unknown"
}

// Lifecycle owns the install/activate state machine for one cache generation.
// Install pre-populates the static partition from the shell manifest as an
// all-or-nothing batch; Activate purges superseded generations and claims the
// live consumers. Active is terminal: a new deployment starts over in a new
// generation while this one keeps serving.
type Lifecycle struct {
	cfg     *Config
	store   Store
	fetch   func(ctx context.Context, uri string) (CacheEntry, error)
	clients Clients

	mu    sync.Mutex
	state lifecycleState
}

func (l *Lifecycle) State() lifecycleState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Lifecycle) Active() bool {
	return l.State() == stateActive
}

func (l *Lifecycle) transition(from, to lifecycleState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != from {
		return fmt.Errorf("cannot enter %s from %s", to, l.state)
	}
	l.state = to
	return nil
}

func (l *Lifecycle) setState(to lifecycleState) {
	l.mu.Lock()
	l.state = to
	l.mu.Unlock()
}

// Install fetches every shell-manifest asset before writing any of them, so a
// single failed asset fails the whole deployment and no partial shell is ever
// installed. Unlike the runtime paths, a non-2xx status counts as failure
// here.
func (l *Lifecycle) Install(ctx context.Context) error {
	if err := l.transition(stateUninstalled, stateInstalling); err != nil {
		return err
	}

	type asset struct {
		path string
		ent  CacheEntry
	}
	assets := make([]asset, 0, len(l.cfg.Precache))
	for _, p := range l.cfg.Precache {
		ent, err := l.fetch(ctx, p)
		if err != nil {
			l.setState(stateUninstalled)
			return fmt.Errorf("precache %s: %w", p, err)
		}
		if ent.Status < 200 || ent.Status >= 300 {
			l.setState(stateUninstalled)
			return fmt.Errorf("precache %s: status %d", p, ent.Status)
		}
		assets = append(assets, asset{p, ent})
	}

	cache := l.cfg.StaticCache()
	for _, a := range assets {
		if err := l.store.Put(cache, a.path, a.ent); err != nil {
			// Roll back the partial batch; the previous generation stays
			// untouched either way.
			if derr := l.store.DeleteCache(cache); derr != nil {
				log.Printf("lifecycle: rollback %s: %v", cache, derr)
			}
			l.setState(stateUninstalled)
			return fmt.Errorf("precache write %s: %w", a.path, err)
		}
	}

	l.setState(stateInstalled)
	log.Printf("lifecycle: installed generation %s (%d shell assets)", l.cfg.Generation, len(assets))
	return nil
}

// Activate deletes every cache partition not belonging to the current
// generation, then claims all live consumers immediately. Once it returns,
// no stale-generation read can occur.
func (l *Lifecycle) Activate(ctx context.Context) error {
	if err := l.transition(stateInstalled, stateActivating); err != nil {
		return err
	}

	keep := map[string]struct{}{}
	for _, name := range l.cfg.currentCaches() {
		keep[name] = struct{}{}
	}
	for _, name := range l.store.CacheNames() {
		if _, ok := keep[name]; ok {
			continue
		}
		if err := l.store.DeleteCache(name); err != nil {
			log.Printf("lifecycle: purge %s: %v", name, err)
		}
	}

	l.setState(stateActive)
	if l.clients != nil {
		l.clients.Broadcast("claimed")
	}
	log.Printf("lifecycle: generation %s active", l.cfg.Generation)
	return nil
}
