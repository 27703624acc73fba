package offshell

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func shellOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "asset "+r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestInstallPrecachesShellManifest(t *testing.T) {
	e := newIdleEnv(t, shellOrigin(t).URL)

	if err := e.svc.lifecycle.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if got := e.svc.lifecycle.State(); got != stateInstalled {
		t.Fatalf("state = %s, want installed", got)
	}

	static := e.svc.cfg.StaticCache()
	if got := e.store.Keys(static); !equalStrings(got, e.svc.cfg.Precache) {
		t.Fatalf("precached keys = %v, want %v", got, e.svc.cfg.Precache)
	}
	ent, ok := e.store.Get(static, "/offline.html")
	if !ok || string(ent.Body) != "asset /offline.html" {
		t.Fatalf("offline document = %q, %v", ent.Body, ok)
	}
}

func TestInstallIsAllOrNothing(t *testing.T) {
	// One shell asset 404s; the whole install must abort with nothing written.
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/offline.html" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, "asset")
	}))
	t.Cleanup(origin.Close)
	e := newIdleEnv(t, origin.URL)

	err := e.svc.lifecycle.Install(context.Background())
	if err == nil {
		t.Fatal("install succeeded despite a failed shell asset")
	}
	if !strings.Contains(err.Error(), "/offline.html") {
		t.Fatalf("error %q does not name the failed asset", err)
	}
	if got := e.svc.lifecycle.State(); got != stateUninstalled {
		t.Fatalf("state = %s, want uninstalled", got)
	}
	if n := e.store.Count(e.svc.cfg.StaticCache()); n != 0 {
		t.Fatalf("static cache has %d entries after failed install, want 0", n)
	}
	if e.svc.lifecycle.Active() {
		t.Fatal("lifecycle active after failed install")
	}
}

func TestInstallCanRetryAfterFailure(t *testing.T) {
	e := newIdleEnv(t, closedOrigin(t))
	if err := e.svc.lifecycle.Install(context.Background()); err == nil {
		t.Fatal("install succeeded against a dead origin")
	}

	// A fresh deployment attempt starts over from uninstalled.
	origin := shellOrigin(t)
	e.svc.cfg.Server.Origin = origin.URL
	if err := e.svc.lifecycle.Install(context.Background()); err != nil {
		t.Fatalf("retry install: %v", err)
	}
}

func TestActivatePurgesSupersededGenerations(t *testing.T) {
	e := newIdleEnv(t, shellOrigin(t).URL)

	// Leftovers from a previous generation.
	for _, cache := range []string{"v0-static", "v0-dynamic", "v0-images"} {
		if err := e.store.Put(cache, "/old", entry("old")); err != nil {
			t.Fatal(err)
		}
	}

	if err := e.svc.Deploy(context.Background()); err != nil {
		t.Fatalf("deploy: %v", err)
	}

	current := map[string]bool{}
	for _, name := range e.svc.cfg.currentCaches() {
		current[name] = true
	}
	for _, name := range e.store.CacheNames() {
		if !current[name] {
			t.Fatalf("stale cache %s survived activation (have %v)", name, e.store.CacheNames())
		}
	}
	if !e.svc.lifecycle.Active() {
		t.Fatal("lifecycle not active after deploy")
	}
}

func TestActivateClaimsConsumers(t *testing.T) {
	e := newIdleEnv(t, shellOrigin(t).URL)

	if err := e.svc.Deploy(context.Background()); err != nil {
		t.Fatalf("deploy: %v", err)
	}

	e.clients.mu.Lock()
	defer e.clients.mu.Unlock()
	for _, msg := range e.clients.broadcasts {
		if msg == "claimed" {
			return
		}
	}
	t.Fatalf("no claim broadcast; got %v", e.clients.broadcasts)
}

func TestActivateRequiresInstall(t *testing.T) {
	e := newIdleEnv(t, shellOrigin(t).URL)

	if err := e.svc.lifecycle.Activate(context.Background()); err == nil {
		t.Fatal("activate succeeded from uninstalled")
	}
}

func TestActiveIsTerminal(t *testing.T) {
	e := newIdleEnv(t, shellOrigin(t).URL)
	if err := e.svc.Deploy(context.Background()); err != nil {
		t.Fatalf("deploy: %v", err)
	}

	if err := e.svc.lifecycle.Install(context.Background()); err == nil {
		t.Fatal("install succeeded from active")
	}
	if got := e.svc.lifecycle.State(); got != stateActive {
		t.Fatalf("state = %s, want active", got)
	}
}
