package offshell

import (
	"context"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

const outcomeHeader = "X-Offshell"

type Service struct {
	cfg Config

	store    Store
	classify *classifier

	httpClient *http.Client

	lifecycle *Lifecycle
	control   *Control
	router    *Router

	stats *statsCollector

	bgSem  chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	evictLog *rateLimitedLogger
	storeLog *rateLimitedLogger
}

func NewService(cfg Config, store Store, clients Clients, notifier Notifier) *Service {
	if clients == nil {
		clients = logClients{}
	}
	if notifier == nil {
		notifier = logNotifier{}
	}
	s := &Service{
		cfg:        cfg,
		store:      store,
		classify:   newClassifier(&cfg),
		httpClient: &http.Client{},
		stats:      newStatsCollector(),
		bgSem:      make(chan struct{}, 32),
		stopCh:     make(chan struct{}),
		evictLog:   newRateLimitedLogger(1 * time.Minute),
		storeLog:   newRateLimitedLogger(1 * time.Minute),
	}
	s.control = newControl(store, s.stats, clients, notifier)
	s.lifecycle = &Lifecycle{
		cfg:     &s.cfg,
		store:   store,
		fetch:   s.fetchPath,
		clients: clients,
	}
	s.router = newRouter()
	s.registerEvents()

	if cfg.Logging.statsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.Logging.statsEveryDur)
		}()
	}
	return s
}

// registerEvents wires the one process-wide dispatch table. Every inbound
// event, request traffic included, reaches its handler through the router.
func (s *Service) registerEvents() {
	s.router.on(EventInstall, func(ctx context.Context, ev Event) error {
		return s.lifecycle.Install(ctx)
	})
	s.router.on(EventActivate, func(ctx context.Context, ev Event) error {
		return s.lifecycle.Activate(ctx)
	})
	s.router.on(EventFetch, func(ctx context.Context, ev Event) error {
		s.handleFetch(ev.Writer, ev.Request)
		return nil
	})
	s.router.on(EventMessage, func(ctx context.Context, ev Event) error {
		return s.control.writeStats(ev.Writer)
	})
	s.router.on(EventSync, func(ctx context.Context, ev Event) error {
		return s.control.Sync(ctx)
	})
	s.router.on(EventPush, func(ctx context.Context, ev Event) error {
		return s.control.Push(ctx, ev.Data)
	})
}

// Deploy runs one install/activate cycle for the configured generation.
func (s *Service) Deploy(ctx context.Context) error {
	if err := s.router.Dispatch(ctx, Event{Kind: EventInstall}); err != nil {
		return err
	}
	return s.router.Dispatch(ctx, Event{Kind: EventActivate})
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	if err := s.store.Close(); err != nil {
		log.Printf("close store: %v", err)
	}
}

func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(s.serve)
}

func (s *Service) serve(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, controlPrefix) {
		kind, ok := controlEvent(r)
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		data, _ := io.ReadAll(r.Body)
		if err := s.router.Dispatch(r.Context(), Event{Kind: kind, Writer: w, Request: r, Data: data}); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
		return
	}
	_ = s.router.Dispatch(r.Context(), Event{Kind: EventFetch, Writer: w, Request: r})
}

func (s *Service) handleFetch(w http.ResponseWriter, r *http.Request) {
	// Non-GET traffic and anything arriving before activation passes through
	// to the origin untouched.
	if r.Method != http.MethodGet || !s.lifecycle.Active() {
		s.proxyPass(w, r)
		return
	}

	switch s.classify.Classify(r.URL) {
	case NetworkFirst:
		s.handleNetworkFirst(w, r)
	case StaleWhileRevalidate:
		s.handleStaleWhileRevalidate(w, r)
	default:
		s.handleCacheFirst(w, r)
	}
}

// requestKey derives the store key from the full request URL. Only GETs ever
// reach the store, so the method is not part of the key.
func requestKey(r *http.Request) string {
	return r.URL.RequestURI()
}

// runtimeCache picks the partition runtime writes land in: image-class
// content has its own budget, everything else shares the dynamic partition.
func (s *Service) runtimeCache(r *http.Request) string {
	if s.classify.imageClass(r.URL) {
		return s.cfg.ImageCache()
	}
	return s.cfg.DynamicCache()
}

// lookup consults the static (precached) partition before the runtime one, so
// shell assets installed at deploy time are served without refetching.
func (s *Service) lookup(cache, key string) (CacheEntry, bool) {
	if ent, ok := s.store.Get(s.cfg.StaticCache(), key); ok {
		return ent, true
	}
	return s.store.Get(cache, key)
}

func (s *Service) handleCacheFirst(w http.ResponseWriter, r *http.Request) {
	key := requestKey(r)
	cache := s.runtimeCache(r)

	if ent, ok := s.lookup(cache, key); ok {
		s.respond(w, ent, "hit")
		return
	}

	ent, err := s.fetchFromOrigin(r)
	if err != nil {
		s.writeFallback(w, r)
		return
	}
	s.storeEntry(cache, key, ent)
	s.respond(w, ent, "miss")
}

func (s *Service) handleNetworkFirst(w http.ResponseWriter, r *http.Request) {
	key := requestKey(r)
	cache := s.runtimeCache(r)

	ent, err := s.fetchFromOrigin(r)
	if err == nil {
		s.storeEntry(cache, key, ent)
		s.respond(w, ent, "miss")
		return
	}

	if ent, ok := s.lookup(cache, key); ok {
		s.respond(w, ent, "stale")
		return
	}
	s.writeFallback(w, r)
}

func (s *Service) handleStaleWhileRevalidate(w http.ResponseWriter, r *http.Request) {
	key := requestKey(r)
	cache := s.runtimeCache(r)

	if ent, ok := s.lookup(cache, key); ok {
		s.respond(w, ent, "hit")
		s.refreshAsync(cache, key, r.URL.RequestURI())
		return
	}

	ent, err := s.fetchFromOrigin(r)
	if err == nil {
		s.storeEntry(cache, key, ent)
		s.respond(w, ent, "miss")
		return
	}

	// A concurrent refresh may have landed while the fetch was failing.
	if ent, ok := s.lookup(cache, key); ok {
		s.respond(w, ent, "stale")
		return
	}
	s.writeFallback(w, r)
}

// storeEntry writes the snapshot and runs the budget trim. A failed write is
// logged and the response is served uncached.
func (s *Service) storeEntry(cache, key string, ent CacheEntry) {
	if err := s.store.Put(cache, key, ent); err != nil {
		s.storeLog.Printf("store %s in %s: %v", key, cache, err)
		return
	}
	enforceBudget(s.store, cache, s.cfg.budgetFor(cache), s.evictLog)
}

// refreshAsync refetches in the background and overwrites the stored copy if
// the fetch succeeds. The caller has already responded; this is fire and
// forget, bounded by the background semaphore.
func (s *Service) refreshAsync(cache, key, uri string) {
	select {
	case s.bgSem <- struct{}{}:
	default:
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.bgSem }()

		ent, err := s.fetchPath(context.Background(), uri)
		if err != nil {
			return
		}
		s.storeEntry(cache, key, ent)
		s.stats.observe("refresh")
	}()
}

func (s *Service) fetchFromOrigin(r *http.Request) (CacheEntry, error) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, s.cfg.Server.Origin+r.URL.RequestURI(), r.Body)
	if err != nil {
		return CacheEntry{}, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")
	return s.doFetch(req)
}

// fetchPath fetches an origin URI with no inbound request behind it, for
// precaching and background refreshes.
func (s *Service) fetchPath(ctx context.Context, uri string) (CacheEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Server.Origin+uri, nil)
	if err != nil {
		return CacheEntry{}, err
	}
	req.Header.Set("Accept-Encoding", "identity")
	return s.doFetch(req)
}

// doFetch snapshots whatever the origin answers. Only transport failures are
// errors here; non-2xx responses come back as ordinary snapshots.
func (s *Service) doFetch(req *http.Request) (CacheEntry, error) {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return CacheEntry{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, err
	}

	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

func (s *Service) proxyPass(w http.ResponseWriter, r *http.Request) {
	ent, err := s.fetchFromOrigin(r)
	if err != nil {
		setOutcomeHeader(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	s.respond(w, ent, "bypass")
}

func (s *Service) respond(w http.ResponseWriter, ent CacheEntry, outcome string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, outcomeHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOutcomeHeader(w.Header(), outcome)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
	s.stats.observe(outcome)
}

func setOutcomeHeader(h http.Header, outcome string) {
	if outcome != "" {
		h.Set(outcomeHeader, outcome)
	}
	// If this is used from a browser in a CORS context, custom headers are not
	// readable by JS unless explicitly exposed.
	ensureExposedHeader(h, outcomeHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	// Merge into a single comma-separated value.
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.snapshot()
			total := 0
			for _, name := range s.store.CacheNames() {
				total += s.store.Count(name)
			}
			line := formatStatsLine(total, ss)
			if rss, ok := processRSSBytes(); ok {
				line += ", RSS: " + formatBytes(rss)
			}
			log.Print(line)
		}
	}
}
