package offshell

import (
	"io"
	"net/http"
	"strings"
)

// placeholderSVG substitutes for images that cannot be fetched offline: a grey
// box with a diagonal cross, same bytes every time.
const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 64 64">` +
	`<rect width="64" height="64" fill="#e0e0e0"/>` +
	`<path d="M16 16l32 32M48 16L16 48" stroke="#9e9e9e" stroke-width="4"/>` +
	`</svg>`

const unavailableBody = "resource unavailable"

type acceptClass int

const (
	acceptOther acceptClass = iota
	acceptHTML
	acceptImage
)

func classifyAccept(h http.Header) acceptClass {
	accept := h.Get("Accept")
	if strings.Contains(accept, "text/html") {
		return acceptHTML
	}
	if strings.Contains(accept, "image/") {
		return acceptImage
	}
	return acceptOther
}

// writeFallback is the terminal path when neither store nor network produced a
// response. It always writes a well-formed response and never fails: HTML
// navigations get the stored offline document when one was precached, images
// get the placeholder, everything else a generic 503.
func (s *Service) writeFallback(w http.ResponseWriter, r *http.Request) {
	s.control.queueDeferred(requestKey(r))

	switch classifyAccept(r.Header) {
	case acceptHTML:
		if s.cfg.OfflinePath != "" {
			if ent, ok := s.store.Get(s.cfg.StaticCache(), s.cfg.OfflinePath); ok {
				s.respond(w, ent, "fallback")
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		s.finishFallback(w, unavailableBody+" offline")
	case acceptImage:
		w.Header().Set("Content-Type", "image/svg+xml")
		s.finishFallback(w, placeholderSVG)
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		s.finishFallback(w, unavailableBody)
	}
}

func (s *Service) finishFallback(w http.ResponseWriter, body string) {
	setOutcomeHeader(w.Header(), "fallback")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = io.WriteString(w, body)
	s.stats.observe("fallback")
}
