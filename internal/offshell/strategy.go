package offshell

import (
	"net/url"
	"path"
	"strings"
)

// classifier assigns a StrategyClass to a URL. Classification is pure: no
// network or store access, and the same URL always yields the same class.
type classifier struct {
	networkFirst []string
	cacheFirst   map[string]struct{}
	swr          map[string]struct{}
	shell        map[string]struct{}
}

func newClassifier(cfg *Config) *classifier {
	c := &classifier{
		networkFirst: cfg.Strategies.NetworkFirst,
		cacheFirst:   map[string]struct{}{},
		swr:          map[string]struct{}{},
		shell:        map[string]struct{}{},
	}
	for _, ext := range cfg.Strategies.CacheFirst {
		c.cacheFirst[ext] = struct{}{}
	}
	for _, ext := range cfg.Strategies.StaleWhileRevalidate {
		c.swr[ext] = struct{}{}
	}
	for _, p := range cfg.Strategies.Shell {
		c.shell[p] = struct{}{}
	}
	return c
}

// Classify applies the fixed precedence: network-first substrings, cache-first
// extensions, stale-while-revalidate extensions, shell literals, then the
// cache-first default.
func (c *classifier) Classify(u *url.URL) StrategyClass {
	p := u.Path
	for _, sub := range c.networkFirst {
		if strings.Contains(p, sub) {
			return NetworkFirst
		}
	}
	ext := strings.ToLower(path.Ext(p))
	if _, ok := c.cacheFirst[ext]; ok {
		return CacheFirst
	}
	if _, ok := c.swr[ext]; ok {
		return StaleWhileRevalidate
	}
	if _, ok := c.shell[p]; ok {
		return CacheFirst
	}
	return CacheFirst
}

// imageClass reports whether the URL falls in the image/font extension set,
// which writes to the image partition instead of the dynamic one.
func (c *classifier) imageClass(u *url.URL) bool {
	_, ok := c.cacheFirst[strings.ToLower(path.Ext(u.Path))]
	return ok
}
