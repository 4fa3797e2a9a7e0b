// Package cache implements the semantic response cache: responses keyed by a
// normalised form of the customer's question so spelling, accents and filler
// words collide into one entry. Single-process by design — each replica owns
// its own cache.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Category determines an entry's TTL.
type Category string

const (
	CategoryFAQ       Category = "faq"
	CategoryGeneral   Category = "general"
	CategoryTransient Category = "transient"
)

// Entry is a cached response.
type Entry struct {
	Hash      string
	Question  string // normalised form
	Response  string
	Category  Category
	CreatedAt time.Time
	ExpiresAt time.Time
	Hits      int
	Metadata  map[string]string
}

// Result of a lookup.
type Result struct {
	Hit      bool
	Response string
	Category Category
	CacheAge time.Duration
	Metadata map[string]string
}

// Config tunes TTLs and eviction. Zero fields get defaults.
type Config struct {
	TTLFAQ       time.Duration // default 24h
	TTLGeneral   time.Duration // default 4h
	TTLTransient time.Duration // default 30m
	MaxEntries   int           // default 5000
}

// Stats snapshot for monitoring.
type Stats struct {
	Entries   int
	Hits      int64
	Misses    int64
	Evictions int64
	Refusals  int64
}

// transientPatterns mark questions whose answer changes by the hour; they
// take precedence over the FAQ patterns.
var transientPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bhoy\b`),
	regexp.MustCompile(`\bahora\b`),
	regexp.MustCompile(`\bmi pedido\b`),
	regexp.MustCompile(`\bmi orden\b`),
	regexp.MustCompile(`\bestatus\b`),
	regexp.MustCompile(`\brastrear\b`),
	regexp.MustCompile(`\bdisponible\b`),
}

var faqPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bhorario`),
	regexp.MustCompile(`\bsucursal`),
	regexp.MustCompile(`\bdireccion\b`),
	regexp.MustCompile(`\bubicacion\b`),
	regexp.MustCompile(`\benvio`),
	regexp.MustCompile(`\bprecio`),
	regexp.MustCompile(`\bmenu\b`),
	regexp.MustCompile(`\bfactura`),
	regexp.MustCompile(`\bpago`),
}

// refusalMarkers: responses that look like apologies or errors are never
// cached, otherwise a transient failure would be replayed for hours.
var refusalMarkers = []string{
	"lo siento",
	"lo sentimos",
	"disculpa",
	"un error",
	"intenta de nuevo",
	"no pude",
	"problema procesando",
}

// Spanish function words removed during normalisation.
var stopWords = map[string]bool{
	"el": true, "la": true, "los": true, "las": true, "un": true, "una": true,
	"de": true, "del": true, "al": true, "a": true, "en": true, "y": true,
	"o": true, "que": true, "por": true, "para": true, "con": true, "me": true,
	"mi": true, "su": true, "es": true, "se": true, "lo": true,
}

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Cache is the semantic response cache.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry
	cfg     Config
	logger  *slog.Logger
	done    chan struct{}

	hits      int64
	misses    int64
	evictions int64
	refusals  int64
}

// New creates a cache and starts the 5-minute expiry sweeper.
func New(cfg Config) *Cache {
	if cfg.TTLFAQ <= 0 {
		cfg.TTLFAQ = 24 * time.Hour
	}
	if cfg.TTLGeneral <= 0 {
		cfg.TTLGeneral = 4 * time.Hour
	}
	if cfg.TTLTransient <= 0 {
		cfg.TTLTransient = 30 * time.Minute
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 5000
	}
	c := &Cache{
		entries: make(map[string]*Entry),
		cfg:     cfg,
		logger:  slog.With("component", "semcache"),
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Normalize produces the canonical form of a question: lowercase, accents
// stripped, punctuation removed, whitespace collapsed, function words dropped.
func Normalize(question string) string {
	s := strings.ToLower(question)
	if out, _, err := transform.String(stripMarks, s); err == nil {
		s = out
	}
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	words := strings.Fields(b.String())
	kept := words[:0]
	for _, w := range words {
		if !stopWords[w] {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}

// Key hashes the normalised question to the 16-hex cache key.
func Key(question string) string {
	sum := sha256.Sum256([]byte(Normalize(question)))
	return hex.EncodeToString(sum[:])[:16]
}

// Categorize maps a question to its TTL family. Transient wins over FAQ.
func Categorize(question string) Category {
	n := Normalize(question)
	for _, re := range transientPatterns {
		if re.MatchString(n) {
			return CategoryTransient
		}
	}
	for _, re := range faqPatterns {
		if re.MatchString(n) {
			return CategoryFAQ
		}
	}
	return CategoryGeneral
}

// Get looks a question up, deleting the entry lazily when it has expired.
func (c *Cache) Get(question string) Result {
	key := Key(question)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return Result{}
	}
	if !e.ExpiresAt.After(now) {
		delete(c.entries, key)
		c.misses++
		return Result{}
	}
	e.Hits++
	c.hits++
	return Result{
		Hit:      true,
		Response: e.Response,
		Category: e.Category,
		CacheAge: now.Sub(e.CreatedAt),
		Metadata: e.Metadata,
	}
}

// SetOptions overrides category or metadata for a single Set.
type SetOptions struct {
	Category Category
	Metadata map[string]string
}

// Set stores a response. Responses that look like apologies or errors are
// refused and nil is returned.
func (c *Cache) Set(question, response string, opts *SetOptions) *Entry {
	lower := strings.ToLower(response)
	for _, marker := range refusalMarkers {
		if strings.Contains(lower, marker) {
			c.mu.Lock()
			c.refusals++
			c.mu.Unlock()
			return nil
		}
	}

	category := Categorize(question)
	var metadata map[string]string
	if opts != nil {
		if opts.Category != "" {
			category = opts.Category
		}
		metadata = opts.Metadata
	}

	now := time.Now()
	e := &Entry{
		Hash:      Key(question),
		Question:  Normalize(question),
		Response:  response,
		Category:  category,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttlFor(category)),
		Metadata:  metadata,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.cfg.MaxEntries {
		c.evictLowestLocked()
	}
	c.entries[e.Hash] = e
	return e
}

// Invalidate removes the entry for one question.
func (c *Cache) Invalidate(question string) bool {
	key := Key(question)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	return true
}

// InvalidatePattern removes every entry whose normalised question matches re.
func (c *Cache) InvalidatePattern(re *regexp.Regexp) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if re.MatchString(e.Question) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// InvalidateCategory removes every entry in a category.
func (c *Cache) InvalidateCategory(cat Category) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if e.Category == cat {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Clear drops everything.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry)
}

// Stats returns a monitoring snapshot.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Refusals:  c.refusals,
	}
}

// Close stops the sweeper.
func (c *Cache) Close() {
	close(c.done)
}

func (c *Cache) ttlFor(cat Category) time.Duration {
	switch cat {
	case CategoryFAQ:
		return c.cfg.TTLFAQ
	case CategoryTransient:
		return c.cfg.TTLTransient
	default:
		return c.cfg.TTLGeneral
	}
}

// evictLowestLocked drops the lowest-scoring 10% of entries, where
// score = hits / age. Heavily-used entries survive the sweep.
func (c *Cache) evictLowestLocked() {
	type scored struct {
		key   string
		score float64
	}
	now := time.Now()
	all := make([]scored, 0, len(c.entries))
	for k, e := range c.entries {
		age := now.Sub(e.CreatedAt).Seconds()
		if age < 1 {
			age = 1
		}
		all = append(all, scored{key: k, score: float64(e.Hits) / age})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].score < all[j].score })

	n := len(all) / 10
	if n < 1 {
		n = 1
	}
	for _, s := range all[:n] {
		delete(c.entries, s.key)
		c.evictions++
	}
	c.logger.Debug("Evicted low-score entries", "count", n, "remaining", len(c.entries))
}

// sweep removes expired entries every 5 minutes.
func (c *Cache) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, e := range c.entries {
				if !e.ExpiresAt.After(now) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		}
	}
}
