// Package catalog enumerates subscription plans and purchasable programs and
// maps their stable local keys to provider price identifiers.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ahmetcoskunkizilkaya/fitcore/internal/payments"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownPlan    = errors.New("unknown plan")
	ErrUnknownProgram = errors.New("unknown program")
)

type Plan struct {
	Key            string `yaml:"key" json:"key"`
	Name           string `yaml:"name" json:"name"`
	DurationMonths int    `yaml:"durationMonths" json:"durationMonths"`
	ProductID      string `yaml:"productId" json:"productId"`
	PriceID        string `yaml:"priceId" json:"priceId"`
	FallbackPrice  string `yaml:"fallbackPrice" json:"-"`
	Savings        string `yaml:"savings" json:"savings,omitempty"`
	Active         bool   `yaml:"active" json:"active"`
}

type Program struct {
	Slug         string   `yaml:"slug" json:"slug"`
	Name         string   `yaml:"name" json:"name"`
	Description  string   `yaml:"description" json:"description"`
	Difficulty   string   `yaml:"difficulty" json:"difficulty"`
	Tags         []string `yaml:"tags" json:"tags"`
	ProductID    string   `yaml:"productId" json:"productId"`
	PriceID      string   `yaml:"priceId" json:"priceId"`
	PriceDisplay string   `yaml:"priceDisplay" json:"price"`
	ContentURL   string   `yaml:"contentUrl" json:"-"`
	Active       bool     `yaml:"active" json:"active"`
}

// File is the on-disk catalog document.
type File struct {
	Plans    []Plan    `yaml:"plans"`
	Programs []Program `yaml:"programs"`
}

// PlanListing is a plan together with its resolved display price.
type PlanListing struct {
	Plan
	DisplayPrice string `json:"displayPrice"`
}

// ProgramFilter narrows ListPrograms. Empty fields match everything.
type ProgramFilter struct {
	Tag        string
	Difficulty string
	Search     string
}

// PriceSource looks up live prices at the provider.
type PriceSource interface {
	GetPrice(ctx context.Context, priceID string) (*payments.Price, error)
}

// PriceCache stores formatted display prices.
type PriceCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type Options struct {
	Prices        PriceSource
	Cache         PriceCache
	CacheTTL      time.Duration
	FallbackPrice string
}

type Catalog struct {
	path string
	opts Options

	mu       sync.RWMutex
	plans    []Plan
	programs []Program

	group singleflight.Group
}

// ParseFile reads and validates a catalog document.
func ParseFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate reports every problem in the document at once.
func (f *File) Validate() error {
	var errs []error
	seenPlans := map[string]bool{}
	for i, p := range f.Plans {
		switch {
		case p.Key == "":
			errs = append(errs, fmt.Errorf("plan #%d: missing key", i))
			continue
		case seenPlans[p.Key]:
			errs = append(errs, fmt.Errorf("plan %q: duplicate key", p.Key))
		}
		seenPlans[p.Key] = true
		if p.PriceID == "" {
			errs = append(errs, fmt.Errorf("plan %q: missing priceId", p.Key))
		}
		if p.DurationMonths <= 0 {
			errs = append(errs, fmt.Errorf("plan %q: durationMonths must be positive", p.Key))
		}
	}
	seenPrograms := map[string]bool{}
	for i, p := range f.Programs {
		switch {
		case p.Slug == "":
			errs = append(errs, fmt.Errorf("program #%d: missing slug", i))
			continue
		case seenPrograms[p.Slug]:
			errs = append(errs, fmt.Errorf("program %q: duplicate slug", p.Slug))
		}
		seenPrograms[p.Slug] = true
		if p.PriceID == "" {
			errs = append(errs, fmt.Errorf("program %q: missing priceId", p.Slug))
		}
	}
	return errors.Join(errs...)
}

// New builds a catalog from an already parsed document.
func New(f *File, opts Options) *Catalog {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.FallbackPrice == "" {
		opts.FallbackPrice = "Contact us"
	}
	c := &Catalog{opts: opts}
	c.swap(f)
	return c
}

// Open loads the catalog from path; Reload re-reads the same file.
func Open(path string, opts Options) (*Catalog, error) {
	f, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	c := New(f, opts)
	c.path = path
	return c, nil
}

// Reload replaces plans and programs from disk and evicts cached display
// prices for every plan before and after. The old catalog stays in place
// when the file is invalid.
func (c *Catalog) Reload(ctx context.Context) error {
	if c.path == "" {
		return errors.New("catalog was not loaded from a file")
	}
	f, err := ParseFile(c.path)
	if err != nil {
		return err
	}

	c.mu.RLock()
	keys := make([]string, 0, len(c.plans)+len(f.Plans))
	for _, p := range c.plans {
		keys = append(keys, priceCacheKey(p.PriceID))
	}
	c.mu.RUnlock()
	for _, p := range f.Plans {
		keys = append(keys, priceCacheKey(p.PriceID))
	}

	c.swap(f)
	if c.opts.Cache != nil {
		if err := c.opts.Cache.Delete(ctx, keys...); err != nil {
			slog.Warn("price cache eviction failed", "error", err)
		}
	}
	slog.Info("catalog reloaded", "plans", len(f.Plans), "programs", len(f.Programs))
	return nil
}

func priceCacheKey(priceID string) string {
	return "price:" + priceID
}

func (c *Catalog) swap(f *File) {
	plans := append([]Plan(nil), f.Plans...)
	sort.SliceStable(plans, func(i, j int) bool {
		if plans[i].DurationMonths != plans[j].DurationMonths {
			return plans[i].DurationMonths < plans[j].DurationMonths
		}
		return plans[i].Key < plans[j].Key
	})
	programs := append([]Program(nil), f.Programs...)
	sort.SliceStable(programs, func(i, j int) bool { return programs[i].Slug < programs[j].Slug })

	c.mu.Lock()
	c.plans = plans
	c.programs = programs
	c.mu.Unlock()
}

// Size counts loaded plans and programs, inactive ones included.
func (c *Catalog) Size() (plans, programs int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.plans), len(c.programs)
}

// ListPlans returns plans by ascending duration with display prices.
func (c *Catalog) ListPlans(ctx context.Context, includeInactive bool) []PlanListing {
	c.mu.RLock()
	plans := append([]Plan(nil), c.plans...)
	c.mu.RUnlock()

	out := make([]PlanListing, 0, len(plans))
	for _, p := range plans {
		if !p.Active && !includeInactive {
			continue
		}
		out = append(out, PlanListing{Plan: p, DisplayPrice: c.displayPrice(ctx, p)})
	}
	return out
}

// ResolvePlan returns an active plan.
func (c *Catalog) ResolvePlan(key string) (Plan, error) {
	p, ok := c.PlanByKey(key)
	if !ok || !p.Active {
		return Plan{}, fmt.Errorf("%w: %s", ErrUnknownPlan, key)
	}
	return p, nil
}

// PlanByKey includes inactive plans; existing subscribers keep theirs.
func (c *Catalog) PlanByKey(key string) (Plan, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.plans {
		if p.Key == key {
			return p, true
		}
	}
	return Plan{}, false
}

// PlanByPriceID maps a provider price back to a plan, active or not.
func (c *Catalog) PlanByPriceID(priceID string) (Plan, bool) {
	if priceID == "" {
		return Plan{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.plans {
		if p.PriceID == priceID {
			return p, true
		}
	}
	return Plan{}, false
}

func (c *Catalog) ListPrograms(filter ProgramFilter) []Program {
	c.mu.RLock()
	defer c.mu.RUnlock()

	search := strings.ToLower(strings.TrimSpace(filter.Search))
	out := make([]Program, 0, len(c.programs))
	for _, p := range c.programs {
		if !p.Active {
			continue
		}
		if filter.Difficulty != "" && !strings.EqualFold(p.Difficulty, filter.Difficulty) {
			continue
		}
		if filter.Tag != "" && !hasTag(p.Tags, filter.Tag) {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(p.Name), search) &&
			!strings.Contains(strings.ToLower(p.Description), search) &&
			!strings.Contains(p.Slug, search) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// ResolveProgram fails for missing and inactive programs alike.
func (c *Catalog) ResolveProgram(slug string) (Program, error) {
	p, ok := c.ProgramBySlug(slug)
	if !ok || !p.Active {
		return Program{}, fmt.Errorf("%w: %s", ErrUnknownProgram, slug)
	}
	return p, nil
}

// ProgramBySlug includes inactive programs so owners keep access.
func (c *Catalog) ProgramBySlug(slug string) (Program, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.programs {
		if p.Slug == slug {
			return p, true
		}
	}
	return Program{}, false
}

// PriceOfPlan never fails. Provider and cache errors fall back to the
// plan's configured price, then the global fallback.
func (c *Catalog) PriceOfPlan(ctx context.Context, key string) string {
	p, ok := c.PlanByKey(key)
	if !ok {
		return c.opts.FallbackPrice
	}
	return c.displayPrice(ctx, p)
}

func (c *Catalog) displayPrice(ctx context.Context, p Plan) string {
	fallback := p.FallbackPrice
	if fallback == "" {
		fallback = c.opts.FallbackPrice
	}
	if p.PriceID == "" || c.opts.Prices == nil {
		return fallback
	}

	cacheKey := priceCacheKey(p.PriceID)
	if c.opts.Cache != nil {
		if v, ok, err := c.opts.Cache.Get(ctx, cacheKey); err != nil {
			slog.Warn("price cache read failed", "plan", p.Key, "error", err)
		} else if ok {
			return v
		}
	}

	v, err, _ := c.group.Do(p.PriceID, func() (any, error) {
		price, err := c.opts.Prices.GetPrice(ctx, p.PriceID)
		if err != nil {
			return "", err
		}
		display := FormatAmount(price.UnitAmount, price.Currency)
		if c.opts.Cache != nil {
			if err := c.opts.Cache.Set(ctx, cacheKey, display, c.opts.CacheTTL); err != nil {
				slog.Warn("price cache write failed", "plan", p.Key, "error", err)
			}
		}
		return display, nil
	})
	if err != nil {
		slog.Warn("price lookup failed, using fallback", "plan", p.Key, "error", err)
		return fallback
	}
	return v.(string)
}

var currencySymbols = map[string]string{
	"usd": "$",
	"eur": "€",
	"gbp": "£",
	"try": "₺",
	"jpy": "¥",
}

// Stripe amounts in these currencies are already whole units.
var zeroDecimal = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// FormatAmount renders minor units, e.g. 999 usd -> "$9.99", -50 usd ->
// "-$0.50", 1200 jpy -> "¥1200".
func FormatAmount(minor int64, currency string) string {
	code := strings.ToLower(currency)
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	major := fmt.Sprintf("%d.%02d", minor/100, minor%100)
	if zeroDecimal[code] {
		major = strconv.FormatInt(minor, 10)
	}
	if sym, ok := currencySymbols[code]; ok {
		return sign + sym + major
	}
	return sign + major + " " + strings.ToUpper(currency)
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}
