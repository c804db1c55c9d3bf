package catalog

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ahmetcoskunkizilkaya/fitcore/internal/cache"
	"github.com/ahmetcoskunkizilkaya/fitcore/internal/payments"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPrices struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (s *stubPrices) GetPrice(_ context.Context, priceID string) (*payments.Price, error) {
	s.calls.Add(1)
	time.Sleep(s.delay)
	if s.err != nil {
		return nil, s.err
	}
	return &payments.Price{ID: priceID, UnitAmount: 999, Currency: "usd"}, nil
}

func testFile() *File {
	return &File{
		Plans: []Plan{
			{Key: "12-month", DurationMonths: 12, PriceID: "price_12", FallbackPrice: "$269.99", Active: true},
			{Key: "1-month", DurationMonths: 1, PriceID: "price_1", FallbackPrice: "$29.99", Active: true},
			{Key: "6-month", DurationMonths: 6, PriceID: "price_6", Active: false},
			{Key: "3-month", DurationMonths: 3, PriceID: "price_3", Active: true},
		},
		Programs: []Program{
			{Slug: "advanced-strength-training", Name: "Advanced Strength Training", Difficulty: "advanced", Tags: []string{"strength"}, PriceID: "price_ast", Active: true},
			{Slug: "beginner-mobility", Name: "Beginner Mobility", Description: "Daily routines", Difficulty: "beginner", Tags: []string{"Mobility"}, PriceID: "price_mob", Active: true},
			{Slug: "retired", Name: "Retired", PriceID: "price_old", Active: false},
		},
	}
}

func keys(listings []PlanListing) []string {
	out := make([]string, len(listings))
	for i, l := range listings {
		out[i] = l.Key
	}
	return out
}

func TestListPlans_OrderedByDuration(t *testing.T) {
	c := New(testFile(), Options{})
	ctx := context.Background()

	assert.Equal(t, []string{"1-month", "3-month", "12-month"}, keys(c.ListPlans(ctx, false)))
	assert.Equal(t, []string{"1-month", "3-month", "6-month", "12-month"}, keys(c.ListPlans(ctx, true)))
}

func TestResolvePlan(t *testing.T) {
	c := New(testFile(), Options{})

	p, err := c.ResolvePlan("1-month")
	require.NoError(t, err)
	assert.Equal(t, "price_1", p.PriceID)

	_, err = c.ResolvePlan("6-month")
	assert.ErrorIs(t, err, ErrUnknownPlan)
	_, err = c.ResolvePlan("2-month")
	assert.ErrorIs(t, err, ErrUnknownPlan)

	p, ok := c.PlanByPriceID("price_6")
	assert.True(t, ok)
	assert.Equal(t, "6-month", p.Key)
}

func TestListPrograms_Filters(t *testing.T) {
	c := New(testFile(), Options{})

	assert.Len(t, c.ListPrograms(ProgramFilter{}), 2)
	assert.Len(t, c.ListPrograms(ProgramFilter{Tag: "mobility"}), 1)
	assert.Len(t, c.ListPrograms(ProgramFilter{Difficulty: "ADVANCED"}), 1)
	assert.Len(t, c.ListPrograms(ProgramFilter{Search: "STRENGTH"}), 1)
	assert.Len(t, c.ListPrograms(ProgramFilter{Search: "daily"}), 1)
	assert.Empty(t, c.ListPrograms(ProgramFilter{Search: "retired"}))
}

func TestResolveProgram(t *testing.T) {
	c := New(testFile(), Options{})

	_, err := c.ResolveProgram("advanced-strength-training")
	require.NoError(t, err)

	_, err = c.ResolveProgram("retired")
	assert.ErrorIs(t, err, ErrUnknownProgram)
	_, err = c.ResolveProgram("nope")
	assert.ErrorIs(t, err, ErrUnknownProgram)

	_, ok := c.ProgramBySlug("retired")
	assert.True(t, ok)
}

func TestPriceOfPlan_CachesProviderPrice(t *testing.T) {
	prices := &stubPrices{}
	c := New(testFile(), Options{Prices: prices, Cache: cache.NewMemoryCache(16, time.Minute)})
	ctx := context.Background()

	assert.Equal(t, "$9.99", c.PriceOfPlan(ctx, "1-month"))
	assert.Equal(t, "$9.99", c.PriceOfPlan(ctx, "1-month"))
	assert.Equal(t, int32(1), prices.calls.Load())
}

func TestPriceOfPlan_CoalescesConcurrentLookups(t *testing.T) {
	prices := &stubPrices{delay: 50 * time.Millisecond}
	c := New(testFile(), Options{Prices: prices})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, "$9.99", c.PriceOfPlan(context.Background(), "3-month"))
		}()
	}
	wg.Wait()
	assert.Less(t, prices.calls.Load(), int32(10))
}

func TestPriceOfPlan_FallsBackOnFailure(t *testing.T) {
	prices := &stubPrices{err: payments.ErrUnavailable}
	c := New(testFile(), Options{Prices: prices, FallbackPrice: "Contact us"})
	ctx := context.Background()

	assert.Equal(t, "$29.99", c.PriceOfPlan(ctx, "1-month"))
	assert.Equal(t, "Contact us", c.PriceOfPlan(ctx, "3-month"))
	assert.Equal(t, "Contact us", c.PriceOfPlan(ctx, "unknown"))
}

func TestFile_Validate(t *testing.T) {
	f := &File{
		Plans: []Plan{
			{Key: "1-month", DurationMonths: 1, PriceID: "p1"},
			{Key: "1-month", DurationMonths: 1},
		},
		Programs: []Program{{Slug: ""}},
	}
	err := f.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate key")
	assert.Contains(t, err.Error(), "missing priceId")
	assert.Contains(t, err.Error(), "missing slug")

	assert.NoError(t, testFile().Validate())
}

func TestOpenAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	write := func(body string) {
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	}
	write(`
plans:
  - {key: 1-month, durationMonths: 1, priceId: price_1, active: true}
programs: []
`)
	c, err := Open(path, Options{})
	require.NoError(t, err)
	assert.Len(t, c.ListPlans(context.Background(), false), 1)

	write(`
plans:
  - {key: 1-month, durationMonths: 1, priceId: price_1, active: true}
  - {key: 3-month, durationMonths: 3, priceId: price_3, active: true}
programs:
  - {slug: advanced-strength-training, priceId: price_ast, active: true}
`)
	require.NoError(t, c.Reload(context.Background()))
	assert.Len(t, c.ListPlans(context.Background(), false), 2)
	assert.Len(t, c.ListPrograms(ProgramFilter{}), 1)

	write("plans: [{key: ''}]")
	assert.Error(t, c.Reload(context.Background()))
	assert.Len(t, c.ListPlans(context.Background(), false), 2)
}

func TestReload_EvictsCachedPrices(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
plans:
  - {key: 1-month, durationMonths: 1, priceId: price_1, active: true}
programs:
  - {slug: beginner-mobility, priceId: price_mob, active: false}
`), 0o600))

	prices := &stubPrices{}
	c, err := Open(path, Options{Prices: prices, Cache: cache.NewMemoryCache(16, time.Hour), CacheTTL: time.Hour})
	require.NoError(t, err)
	ctx := context.Background()

	c.ListPlans(ctx, false)
	c.ListPlans(ctx, false)
	assert.Equal(t, int32(1), prices.calls.Load())

	require.NoError(t, c.Reload(ctx))
	c.ListPlans(ctx, false)
	assert.Equal(t, int32(2), prices.calls.Load())

	plans, programs := c.Size()
	assert.Equal(t, 1, plans)
	assert.Equal(t, 1, programs)
}

func TestShippedCatalogIsValid(t *testing.T) {
	_, err := ParseFile("../../configs/catalog.yaml")
	assert.NoError(t, err)
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "$9.99", FormatAmount(999, "usd"))
	assert.Equal(t, "€120.00", FormatAmount(12000, "EUR"))
	assert.Equal(t, "5.05 CHF", FormatAmount(505, "chf"))
	assert.Equal(t, "¥1200", FormatAmount(1200, "jpy"))
	assert.Equal(t, "5000 KRW", FormatAmount(5000, "KRW"))
	assert.Equal(t, "-$0.50", FormatAmount(-50, "usd"))
	assert.Equal(t, "-$12.05", FormatAmount(-1205, "usd"))
}
