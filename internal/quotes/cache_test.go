package quotes

import (
	"sync"
	"testing"
	"time"

	"cotiza/internal/models"
)

func TestCache_SetGet(t *testing.T) {
	cache := NewCache()

	if _, ok := cache.Get("AL30"); ok {
		t.Error("expected empty cache to return not found")
	}

	q := models.Quote{Symbol: "AL30", Bid: 68000, Offer: 68200, Timestamp: time.Now()}
	cache.Set(q)

	got, ok := cache.Get("AL30")
	if !ok {
		t.Fatal("expected quote to be found")
	}
	if got.Bid != 68000 || got.Offer != 68200 {
		t.Errorf("got bid/offer %v/%v, want 68000/68200", got.Bid, got.Offer)
	}
}

// TestCache_LastWriteWins проверяет что хранится только последняя котировка
func TestCache_LastWriteWins(t *testing.T) {
	cache := NewCache()

	cache.Set(models.Quote{Symbol: "AL30", Bid: 100, Offer: 101})
	cache.Set(models.Quote{Symbol: "AL30", Bid: 200, Offer: 201})

	got, _ := cache.Get("AL30")
	if got.Bid != 200 {
		t.Errorf("expected last write to win, got bid %v", got.Bid)
	}
	if cache.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", cache.Len())
	}
}

func TestCache_GetTradable(t *testing.T) {
	cache := NewCache()

	// Отсутствующий инструмент и нулевой offer трактуются одинаково
	if _, ok := cache.GetTradable("MISSING"); ok {
		t.Error("missing symbol should not be tradable")
	}

	cache.Set(models.Quote{Symbol: "GD30", Bid: 100, Offer: 0, Timestamp: time.Now()})
	if _, ok := cache.GetTradable("GD30"); ok {
		t.Error("zero offer should not be tradable")
	}

	cache.Set(models.Quote{Symbol: "GD30", Bid: 100, Offer: 101, Timestamp: time.Now()})
	if _, ok := cache.GetTradable("GD30"); !ok {
		t.Error("valid quote should be tradable")
	}
}

// TestCache_StaleQuoteNotTradable проверяет что котировка, пережившая
// разрыв фида, не считается рынком: Get её отдаёт, GetTradable - нет
func TestCache_StaleQuoteNotTradable(t *testing.T) {
	cache := NewCacheWithMaxAge(100 * time.Millisecond)

	cache.Set(models.Quote{
		Symbol:    "AL30",
		Bid:       68000,
		Offer:     68200,
		Timestamp: time.Now().Add(-time.Second),
	})

	if _, ok := cache.Get("AL30"); !ok {
		t.Error("stale quote should still be readable via Get")
	}
	if _, ok := cache.GetTradable("AL30"); ok {
		t.Error("stale quote should not be tradable")
	}

	cache.Set(models.Quote{Symbol: "AL30", Bid: 68000, Offer: 68200, Timestamp: time.Now()})
	if _, ok := cache.GetTradable("AL30"); !ok {
		t.Error("fresh quote should be tradable")
	}
}

// Нулевой maxAge отключает проверку возраста
func TestCache_ZeroMaxAgeDisablesFreshness(t *testing.T) {
	cache := NewCacheWithMaxAge(0)

	cache.Set(models.Quote{Symbol: "AL30", Bid: 68000, Offer: 68200})
	if _, ok := cache.GetTradable("AL30"); !ok {
		t.Error("freshness check should be disabled with zero maxAge")
	}
}

func TestCache_Symbols(t *testing.T) {
	cache := NewCache()
	cache.Set(models.Quote{Symbol: "AL30", Bid: 1, Offer: 2})
	cache.Set(models.Quote{Symbol: "AL30D", Bid: 1, Offer: 2})

	symbols := cache.Symbols()
	if len(symbols) != 2 {
		t.Errorf("expected 2 symbols, got %d", len(symbols))
	}
}

// TestCache_ConcurrentAccess проверяет отсутствие гонок:
// один писатель (фид) и несколько читателей (планировщики)
func TestCache_ConcurrentAccess(t *testing.T) {
	cache := NewCache()

	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			cache.Set(models.Quote{Symbol: "AL30", Bid: float64(i), Offer: float64(i) + 1})
		}
		close(done)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					cache.GetTradable("AL30")
				}
			}
		}()
	}

	wg.Wait()

	got, ok := cache.Get("AL30")
	if !ok || got.Bid != 999 {
		t.Errorf("expected final bid 999, got %v (found=%v)", got.Bid, ok)
	}
}
