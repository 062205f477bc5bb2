package quotes

import (
	"sync"
	"time"

	"cotiza/internal/models"
)

// Cache хранит последнюю котировку по каждому инструменту
//
// Семантика:
//   - last-write-wins, история не хранится
//   - Пишет ТОЛЬКО горутина чтения фида площадки (venue.Session)
//   - Читается неблокирующе из циклов планировщика (read-mostly)
//   - Отсутствие котировки, неположительный offer или протухшая
//     котировка - это "нет рынка", никогда не ошибка
//
// Возраст котировки ограничен maxAge: после разрыва фида тики
// перестают приходить, и кэш не должен выдавать довоенные цены
// как пригодные для торговли
type Cache struct {
	mu     sync.RWMutex
	quotes map[string]models.Quote
	maxAge time.Duration
}

// DefaultQuoteMaxAge - возраст, после которого котировка считается
// протухшей для GetTradable
const DefaultQuoteMaxAge = 10 * time.Second

// NewCache создаёт пустой кэш котировок с окном свежести по умолчанию
func NewCache() *Cache {
	return NewCacheWithMaxAge(DefaultQuoteMaxAge)
}

// NewCacheWithMaxAge создаёт кэш с заданным окном свежести.
// maxAge <= 0 отключает проверку возраста
func NewCacheWithMaxAge(maxAge time.Duration) *Cache {
	return &Cache{
		quotes: make(map[string]models.Quote),
		maxAge: maxAge,
	}
}

// Set записывает последнюю котировку инструмента (last-write-wins)
func (c *Cache) Set(q models.Quote) {
	c.mu.Lock()
	c.quotes[q.Symbol] = q
	c.mu.Unlock()
}

// Get возвращает последнюю котировку и признак её наличия
func (c *Cache) Get(symbol string) (models.Quote, bool) {
	c.mu.RLock()
	q, ok := c.quotes[symbol]
	c.mu.RUnlock()
	return q, ok
}

// GetTradable возвращает котировку только если по ней можно торговать:
// обе стороны положительны и котировка не старше окна свежести
func (c *Cache) GetTradable(symbol string) (models.Quote, bool) {
	q, ok := c.Get(symbol)
	if !ok || !q.Tradable() || !q.Fresh(c.maxAge) {
		return models.Quote{}, false
	}
	return q, true
}

// Symbols возвращает список инструментов с котировками
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	symbols := make([]string, 0, len(c.quotes))
	for s := range c.quotes {
		symbols = append(symbols, s)
	}
	return symbols
}

// Len возвращает количество инструментов в кэше
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.quotes)
}
