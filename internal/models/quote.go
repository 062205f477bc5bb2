package models

import "time"

// Quote содержит последнюю котировку инструмента
type Quote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Offer     float64   `json:"offer"`
	Timestamp time.Time `json:"timestamp"`
}

// Tradable возвращает true если по котировке можно считать ratio.
// Неположительный offer трактуется как "нет рынка", не как ошибка.
func (q Quote) Tradable() bool {
	return q.Bid > 0 && q.Offer > 0
}

// Fresh возвращает true если котировка не старше maxAge.
// maxAge <= 0 отключает проверку возраста.
// Котировка, пережившая разрыв фида, не должна считаться рынком
func (q Quote) Fresh(maxAge time.Duration) bool {
	if maxAge <= 0 {
		return true
	}
	return time.Since(q.Timestamp) <= maxAge
}
