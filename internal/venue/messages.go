package venue

import "time"

// Типы кадров протокола площадки
const (
	FrameTypeLogin           = "login"
	FrameTypeLoginResult     = "login_result"
	FrameTypeSubscribe       = "smd" // subscribe market data
	FrameTypeMarketData      = "md"
	FrameTypeOrderEntry      = "no" // new order
	FrameTypeExecutionReport = "er"
)

// Envelope - минимальный конверт для определения типа входящего кадра
type Envelope struct {
	Type string `json:"type"`
}

// Credentials - учётные данные сессии площадки
//
// Передаются явно в Session при подключении и принадлежат ему;
// глобального изменяемого хранилища "последних параметров" нет.
type Credentials struct {
	User     string `json:"user"`
	Password string `json:"password"`
	Account  string `json:"account"`
}

// LoginRequest - запрос установления логической сессии
type LoginRequest struct {
	Type     string `json:"type"`
	User     string `json:"user"`
	Password string `json:"password"`
	Account  string `json:"account"`
}

// LoginResult - ответ площадки на логин
type LoginResult struct {
	Type    string `json:"type"`
	Status  string `json:"status"` // connected, failed
	Message string `json:"message,omitempty"`
}

// MarketDataSubscription - подписка на котировки инструментов
type MarketDataSubscription struct {
	Type    string   `json:"type"`
	Level   int      `json:"level"`   // 1 = top of book
	Entries []string `json:"entries"` // bid, offer
	Symbols []string `json:"symbols"`
}

// MarketDataTick - кадр котировки {symbol, bid, offer, timestamp}
type MarketDataTick struct {
	Type      string  `json:"type"`
	Symbol    string  `json:"symbol"`
	Bid       float64 `json:"bid"`
	Offer     float64 `json:"offer"`
	Timestamp int64   `json:"timestamp"` // epoch millis площадки
}

// Time возвращает метку времени котировки
func (t MarketDataTick) Time() time.Time {
	return time.UnixMilli(t.Timestamp)
}

// OrderEntry - отправка нового ордера
type OrderEntry struct {
	Type          string  `json:"type"`
	ClientOrderID string  `json:"clientOrderId"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Quantity      float64 `json:"quantity"`
	Price         float64 `json:"price,omitempty"`
	OrderType     string  `json:"ordType"`
	TimeInForce   string  `json:"timeInForce"`
	Account       string  `json:"account"`
}

// ExecutionReport - отчёт площадки об исполнении
// {clientOrderId, exchangeOrderId, status, side, symbol, quantity, price}
type ExecutionReport struct {
	Type            string  `json:"type"`
	ClientOrderID   string  `json:"clientOrderId"`
	ExchangeOrderID string  `json:"exchangeOrderId"`
	Status          string  `json:"status"` // NEW, ACKED, FILLED, REJECTED, CANCELLED
	Side            string  `json:"side"`
	Symbol          string  `json:"symbol"`
	Quantity        float64 `json:"quantity"`
	Price           float64 `json:"price"`
	Text            string  `json:"text,omitempty"` // причина reject, если есть
}

// NewLoginRequest создаёт кадр логина из учётных данных
func NewLoginRequest(creds Credentials) *LoginRequest {
	return &LoginRequest{
		Type:     FrameTypeLogin,
		User:     creds.User,
		Password: creds.Password,
		Account:  creds.Account,
	}
}

// NewMarketDataSubscription создаёт подписку top-of-book на инструменты
func NewMarketDataSubscription(symbols []string) *MarketDataSubscription {
	return &MarketDataSubscription{
		Type:    FrameTypeSubscribe,
		Level:   1,
		Entries: []string{"bid", "offer"},
		Symbols: symbols,
	}
}
