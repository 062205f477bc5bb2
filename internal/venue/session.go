package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Ошибки сессии
var (
	// ErrNotConnected - отправка при закрытом соединении.
	// Отличается от reject площадки: вызывающий код может дождаться
	// переподключения и повторить, а не прерывать батч.
	ErrNotConnected = errors.New("venue session not connected")

	// ErrSessionClosed - сессия закрыта навсегда (Close)
	ErrSessionClosed = errors.New("venue session closed")

	// ErrLoginFailed - площадка отклонила учётные данные
	ErrLoginFailed = errors.New("venue login failed")

	// ErrConnectionLost - попытки переподключения исчерпаны.
	// НЕ фатальная ошибка процесса: активные операции продолжают ждать
	// рынок, состояние наблюдается через IsConnected.
	ErrConnectionLost = errors.New("venue connection lost after max retries")

	// ErrReconnectInProgress - ручной Reconnect при уже идущем
	// (пере)подключении. Вторая попытка дала бы два параллельных dial
	// и задвоенные read/ping горутины.
	ErrReconnectInProgress = errors.New("venue reconnect already in progress")
)

// SessionConfig - конфигурация подключения и переподключения
type SessionConfig struct {
	// URL WebSocket площадки
	URL string
	// Начальная задержка перед переподключением
	InitialDelay time.Duration
	// Максимальная задержка (после exponential backoff)
	MaxDelay time.Duration
	// Максимальное количество попыток переподключения (0 = бесконечно)
	MaxRetries int
	// Таймаут установления соединения и логина
	ConnectTimeout time.Duration
	// Интервал ping для проверки соединения
	PingInterval time.Duration
	// Таймаут ожидания pong
	PongTimeout time.Duration
	// Фактор случайности задержки (0.0 - 1.0), против thundering herd
	JitterFactor float64
}

// DefaultSessionConfig возвращает конфигурацию по умолчанию: 2s, 4s, 8s, 16s
func DefaultSessionConfig(url string) SessionConfig {
	return SessionConfig{
		URL:            url,
		InitialDelay:   2 * time.Second,
		MaxDelay:       16 * time.Second,
		MaxRetries:     10,
		ConnectTimeout: 10 * time.Second,
		PingInterval:   30 * time.Second,
		PongTimeout:    10 * time.Second,
		JitterFactor:   0.1,
	}
}

// SessionState - состояние соединения с площадкой
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session владеет единственной логической сессией с площадкой
//
// Назначение:
// Подключение, логин, подписка на котировки и фид отчётов об исполнении.
// При разрыве автоматически переподключается с exponential backoff + jitter
// и восстанавливает все прежние подписки. Активные операции при этом НЕ
// прерываются: с их точки зрения рынок просто "пропал" до восстановления.
//
// Использование:
// 1. Создать: NewSession(cfg)
// 2. Установить handlers: SetOnTick, SetOnExecutionReport, SetOnConnectionLost
// 3. Подключиться: Connect(credentials, instruments)
// 4. Отправлять ордера: SendOrder(entry)
// 5. Закрыть: Close()
type Session struct {
	cfg SessionConfig

	// Учётные данные и подписки - явная конфигурация, принадлежит сессии
	creds         Credentials
	instruments   []string
	instrumentsMu sync.RWMutex

	// WebSocket соединение
	conn   *websocket.Conn
	connMu sync.RWMutex

	// Состояние (atomic SessionState)
	state int32

	// Счётчик попыток переподключения
	retryCount int32 // atomic

	closeChan chan struct{}

	// Callbacks
	onTick            func(MarketDataTick)
	onExecutionReport func(ExecutionReport)
	onConnect         func()
	onConnectionLost  func(error)
	callbackMu        sync.RWMutex
}

// NewSession создаёт сессию без установления соединения
func NewSession(cfg SessionConfig) *Session {
	return &Session{
		cfg:       cfg,
		closeChan: make(chan struct{}),
	}
}

// SetOnTick устанавливает callback для котировок
func (s *Session) SetOnTick(handler func(MarketDataTick)) {
	s.callbackMu.Lock()
	s.onTick = handler
	s.callbackMu.Unlock()
}

// SetOnExecutionReport устанавливает callback для отчётов об исполнении
func (s *Session) SetOnExecutionReport(handler func(ExecutionReport)) {
	s.callbackMu.Lock()
	s.onExecutionReport = handler
	s.callbackMu.Unlock()
}

// SetOnConnect устанавливает callback на каждое успешное
// (пере)подключение, включая автоматические из reconnectLoop
func (s *Session) SetOnConnect(handler func()) {
	s.callbackMu.Lock()
	s.onConnect = handler
	s.callbackMu.Unlock()
}

// SetOnConnectionLost устанавливает callback на исчерпание попыток переподключения
func (s *Session) SetOnConnectionLost(handler func(error)) {
	s.callbackMu.Lock()
	s.onConnectionLost = handler
	s.callbackMu.Unlock()
}

// State возвращает текущее состояние соединения
func (s *Session) State() SessionState {
	return SessionState(atomic.LoadInt32(&s.state))
}

// IsConnected проверяет, установлена ли сессия
func (s *Session) IsConnected() bool {
	return s.State() == StateConnected
}

// RetryCount возвращает текущее количество попыток переподключения
func (s *Session) RetryCount() int {
	return int(atomic.LoadInt32(&s.retryCount))
}

// Connect устанавливает сессию: dial, логин, подписка на инструменты
func (s *Session) Connect(creds Credentials, instruments []string) error {
	select {
	case <-s.closeChan:
		return ErrSessionClosed
	default:
	}

	s.creds = creds
	s.instrumentsMu.Lock()
	s.instruments = append([]string(nil), instruments...)
	s.instrumentsMu.Unlock()

	atomic.StoreInt32(&s.state, int32(StateConnecting))

	if err := s.dial(); err != nil {
		atomic.StoreInt32(&s.state, int32(StateDisconnected))
		return err
	}

	atomic.StoreInt32(&s.state, int32(StateConnected))
	atomic.StoreInt32(&s.retryCount, 0)

	go s.readPump()
	go s.pingPump()

	log.Printf("[venue] session connected to %s (user=%s account=%s)", s.cfg.URL, creds.User, creds.Account)
	s.notifyConnected()
	return nil
}

// Reconnect выполняет ручное переподключение синхронно,
// с той же семантикой (логин + восстановление подписок).
//
// Право на dial берётся атомарным переходом состояния в connecting:
// если автоматический reconnectLoop уже работает (или другой Reconnect
// в полёте), возвращается ErrReconnectInProgress вместо второго dial
func (s *Session) Reconnect() error {
	for {
		state := s.State()
		switch state {
		case StateClosed:
			return ErrSessionClosed
		case StateConnecting, StateReconnecting:
			return ErrReconnectInProgress
		}
		if atomic.CompareAndSwapInt32(&s.state, int32(state), int32(StateConnecting)) {
			break
		}
	}

	select {
	case <-s.closeChan:
		return ErrSessionClosed
	default:
	}

	// Закрываем текущее соединение, если есть. Умирающие pump'ы
	// увидят состояние connecting и не запустят reconnectLoop
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()

	if err := s.dial(); err != nil {
		atomic.StoreInt32(&s.state, int32(StateDisconnected))
		return err
	}

	atomic.StoreInt32(&s.state, int32(StateConnected))
	atomic.StoreInt32(&s.retryCount, 0)

	go s.readPump()
	go s.pingPump()

	log.Printf("[venue] manual reconnect successful")
	s.notifyConnected()
	return nil
}

// Subscribe добавляет инструменты в сессию
// Подписки запоминаются и восстанавливаются после переподключения
func (s *Session) Subscribe(symbols ...string) error {
	s.instrumentsMu.Lock()
	for _, sym := range symbols {
		known := false
		for _, existing := range s.instruments {
			if existing == sym {
				known = true
				break
			}
		}
		if !known {
			s.instruments = append(s.instruments, sym)
		}
	}
	s.instrumentsMu.Unlock()

	if !s.IsConnected() {
		// Подписка уйдёт при следующем (пере)подключении
		return nil
	}
	return s.send(NewMarketDataSubscription(symbols))
}

// SendOrder отправляет ордер на площадку
// При закрытом соединении возвращает ErrNotConnected (не reject!)
func (s *Session) SendOrder(entry *OrderEntry) error {
	if entry.Account == "" {
		entry.Account = s.creds.Account
	}
	return s.send(entry)
}

// dial выполняет подключение, логин и восстановление подписок
func (s *Session) dial() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{
		HandshakeTimeout: s.cfg.ConnectTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial error: %w", err)
	}

	if err := s.login(conn); err != nil {
		conn.Close()
		return err
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	if err := s.resubscribe(); err != nil {
		log.Printf("[venue] warning: resubscribe error: %v", err)
		// Не фатально: подписки могут быть восстановлены позже
	}

	return nil
}

// login отправляет учётные данные и ждёт подтверждения сессии
func (s *Session) login(conn *websocket.Conn) error {
	conn.SetWriteDeadline(time.Now().Add(s.cfg.ConnectTimeout))
	if err := conn.WriteJSON(NewLoginRequest(s.creds)); err != nil {
		return fmt.Errorf("login write error: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(s.cfg.ConnectTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("login read error: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	var result LoginResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return fmt.Errorf("login decode error: %w", err)
	}
	if result.Status != "connected" {
		return fmt.Errorf("%w: %s", ErrLoginFailed, result.Message)
	}

	return nil
}

// resubscribe восстанавливает подписки после (пере)подключения
func (s *Session) resubscribe() error {
	s.instrumentsMu.RLock()
	symbols := append([]string(nil), s.instruments...)
	s.instrumentsMu.RUnlock()

	if len(symbols) == 0 {
		return nil
	}

	if err := s.send(NewMarketDataSubscription(symbols)); err != nil {
		return err
	}

	log.Printf("[venue] resubscribed to %d instruments", len(symbols))
	return nil
}

// readPump читает и маршрутизирует входящие кадры
func (s *Session) readPump() {
	defer s.handleDisconnect(nil)

	for {
		select {
		case <-s.closeChan:
			return
		default:
		}

		s.connMu.RLock()
		conn := s.conn
		s.connMu.RUnlock()

		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(err)
			return
		}

		s.dispatch(raw)
	}
}

// dispatch разбирает конверт кадра и вызывает соответствующий callback
func (s *Session) dispatch(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Printf("[venue] malformed frame: %v", err)
		return
	}

	switch env.Type {
	case FrameTypeMarketData:
		var tick MarketDataTick
		if err := json.Unmarshal(raw, &tick); err != nil {
			log.Printf("[venue] malformed market data frame: %v", err)
			return
		}
		s.callbackMu.RLock()
		onTick := s.onTick
		s.callbackMu.RUnlock()
		if onTick != nil {
			onTick(tick)
		}

	case FrameTypeExecutionReport:
		var report ExecutionReport
		if err := json.Unmarshal(raw, &report); err != nil {
			log.Printf("[venue] malformed execution report: %v", err)
			return
		}
		s.callbackMu.RLock()
		onReport := s.onExecutionReport
		s.callbackMu.RUnlock()
		if onReport != nil {
			onReport(report)
		}

	case FrameTypeLoginResult:
		// Повторный login_result вне handshake - игнорируем

	default:
		log.Printf("[venue] unknown frame type: %q", env.Type)
	}
}

// pingPump отправляет ping для проверки живости соединения
func (s *Session) pingPump() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeChan:
			return
		case <-ticker.C:
			s.connMu.RLock()
			conn := s.conn
			s.connMu.RUnlock()

			if conn == nil || s.State() != StateConnected {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(s.cfg.PongTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("[venue] ping error: %v", err)
				s.handleDisconnect(err)
				return
			}
		}
	}
}

// handleDisconnect обрабатывает разрыв соединения
//
// Переход connected → reconnecting выполняется атомарно: из двух
// pump-горутин reconnectLoop запустит ровно одна, а разрыв во время
// ручного Reconnect (состояние connecting) не породит второй dial
func (s *Session) handleDisconnect(err error) {
	select {
	case <-s.closeChan:
		return
	default:
	}

	if !atomic.CompareAndSwapInt32(&s.state, int32(StateConnected), int32(StateReconnecting)) {
		return
	}

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()

	if err != nil {
		log.Printf("[venue] session disconnected: %v", err)
	}

	go s.reconnectLoop()
}

// reconnectLoop выполняет переподключение с exponential backoff + jitter
//
// После исчерпания MaxRetries вызывает onConnectionLost и переходит в
// disconnected: процессу это НЕ фатально, операции продолжают ждать рынок
func (s *Session) reconnectLoop() {
	delay := s.cfg.InitialDelay

	for {
		select {
		case <-s.closeChan:
			return
		default:
		}

		retryCount := atomic.AddInt32(&s.retryCount, 1)

		if s.cfg.MaxRetries > 0 && int(retryCount) > s.cfg.MaxRetries {
			log.Printf("[venue] max reconnect attempts (%d) reached", s.cfg.MaxRetries)
			atomic.StoreInt32(&s.state, int32(StateDisconnected))

			s.callbackMu.RLock()
			onLost := s.onConnectionLost
			s.callbackMu.RUnlock()
			if onLost != nil {
				onLost(ErrConnectionLost)
			}
			return
		}

		log.Printf("[venue] reconnecting in %v (attempt %d/%d)...", delay, retryCount, s.cfg.MaxRetries)

		select {
		case <-s.closeChan:
			return
		case <-time.After(s.jittered(delay)):
		}

		if err := s.dial(); err != nil {
			log.Printf("[venue] reconnect failed: %v", err)

			delay = delay * 2
			if delay > s.cfg.MaxDelay {
				delay = s.cfg.MaxDelay
			}
			continue
		}

		atomic.StoreInt32(&s.state, int32(StateConnected))
		atomic.StoreInt32(&s.retryCount, 0)

		log.Printf("[venue] session reconnected successfully")

		go s.readPump()
		go s.pingPump()
		s.notifyConnected()
		return
	}
}

// jittered добавляет случайность к задержке (против thundering herd)
func (s *Session) jittered(delay time.Duration) time.Duration {
	if s.cfg.JitterFactor <= 0 {
		return delay
	}
	jitter := float64(delay) * s.cfg.JitterFactor * (rand.Float64()*2 - 1)
	result := time.Duration(float64(delay) + jitter)
	if result < 0 {
		return 0
	}
	return result
}

// notifyConnected вызывает onConnect после успешного (пере)подключения
func (s *Session) notifyConnected() {
	s.callbackMu.RLock()
	onConnect := s.onConnect
	s.callbackMu.RUnlock()
	if onConnect != nil {
		onConnect()
	}
}

// send отправляет кадр через WebSocket
func (s *Session) send(msg interface{}) error {
	select {
	case <-s.closeChan:
		return ErrSessionClosed
	default:
	}

	if s.State() != StateConnected {
		return fmt.Errorf("%w (state: %s)", ErrNotConnected, s.State())
	}

	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	conn.SetWriteDeadline(time.Now().Add(s.cfg.ConnectTimeout))
	return conn.WriteJSON(msg)
}

// Close закрывает сессию и останавливает переподключение
func (s *Session) Close() error {
	select {
	case <-s.closeChan:
		return nil
	default:
		close(s.closeChan)
	}

	atomic.StoreInt32(&s.state, int32(StateClosed))

	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}

	return nil
}
