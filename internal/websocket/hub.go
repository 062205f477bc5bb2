package websocket

import (
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"

	"cotiza/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Hub управляет всеми активными WebSocket соединениями
//
// Назначение:
// Центральный менеджер для broadcast событий операций всем подключенным
// клиентам. Клиенты получают прогресс в реальном времени без polling.
//
// Функции:
// - Регистрация новых WebSocket клиентов
// - Отмена регистрации отключенных клиентов
// - Broadcast сообщений всем активным клиентам
// - Отбрасывание сообщений при переполнении (со счётчиком dropped)
// - Эвикция медленных клиентов
// - Graceful остановка через Stop()
//
// Использование:
// 1. Создать hub: hub := NewHub(logger)
// 2. Запустить в горутине: go hub.Run()
// 3. Отправлять сообщения: hub.Broadcast(message)
// 4. При завершении: hub.Stop()
type Hub struct {
	// Зарегистрированные клиенты
	clients map[*Client]bool

	// Broadcast канал для отправки сообщений всем клиентам
	broadcast chan []byte

	// Регистрация нового клиента
	register chan *Client

	// Отмена регистрации клиента
	unregister chan *Client

	// Сигнал остановки главного цикла
	stop     chan struct{}
	stopOnce sync.Once

	// Счётчик отброшенных сообщений (broadcast канал был полон)
	dropped uint64

	logger *utils.Logger

	// Mutex для потокобезопасного доступа к clients
	mu sync.RWMutex
}

// NewHub создает новый Hub
func NewHub(logger *utils.Logger) *Hub {
	if logger == nil {
		logger = utils.L()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		logger:     logger.WithComponent("ws_hub"),
	}
}

// Run запускает главный цикл Hub
//
// Должен запускаться в отдельной горутине: go hub.Run()
// Обрабатывает регистрацию, отмену регистрации и broadcast.
// Завершается после Stop(), закрывая send каналы всех клиентов.
//
// Отправка идёт без удержания Lock: список клиентов копируется под
// коротким RLock, медленные клиенты удаляются отдельно под Write Lock
func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
				if client.conn != nil {
					client.conn.Close()
				}
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client connected", utils.Int("total_clients", total))

		case client := <-h.unregister:
			// Канал клиента НЕ закрывается: объект после unregister
			// возвращается в пул и может уже обслуживать следующее
			// соединение. writePump завершается по ошибке записи в
			// закрытый conn
			h.mu.Lock()
			delete(h.clients, client)
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("client disconnected", utils.Int("total_clients", total))

		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			var toRemove []*Client
			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					// Клиент не успевает вычитывать - помечаем для удаления
					toRemove = append(toRemove, client)
				}
			}

			if len(toRemove) > 0 {
				// Соединение закрывается вместо канала: обе горутины
				// клиента завершатся по ошибке чтения/записи, а канал
				// остаётся валидным для параллельного enqueue
				h.mu.Lock()
				for _, client := range toRemove {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						if client.conn != nil {
							client.conn.Close()
						}
					}
				}
				total := len(h.clients)
				h.mu.Unlock()
				h.logger.Warn("removed slow clients",
					utils.Int("removed", len(toRemove)),
					utils.Int("total_clients", total),
				)
			}
		}
	}
}

// Stop останавливает главный цикл и отключает всех клиентов.
// Идемпотентен, безопасен из любой горутины
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Broadcast отправляет сообщение всем подключенным клиентам
//
// Сериализация идёт через пул jsoniter stream (без лишних аллокаций).
// Не блокируется: если broadcast канал полон, сообщение отбрасывается
// и инкрементируется счётчик DroppedMessages
func (h *Hub) Broadcast(message interface{}) {
	stream := json.BorrowStream(nil)
	defer json.ReturnStream(stream)

	stream.WriteVal(message)
	if stream.Error != nil {
		h.logger.Error("broadcast marshal failed", utils.Err(stream.Error))
		return
	}

	// Копируем данные (буфер stream вернётся в пул)
	msg := make([]byte, len(stream.Buffer()))
	copy(msg, stream.Buffer())

	h.BroadcastRaw(msg)
}

// BroadcastRaw отправляет уже сериализованное сообщение
func (h *Hub) BroadcastRaw(message []byte) {
	select {
	case h.broadcast <- message:
	case <-h.stop:
	default:
		h.countDropped()
	}
}

func (h *Hub) countDropped() {
	atomic.AddUint64(&h.dropped, 1)
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages возвращает количество отброшенных сообщений
func (h *Hub) DroppedMessages() uint64 {
	return atomic.LoadUint64(&h.dropped)
}
