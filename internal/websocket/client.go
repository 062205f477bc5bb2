package websocket

import (
	"context"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cotiza/pkg/utils"
)

const (
	// Время ожидания записи сообщения
	writeWait = 10 * time.Second

	// Время ожидания между pong сообщениями
	pongWait = 60 * time.Second

	// Интервал отправки ping сообщений (должен быть меньше pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Максимальный размер входящего сообщения.
	// Команда start_ratio_operation - это небольшой JSON, но журнал
	// diagnostics в ответе get_operation_status может быть крупным
	maxMessageSize = 65536

	// Размер буфера отправки клиента
	clientSendBufferSize = 512
)

// OriginChecker проверяет Origin с O(1) lookup через map
// Потокобезопасен для чтения после инициализации
type OriginChecker struct {
	allowedOrigins map[string]struct{}
	allowAll       bool
}

// originChecker - глобальный экземпляр, инициализируется один раз
var originChecker = initOriginChecker()

func initOriginChecker() *OriginChecker {
	checker := &OriginChecker{
		allowedOrigins: make(map[string]struct{}),
	}

	// Читаем из переменной окружения (comma-separated)
	// Пример: ALLOWED_ORIGINS=http://localhost:3000,https://example.com
	envOrigins := os.Getenv("ALLOWED_ORIGINS")

	if envOrigins == "" || envOrigins == "*" {
		// Development mode или явно разрешены все
		checker.allowAll = true
	} else {
		origins := strings.Split(envOrigins, ",")
		for _, origin := range origins {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				checker.allowedOrigins[origin] = struct{}{}
			}
		}
	}

	return checker
}

// Check проверяет origin за O(1)
func (oc *OriginChecker) Check(origin string) bool {
	if origin == "" {
		return true // Non-browser clients (curl, API tools)
	}
	if oc.allowAll {
		return true
	}
	_, ok := oc.allowedOrigins[origin]
	return ok
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return originChecker.Check(r.Header.Get("Origin"))
	},
	EnableCompression: true,
}

// clientPool - пул для переиспользования Client структур.
// Канал send в пуле НЕ хранится: он принадлежит одному соединению
// и создаётся заново в ServeWS. Переиспользование канала между
// соединениями приводило бы к записи в закрытый канал
var clientPool = sync.Pool{
	New: func() interface{} {
		return &Client{}
	},
}

// Client представляет одно WebSocket соединение
//
// Назначение:
// Управляет индивидуальным WebSocket соединением клиента.
// Получает broadcast события операций от Hub и принимает команды
// (start_ratio_operation, cancel_operation, get_operation_status),
// диспетчеризуемые через CommandRouter.
//
// Архитектура:
// Каждый клиент имеет две горутины:
// 1. readPump - читает команды от клиента и отправляет ответы
// 2. writePump - пишет broadcast сообщения и прямые ответы клиенту
type Client struct {
	// WebSocket соединение
	conn *websocket.Conn

	// Hub которому принадлежит клиент
	hub *Hub

	// Диспетчер входящих команд
	router *CommandRouter

	// Буферизованный канал исходящих сообщений.
	// Создаётся на каждое соединение, закрывает его только Hub.Stop
	send chan []byte
}

// enqueue ставит прямой ответ в очередь отправки этому клиенту.
// Не блокируется: при переполненном буфере ответ отбрасывается,
// writePump всё равно доставит broadcast снапшоты
func (c *Client) enqueue(message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		c.hub.logger.Error("reply marshal failed", utils.Err(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.countDropped()
	}
}

// readPump читает команды от клиента
//
// Запускается в отдельной горутине для каждого клиента.
// Каждое текстовое сообщение диспетчеризуется через CommandRouter,
// ответ (снапшот или ошибка) отправляется только этому клиенту
func (c *Client) readPump() {
	defer func() {
		c.conn.Close()
		select {
		case c.hub.unregister <- c:
			// Hub снял регистрацию и больше не трогает клиента:
			// объект можно вернуть в пул
			c.returnToPool()
		case <-c.hub.stop:
			// Hub останавливается и сам разберёт реестр клиентов,
			// объект в пул не возвращаем
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read error", utils.Err(err))
			}
			break
		}

		if c.router == nil {
			continue
		}
		if reply := c.router.Dispatch(context.Background(), message); reply != nil {
			c.enqueue(reply)
		}
	}
}

// writePump отправляет сообщения клиенту
//
// Запускается в отдельной горутине для каждого клиента.
// Читает из канала send и отправляет через WebSocket.
func (c *Client) writePump() {
	// Соединение и канал фиксируются на входе: после возврата объекта
	// в пул поля клиента уже могут принадлежать другому соединению
	conn := c.conn
	send := c.send

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub закрыл канал
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Дозаписываем накопившийся буфер в тот же фрейм
		drainLoop:
			for {
				select {
				case msg, ok := <-send:
					if !ok {
						break drainLoop
					}
					w.Write([]byte{'\n'})
					w.Write(msg)
				default:
					break drainLoop
				}
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS обрабатывает WebSocket запросы от клиента
//
// HTTP handler для WebSocket endpoint.
// Апгрейдит HTTP соединение до WebSocket, создает нового клиента
// и запускает его горутины. router может быть nil - тогда входящие
// команды игнорируются, клиент получает только broadcast.
//
// Использование в routes:
// router.HandleFunc("/ws/operations", func(w, r) { ServeWS(hub, cmdRouter, w, r) })
func ServeWS(hub *Hub, router *CommandRouter, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("websocket upgrade error", utils.Err(err))
		return
	}

	client := clientPool.Get().(*Client)
	client.conn = conn
	client.hub = hub
	client.router = router
	// Свежий канал на каждое соединение: прежний мог быть закрыт
	// при остановке hub и непригоден для переиспользования
	client.send = make(chan []byte, clientSendBufferSize)

	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}

// returnToPool возвращает клиента в пул после отключения.
// Канал обнуляется: следующее соединение получит новый в ServeWS
func (c *Client) returnToPool() {
	c.conn = nil
	c.hub = nil
	c.router = nil
	c.send = nil
	clientPool.Put(c)
}
