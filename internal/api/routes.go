package api

import (
	"fmt"
	"net/http"

	"cotiza/internal/api/handlers"
	"cotiza/internal/api/middleware"
	"cotiza/internal/service"
	"cotiza/internal/websocket"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	OperationService service.OperationServiceInterface
	Hub              *websocket.Hub
	CommandRouter    *websocket.CommandRouter

	// bcrypt-хеш операторского пароля; пустая строка отключает auth
	AuthPasswordHash string
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
// /api/v1/
//
//	└── /operations/
//	    ├── POST / - запуск ratio-операции
//	    ├── GET / - список операций (?client_id= для фильтра)
//	    ├── GET /{id} - снапшот операции
//	    └── POST /{id}/cancel - запрос отмены
//
// /ws/
//
//	└── /operations - WebSocket: команды и live-прогресс
//
// /health - проверка живости
// /metrics - Prometheus метрики
//
// Middleware применяется в следующем порядке:
// 1. Recovery (для всех маршрутов)
// 2. Logging (для всех маршрутов)
// 3. CORS (для всех маршрутов)
// 4. Auth (только для /api/v1)
func SetupRoutes(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	// Глобальные middleware (применяются ко всем маршрутам)
	router.Use(middleware.Recovery)
	router.Use(middleware.Logging)
	router.Use(middleware.CORS)

	var operationHandler *handlers.OperationHandler
	if deps != nil && deps.OperationService != nil {
		operationHandler = handlers.NewOperationHandler(deps.OperationService)
	}

	// API v1 routes
	api := router.PathPrefix("/api/v1").Subrouter()
	if deps != nil {
		api.Use(middleware.Auth(deps.AuthPasswordHash))
	}

	if operationHandler != nil {
		api.HandleFunc("/operations", operationHandler.CreateOperation).Methods("POST")
		api.HandleFunc("/operations", operationHandler.GetOperations).Methods("GET")
		api.HandleFunc("/operations/{id}", operationHandler.GetOperation).Methods("GET")
		api.HandleFunc("/operations/{id}/cancel", operationHandler.CancelOperation).Methods("POST")
	}

	// WebSocket route
	if deps != nil && deps.Hub != nil {
		hub := deps.Hub
		cmdRouter := deps.CommandRouter
		router.HandleFunc("/ws/operations", func(w http.ResponseWriter, r *http.Request) {
			websocket.ServeWS(hub, cmdRouter, w, r)
		})

		// Диагностика hub'а, закрыта debug-учёткой из окружения
		debug := router.PathPrefix("/debug").Subrouter()
		debug.Use(middleware.DebugAuth)
		debug.HandleFunc("/hub", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"clients":%d,"dropped_messages":%d}`,
				hub.ClientCount(), hub.DroppedMessages())
		}).Methods("GET")
	}

	// Health check endpoint
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	// Prometheus метрики
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return router
}
