package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/shestoi/fulfillment/pkg/health"
	"github.com/shestoi/fulfillment/pkg/observability"
)

// NewRouter создаёт и настраивает HTTP роутер для Fulfillment Service.
// readiness - функция для проверки готовности сервиса (например, проверка БД).
// Если readiness возвращает false, health endpoint вернёт 503 Service Unavailable.
// logger используется для observability HTTP middleware (trace_id в логах)
func NewRouter(handler *Handler, readiness func() bool, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	// Observability: trace context + span на каждый запрос, logger с trace_id в контексте
	if logger != nil {
		router.Use(observability.HTTPMiddleware("fulfillment", logger))
	}

	router.Route("/orders", func(r chi.Router) {
		r.Post("/", handler.PostOrders)
		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			handler.GetOrdersId(w, r, id)
		})
		r.Put("/{id}/status", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			handler.PutOrdersIdStatus(w, r, id)
		})
	})

	router.Route("/payments", func(r chi.Router) {
		// Callback шлюза: без аутентификации, идемпотентность на уровне reconciler-а
		r.Post("/callback", handler.PostPaymentsCallback)
		r.Get("/unmatched", handler.GetPaymentsUnmatched)
	})

	// Health без middleware
	router.Get("/health", health.Handler(readiness))

	return router
}
