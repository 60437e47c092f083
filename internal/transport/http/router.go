package http

import (
	"net/http"

	"quiz-engine/internal/app"
	"quiz-engine/internal/logger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter wires the REST API, the websocket endpoint and health checks.
func NewRouter(engine *app.Engine, hub *Hub, log *logger.Logger) http.Handler {
	api := NewAPIHandler(engine, hub, log)
	ws := NewWSHandler(engine, hub, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger.OrNop(log)))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get("/ws", ws.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Post("/questions", api.AddQuestion)
		r.Get("/stats", api.Totals)
		r.Get("/leaderboard", api.GlobalLeaderboard)
		r.Get("/autodistribution", api.GetGlobalAutoDistribution)
		r.Put("/autodistribution", api.SetGlobalAutoDistribution)

		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Put("/", api.RegisterConversation)
			r.Get("/pool", api.PoolStatus)
			r.Post("/dispatch", api.Dispatch)
			r.Get("/leaderboard", api.ConversationLeaderboard)
			r.Get("/autodistribution", api.GetAutoDistribution)
			r.Put("/autodistribution", api.SetAutoDistribution)
		})

		r.Route("/participants/{id}", func(r chi.Router) {
			r.Put("/", api.RegisterParticipant)
			r.Get("/stats", api.ParticipantStats)
			r.Get("/rank", api.Rank)
		})

		r.Post("/sessions/{token}/answers", api.SubmitAnswer)
	})
	return r
}

// requestLogger writes one structured line per request.
func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
