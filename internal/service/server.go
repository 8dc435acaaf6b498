package service

import (
	"book_trader/internal/app"
	"book_trader/internal/pkg/auth"
	"book_trader/internal/pkg/logger"

	"github.com/go-chi/chi/v5"
)

// Service encapsulates the HTTP server configuration, including the application's business logic,
// HTTP handlers, the server's run address, and a logger for event and error logging.
type Service struct {
	handlers   *handlers
	app        *app.App
	runAddress string
	log        *logger.Logger
}

// NewService creates and initializes a new Service instance.
// It sets up the handlers using the provided application and logger,
// and configures the server's run address.
func NewService(app *app.App, runAddress string, l *logger.Logger) *Service {
	handlers := newHandlers(app, l)
	return &Service{handlers: handlers, app: app, runAddress: runAddress, log: l}
}

// NewRouter sets up and returns a new chi.Router instance with the necessary middleware and routes.
// It applies logging middleware globally, and JWT authentication middleware for the routes that
// mutate state on behalf of a user.
func (service *Service) NewRouter() chi.Router {
	router := chi.NewRouter()
	router.Use(service.log.WithLogging())

	authenticated := auth.CheckJWTMiddleware()

	router.Get("/api", service.handlers.indexHandler)
	router.Post("/api/auth", service.handlers.authHandler)

	router.Route("/api/users", func(r chi.Router) {
		r.With(authenticated).Get("/", service.handlers.currentUserHandler)
		r.Post("/", service.handlers.registerUserHandler)
		r.Get("/all", service.handlers.listUsersHandler)
		r.Get("/{userId}", service.handlers.getUserHandler)
	})

	router.Route("/api/books", func(r chi.Router) {
		r.Get("/", service.handlers.listBooksHandler)
		r.With(authenticated).Post("/", service.handlers.createBookHandler)
		r.Get("/owner/{ownerId}", service.handlers.listBooksByOwnerHandler)
		r.Get("/query/{queryList}", service.handlers.queryBooksHandler)
		r.Get("/{bookId}", service.handlers.getBookHandler)
		r.With(authenticated).Delete("/{bookId}", service.handlers.deleteBookHandler)
	})

	router.Route("/api/requests", func(r chi.Router) {
		r.Get("/", service.handlers.listRequestsHandler)
		r.With(authenticated).Post("/", service.handlers.createRequestHandler)
		r.Get("/book/{bookId}", service.handlers.requestsByBookHandler)
		r.With(authenticated).Delete("/accept/{requestId}", service.handlers.acceptRequestHandler)
		r.Get("/{requestId}", service.handlers.getRequestHandler)
		r.With(authenticated).Delete("/{requestId}", service.handlers.cancelRequestHandler)
	})

	router.Route("/api/trades", func(r chi.Router) {
		r.Get("/", service.handlers.listTradesHandler)
		r.Get("/{tradeId}", service.handlers.getTradeHandler)
	})

	return router
}
