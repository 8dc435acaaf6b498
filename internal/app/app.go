// Package app provides the core business logic for the book trading application.
// It handles user registration and authentication, book inventory management,
// and the trade request lifecycle: proposing a request, accepting it into a
// permanent trade, cancelling it, and the book deletion cleanup policy.
// The package validates incoming payloads, checks the preconditions that do
// not require database state, and delegates persistence and the transactional
// lifecycle transitions to the storage layer.
package app

import (
	"context"
	"errors"
	"strings"

	"book_trader/internal/models"
	"book_trader/internal/pkg/auth"
	"book_trader/internal/pkg/logger"
	"book_trader/internal/storage"

	"github.com/go-playground/validator/v10"
)

// Predefined errors for failing preconditions checked at the application level.
var (
	// ErrMissingUsernameOrPassword indicates that either the username or password is not provided.
	ErrMissingUsernameOrPassword = errors.New("app: missing username or password")
	// ErrUnknownUser indicates that no account exists for the provided username.
	ErrUnknownUser = errors.New("app: unknown username")
	// ErrSelfTrade indicates that a user attempted to open a trade request with themselves.
	ErrSelfTrade = errors.New("app: requester and requestee must be different users")
)

// App encapsulates the application logic and dependencies required to process requests.
// It interacts with the storage layer, validates payloads, and logs application events.
type App struct {
	db       storage.Storage     // Database storage layer for persistent data operations.
	validate *validator.Validate // Payload validator for incoming request bodies.
	log      *logger.Logger      // Logger for logging application events and errors.
}

// NewApp creates and returns a new instance of App with the provided storage and logger dependencies.
func NewApp(db storage.Storage, log *logger.Logger) *App {
	return &App{db: db, validate: validator.New(), log: log}
}

// ProcessAuth verifies the user's credentials and generates a bearer token.
// Unlike registration, authentication never creates accounts.
func (app *App) ProcessAuth(ctx context.Context, req models.AuthRequest) (string, error) {
	if req.Username == "" || req.Password == "" {
		return "", ErrMissingUsernameOrPassword
	}

	user := &models.User{
		Username: req.Username,
		Password: req.Password,
	}

	user, err := app.db.CheckUser(ctx, user)
	if err != nil {
		return "", err
	}

	if user.ID == 0 {
		return "", ErrUnknownUser
	}

	token, err := auth.GenerateToken(user.ID)
	if err != nil {
		return "", err
	}

	return token, nil
}

// ProcessRegister creates a new user account from the registration payload.
// Field values are trimmed before validation; the password is hashed by the
// storage layer before persisting.
func (app *App) ProcessRegister(ctx context.Context, req models.RegisterUserRequest) (*models.User, error) {
	req.FirstName = strings.TrimSpace(req.FirstName)
	req.LastName = strings.TrimSpace(req.LastName)
	req.Username = strings.TrimSpace(req.Username)
	req.Country = strings.TrimSpace(req.Country)
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	req.City = strings.TrimSpace(req.City)
	req.State = strings.TrimSpace(req.State)

	if err := app.validate.Struct(req); err != nil {
		return nil, err
	}

	user := &models.User{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Username:  req.Username,
		Country:   req.Country,
		Email:     req.Email,
		City:      req.City,
		State:     req.State,
		Password:  req.Password,
	}

	return app.db.CreateUser(ctx, user)
}

// ProcessGetUser retrieves the public profile of a single user.
func (app *App) ProcessGetUser(ctx context.Context, userID int32) (*models.User, error) {
	return app.db.GetUser(ctx, userID)
}

// ProcessListUsers retrieves the public profiles of all users.
func (app *App) ProcessListUsers(ctx context.Context) ([]models.User, error) {
	return app.db.ListUsers(ctx)
}

// ProcessCreateBook lists a new book in the acting user's inventory.
// The owner is always the authenticated user regardless of the payload.
func (app *App) ProcessCreateBook(ctx context.Context, userID int32, req models.CreateBookRequest) (int32, error) {
	req.Title = strings.TrimSpace(req.Title)
	req.Author = strings.TrimSpace(req.Author)
	req.Genre = strings.TrimSpace(req.Genre)
	req.Condition = strings.TrimSpace(req.Condition)
	req.Comments = strings.TrimSpace(req.Comments)

	if err := app.validate.Struct(req); err != nil {
		return 0, err
	}

	book := &models.Book{
		Title:     req.Title,
		Author:    req.Author,
		Genre:     req.Genre,
		Year:      req.Year,
		Condition: req.Condition,
		Comments:  req.Comments,
		OwnerID:   userID,
	}

	book, err := app.db.CreateBook(ctx, book)
	if err != nil {
		return 0, err
	}

	return book.ID, nil
}

// ProcessGetBook retrieves a single book with its owner profile.
func (app *App) ProcessGetBook(ctx context.Context, bookID int32) (*models.Book, error) {
	return app.db.GetBook(ctx, bookID)
}

// ProcessListBooks retrieves all books held by trading participants.
func (app *App) ProcessListBooks(ctx context.Context) ([]models.Book, error) {
	return app.db.ListBooks(ctx)
}

// ProcessListBooksByOwner retrieves the books owned by a single user.
// An empty inventory is reported as a not-found condition.
func (app *App) ProcessListBooksByOwner(ctx context.Context, ownerID int32) ([]models.Book, error) {
	books, err := app.db.ListBooksByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if len(books) == 0 {
		return nil, storage.ErrBookNotFound
	}
	return books, nil
}

// ProcessListBooksByIDs retrieves the non-archived books matching the given ID set.
func (app *App) ProcessListBooksByIDs(ctx context.Context, bookIDs []int32) ([]models.Book, error) {
	return app.db.ListBooksByIDs(ctx, bookIDs)
}

// ProcessDeleteBook removes a book from the acting user's inventory under
// the cascade/archive cleanup policy enforced by the storage layer.
func (app *App) ProcessDeleteBook(ctx context.Context, bookID int32, userID int32) error {
	return app.db.DeleteBook(ctx, bookID, userID)
}

// ProcessCreateRequest proposes a new trade request on behalf of the acting
// user. Requests to oneself are rejected outright; the per-book ownership
// authorization happens in the storage layer under row locks.
func (app *App) ProcessCreateRequest(ctx context.Context, userID int32, req models.CreateTradeRequest) (int32, error) {
	if err := app.validate.Struct(req); err != nil {
		return 0, err
	}

	if userID == req.RequesteeID {
		return 0, ErrSelfTrade
	}

	return app.db.CreateRequest(ctx, userID, req)
}

// ProcessGetRequest retrieves a single pending request.
func (app *App) ProcessGetRequest(ctx context.Context, requestID int32) (*models.Request, error) {
	return app.db.GetRequest(ctx, requestID)
}

// ProcessListRequests retrieves all pending requests.
func (app *App) ProcessListRequests(ctx context.Context) ([]models.Request, error) {
	return app.db.ListRequests(ctx)
}

// ProcessListRequestsByBook retrieves all pending requests referencing a book.
func (app *App) ProcessListRequestsByBook(ctx context.Context, bookID int32) ([]models.Request, error) {
	return app.db.ListRequestsByBook(ctx, bookID)
}

// ProcessCancelRequest deletes a pending request on behalf of one of its participants.
func (app *App) ProcessCancelRequest(ctx context.Context, requestID int32, userID int32) error {
	return app.db.DeleteRequest(ctx, requestID, userID)
}

// ProcessAcceptRequest promotes a pending request into a trade. The storage
// layer performs the snapshot, trade creation, ownership swap, and
// stale-request invalidation as one transaction and returns the trade ID.
func (app *App) ProcessAcceptRequest(ctx context.Context, requestID int32, userID int32) (int32, error) {
	return app.db.AcceptRequest(ctx, requestID, userID)
}

// ProcessGetTrade retrieves a single completed trade.
func (app *App) ProcessGetTrade(ctx context.Context, tradeID int32) (*models.Trade, error) {
	return app.db.GetTrade(ctx, tradeID)
}

// ProcessListTrades retrieves the complete trade history.
func (app *App) ProcessListTrades(ctx context.Context) ([]models.Trade, error) {
	return app.db.ListTrades(ctx)
}
