// Package service contains HTTP handler implementations for the book trader API endpoints.
// It orchestrates request parsing, calls the underlying business logic in the app package,
// maps the core failure taxonomy onto HTTP status codes, and writes JSON responses.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"book_trader/internal/app"
	"book_trader/internal/models"
	"book_trader/internal/pkg/auth"
	"book_trader/internal/pkg/logger"
	"book_trader/internal/storage"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgerrcode"
	pgx_pgconn "github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"
)

const requestTimeout = 10 * time.Second

// handlers aggregates dependencies needed by HTTP handlers,
// including the application business logic and logger.
type handlers struct {
	app *app.App
	log *logger.Logger
}

// newHandlers initializes a new handlers instance with the provided app and logger dependencies.
func newHandlers(app *app.App, l *logger.Logger) *handlers {
	return &handlers{app: app, log: l}
}

// indexHandler greets clients of the API root.
func (handlers *handlers) indexHandler(res http.ResponseWriter, req *http.Request) {
	writeJSONResponse(res, map[string]string{"message": "Welcome to the Book Trader REST API!"}, http.StatusOK)
}

// authHandler handles user authentication requests.
// It reads the request body, unmarshals it into an AuthRequest,
// invokes the authentication process, and returns a JSON response with a token.
func (handlers *handlers) authHandler(res http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), requestTimeout)
	defer cancel()

	var authRequest models.AuthRequest
	var authResponse models.AuthResponse

	if !readJSONRequest(res, req, &authRequest) {
		return
	}

	var err error
	authResponse.Token, err = handlers.app.ProcessAuth(ctx, authRequest)
	if err != nil {
		if errors.Is(err, app.ErrMissingUsernameOrPassword) {
			writeErrorResponse(res, "missing username or password", http.StatusBadRequest)
			return
		}
		if errors.Is(err, app.ErrUnknownUser) {
			writeErrorResponse(res, "unknown username", http.StatusUnauthorized)
			return
		}
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			writeErrorResponse(res, "incorrect password", http.StatusUnauthorized)
			return
		}
		writeErrorResponse(res, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSONResponse(res, authResponse, http.StatusOK)
}

// registerUserHandler creates a new user account.
func (handlers *handlers) registerUserHandler(res http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), requestTimeout)
	defer cancel()

	var registerRequest models.RegisterUserRequest
	if !readJSONRequest(res, req, &registerRequest) {
		return
	}

	user, err := handlers.app.ProcessRegister(ctx, registerRequest)
	if err != nil {
		var pgError *pgx_pgconn.PgError
		if ok := errors.As(err, &pgError); ok && pgError.Code == pgerrcode.UniqueViolation {
			writeErrorResponse(res, "that username is already associated with an account", http.StatusBadRequest)
			return
		}
		handlers.writeCoreError(res, err)
		return
	}

	res.Header().Set("Location", fmt.Sprintf("/api/users/%d", user.ID))
	res.WriteHeader(http.StatusCreated)
}

// currentUserHandler returns the profile of the authenticated user.
func (handlers *handlers) currentUserHandler(res http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), requestTimeout)
	defer cancel()

	userID, ok := req.Context().Value(auth.ContextUserID).(int32)
	if !ok || userID == 0 {
		writeErrorResponse(res, "unauthorized", http.StatusUnauthorized)
		return
	}

	user, err := handlers.app.ProcessGetUser(ctx, userID)
	if err != nil {
		handlers.writeCoreError(res, err)
		return
	}

	writeJSONResponse(res, user, http.StatusOK)
}

// listUsersHandler returns the public profiles of all users.
func (handlers *handlers) listUsersHandler(res http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), requestTimeout)
	defer cancel()

	users, err := handlers.app.ProcessListUsers(ctx)
	if err != nil {
		handlers.writeCoreError(res, err)
		return
	}

	writeJSONResponse(res, users, http.StatusOK)
}

// getUserHandler returns one user's public profile.
func (handlers *handlers) getUserHandler(res http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), requestTimeout)
	defer cancel()

	userID, ok := parseIDParam(res, req, "userId")
	if !ok {
		return
	}

	user, err := handlers.app.ProcessGetUser(ctx, userID)
	if err != nil {
		handlers.writeCoreError(res, err)
		return
	}

	writeJSONResponse(res, user, http.StatusOK)
}

// listBooksHandler returns all books currently held by trading participants.
func (handlers *handlers) listBooksHandler(res http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), requestTimeout)
	defer cancel()

	books, err := handlers.app.ProcessListBooks(ctx)
	if err != nil {
		handlers.writeCoreError(res, err)
		return
	}

	writeJSONResponse(res, books, http.StatusOK)
}

// createBookHandler lists a new book owned by the authenticated user.
func (handlers *handlers) createBookHandler(res http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), requestTimeout)
	defer cancel()

	userID, ok := req.Context().Value(auth.ContextUserID).(int32)
	if !ok || userID == 0 {
		writeErrorResponse(res, "unauthorized", http.StatusUnauthorized)
		return
	}

	var createRequest models.CreateBookRequest
	if !readJSONRequest(res, req, &createRequest) {
		return
	}

	bookID, err := handlers.app.ProcessCreateBook(ctx, userID, createRequest)
	if err != nil {
		handlers.writeCoreError(res, err)
		return
	}

	res.Header().Set("Location", fmt.Sprintf("/api/books/%d", bookID))
	writeJSONResponse(res, models.CreateBookResponse{BookID: bookID}, http.StatusCreated)
}

// getBookHandler returns the details of one book.
func (handlers *handlers) getBookHandler(res http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), requestTimeout)
	defer cancel()

	bookID, ok := parseIDParam(res, req, "bookId")
	if !ok {
		return
	}

	book, err := handlers.app.ProcessGetBook(ctx, bookID)
	if err != nil {
		handlers.writeCoreError(res, err)
		return
	}

	writeJSONResponse(res, book, http.StatusOK)
}

// listBooksByOwnerHandler returns the books owned by one user.
func (handlers *handlers) listBooksByOwnerHandler(res http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), requestTimeout)
	defer cancel()

	ownerID, ok := parseIDParam(res, req, "ownerId")
	if !ok {
		return
	}

	books, err := handlers.app.ProcessListBooksByOwner(ctx, ownerID)
	if err != nil {
		handlers.writeCoreError(res, err)
		return
	}

	writeJSONResponse(res, books, http.StatusOK)
}

// queryBooksHandler returns the books matching a comma-separated ID list.
func (handlers *handlers) queryBooksHandler(res http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), requestTimeout)
	defer cancel()

	queryList := chi.URLParam(req, "queryList")
	parts := strings.Split(queryList, ",")
	bookIDs := make([]int32, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 32)
		if err != nil {
			writeErrorResponse(res, "invalid book id list", http.StatusBadRequest)
			return
		}
		bookIDs = append(bookIDs, int32(id))
	}

	books, err := handlers.app.ProcessListBooksByIDs(ctx, bookIDs)
	if err != nil {
		handlers.writeCoreError(res, err)
		return
	}

	writeJSONResponse(res, books, http.StatusOK)
}

// deleteBookHandler removes a book from the authenticated user's inventory.
// Depending on the trade history the book is either deleted or archived.
func (handlers *handlers) deleteBookHandler(res http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), requestTimeout)
	defer cancel()

	userID, ok := req.Context().Value(auth.ContextUserID).(int32)
	if !ok || userID == 0 {
		writeErrorResponse(res, "unauthorized", http.StatusUnauthorized)
		return
	}

	bookID, ok := parseIDParam(res, req, "bookId")
	if !ok {
		return
	}

	if err := handlers.app.ProcessDeleteBook(ctx, bookID, userID); err != nil {
		handlers.writeCoreError(res, err)
		return
	}

	res.WriteHeader(http.StatusNoContent)
}

// listRequestsHandler returns all pending trade requests.
func (handlers *handlers) listRequestsHandler(res http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), requestTimeout)
	defer cancel()

	requests, err := handlers.app.ProcessListRequests(ctx)
	if err != nil {
		handlers.writeCoreError(res, err)
		return
	}

	writeJSONResponse(res, requests, http.StatusOK)
}

// createRequestHandler proposes a new trade request from the authenticated user.
func (handlers *handlers) createRequestHandler(res http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), requestTimeout)
	defer cancel()

	userID, ok := req.Context().Value(auth.ContextUserID).(int32)
	if !ok || userID == 0 {
		writeErrorResponse(res, "unauthorized", http.StatusUnauthorized)
		return
	}

	var createRequest models.CreateTradeRequest
	if !readJSONRequest(res, req, &createRequest) {
		return
	}

	requestID, err := handlers.app.ProcessCreateRequest(ctx, userID, createRequest)
	if err != nil {
		handlers.writeCoreError(res, err)
		return
	}

	res.Header().Set("Location", fmt.Sprintf("/api/requests/%d", requestID))
	writeJSONResponse(res, models.CreateTradeRequestResponse{RequestID: requestID}, http.StatusCreated)
}

// getRequestHandler returns one pending trade request.
func (handlers *handlers) getRequestHandler(res http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), requestTimeout)
	defer cancel()

	requestID, ok := parseIDParam(res, req, "requestId")
	if !ok {
		return
	}

	request, err := handlers.app.ProcessGetRequest(ctx, requestID)
	if err != nil {
		handlers.writeCoreError(res, err)
		return
	}

	writeJSONResponse(res, request, http.StatusOK)
}

// requestsByBookHandler returns the pending requests referencing one book.
func (handlers *handlers) requestsByBookHandler(res http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), requestTimeout)
	defer cancel()

	bookID, ok := parseIDParam(res, req, "bookId")
	if !ok {
		return
	}

	requests, err := handlers.app.ProcessListRequestsByBook(ctx, bookID)
	if err != nil {
		handlers.writeCoreError(res, err)
		return
	}

	writeJSONResponse(res, requests, http.StatusOK)
}

// cancelRequestHandler deletes a pending request on behalf of a participant.
func (handlers *handlers) cancelRequestHandler(res http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), requestTimeout)
	defer cancel()

	userID, ok := req.Context().Value(auth.ContextUserID).(int32)
	if !ok || userID == 0 {
		writeErrorResponse(res, "unauthorized", http.StatusUnauthorized)
		return
	}

	requestID, ok := parseIDParam(res, req, "requestId")
	if !ok {
		return
	}

	if err := handlers.app.ProcessCancelRequest(ctx, requestID, userID); err != nil {
		handlers.writeCoreError(res, err)
		return
	}

	res.WriteHeader(http.StatusNoContent)
}

// acceptRequestHandler accepts a pending request as the authenticated user,
// promoting it into a permanent trade with the ownership swap.
func (handlers *handlers) acceptRequestHandler(res http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), requestTimeout)
	defer cancel()

	userID, ok := req.Context().Value(auth.ContextUserID).(int32)
	if !ok || userID == 0 {
		writeErrorResponse(res, "unauthorized", http.StatusUnauthorized)
		return
	}

	requestID, ok := parseIDParam(res, req, "requestId")
	if !ok {
		return
	}

	tradeID, err := handlers.app.ProcessAcceptRequest(ctx, requestID, userID)
	if err != nil {
		handlers.writeCoreError(res, err)
		return
	}

	res.Header().Set("Location", fmt.Sprintf("/api/trades/%d", tradeID))
	res.WriteHeader(http.StatusNoContent)
}

// listTradesHandler returns the complete trade history.
func (handlers *handlers) listTradesHandler(res http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), requestTimeout)
	defer cancel()

	trades, err := handlers.app.ProcessListTrades(ctx)
	if err != nil {
		handlers.writeCoreError(res, err)
		return
	}

	writeJSONResponse(res, trades, http.StatusOK)
}

// getTradeHandler returns one completed trade.
func (handlers *handlers) getTradeHandler(res http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), requestTimeout)
	defer cancel()

	tradeID, ok := parseIDParam(res, req, "tradeId")
	if !ok {
		return
	}

	trade, err := handlers.app.ProcessGetTrade(ctx, tradeID)
	if err != nil {
		handlers.writeCoreError(res, err)
		return
	}

	writeJSONResponse(res, trade, http.StatusOK)
}

// writeCoreError maps the core failure taxonomy onto HTTP status codes:
// validation failures to 400, missing ownership proof to 401, authenticated
// but unentitled actions to 403, absent entities to 404, and stale accept
// attempts to 409. Anything else is an internal error.
func (handlers *handlers) writeCoreError(res http.ResponseWriter, err error) {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		writeErrorResponse(res, err.Error(), http.StatusBadRequest)
		return
	}

	switch {
	case errors.Is(err, storage.ErrOwnershipMismatch):
		writeErrorResponse(res, "you are not authorized to trade the listed books", http.StatusUnauthorized)
	case errors.Is(err, app.ErrSelfTrade):
		writeErrorResponse(res, "cannot open a trade request with yourself", http.StatusForbidden)
	case errors.Is(err, storage.ErrNotOwner),
		errors.Is(err, storage.ErrNotParticipant),
		errors.Is(err, storage.ErrNotRequestee):
		writeErrorResponse(res, "forbidden", http.StatusForbidden)
	case errors.Is(err, storage.ErrBookNotFound),
		errors.Is(err, storage.ErrRequestNotFound),
		errors.Is(err, storage.ErrTradeNotFound),
		errors.Is(err, storage.ErrUserNotFound):
		writeErrorResponse(res, err.Error(), http.StatusNotFound)
	case errors.Is(err, storage.ErrStaleRequest):
		writeErrorResponse(res, "request is stale: book ownership has changed", http.StatusConflict)
	default:
		writeErrorResponse(res, err.Error(), http.StatusInternalServerError)
	}
}

// parseIDParam extracts a positive integer URL parameter, writing a 400
// response and returning ok=false when the value is malformed.
func parseIDParam(res http.ResponseWriter, req *http.Request, name string) (int32, bool) {
	raw := strings.TrimSpace(chi.URLParam(req, name))
	id, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || id <= 0 {
		writeErrorResponse(res, "invalid "+name+" parameter", http.StatusBadRequest)
		return 0, false
	}
	return int32(id), true
}

// readJSONRequest reads and unmarshals the request body into target,
// writing a 400 response and returning false on failure.
func readJSONRequest(res http.ResponseWriter, req *http.Request, target any) bool {
	requestBody, err := io.ReadAll(req.Body)
	if err != nil {
		writeErrorResponse(res, err.Error(), http.StatusBadRequest)
		return false
	}

	if err = json.Unmarshal(requestBody, target); err != nil {
		writeErrorResponse(res, err.Error(), http.StatusBadRequest)
		return false
	}

	return true
}

func writeJSONResponse(res http.ResponseWriter, payload any, statusCode int) {
	result, err := json.Marshal(payload)
	if err != nil {
		writeErrorResponse(res, err.Error(), http.StatusInternalServerError)
		return
	}

	res.Header().Set("Content-Type", "application/json")
	res.WriteHeader(statusCode)
	res.Write(result)
}

func writeErrorResponse(res http.ResponseWriter, errorInfo string, statusCode int) {
	res.Header().Set("Content-Type", "application/json")
	res.WriteHeader(statusCode)
	json.NewEncoder(res).Encode(models.ErrorResponse{Errors: errorInfo})
}
