// Package storage provides primitives for connecting to and interacting with data storage systems.
// It defines the Storage interface along with a PostgreSQL implementation that manages user accounts,
// book inventories, pending trade requests, and the permanent trade history. The multi-step trade
// lifecycle operations (accepting a request, deleting a book) are executed inside database
// transactions so that ownership transitions are atomic.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"book_trader/internal/models"
	"book_trader/internal/pkg/logger"
	"book_trader/internal/pkg/security"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	createUserQuery = `INSERT INTO users (first_name, last_name, username, country, password_hash, email, city, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING user_id;`
	checkUserQuery = `SELECT user_id, password_hash FROM users WHERE username = $1;`
	getUserQuery   = `SELECT user_id, first_name, last_name, username, country, email, city, state
		FROM users WHERE user_id = $1;`
	listUsersQuery = `SELECT user_id, first_name, last_name, username, country, email, city, state
		FROM users ORDER BY user_id;`

	createBookQuery = `INSERT INTO books (title, author, genre, year, condition, comments, owner_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING book_id;`
	getBookQuery = `SELECT b.book_id, b.title, b.author, b.genre, b.year, b.condition, b.comments,
		COALESCE(b.owner_id, 0), b.archived, b.created_at
		FROM books b WHERE b.book_id = $1;`
	listBooksQuery = `SELECT b.book_id, b.title, b.author, b.genre, b.year, b.condition, b.comments,
		b.owner_id, b.created_at, u.username, u.country, u.state, u.city
		FROM books b JOIN users u ON b.owner_id = u.user_id
		WHERE NOT b.archived ORDER BY b.book_id;`
	listBooksByOwnerQuery = `SELECT b.book_id, b.title, b.author, b.genre, b.year, b.condition, b.comments,
		b.owner_id, b.created_at, u.username, u.country, u.state, u.city
		FROM books b JOIN users u ON b.owner_id = u.user_id
		WHERE b.owner_id = $1 ORDER BY b.book_id;`
	listBooksByIDsQuery = `SELECT b.book_id, b.title, b.author, b.genre, b.year, b.condition, b.comments,
		b.owner_id, b.created_at, u.username, u.country, u.state, u.city
		FROM books b JOIN users u ON b.owner_id = u.user_id
		WHERE b.book_id = ANY($1) AND NOT b.archived ORDER BY b.book_id;`
)

// Book-to-request and book-to-trade links carry an explicit role tag
// instead of parallel join tables, so ownership checks are keyed in one place.
const (
	roleGive = "give"
	roleTake = "take"
)

// Storage defines the methods required for data storage operations.
type Storage interface {
	// Close closes the database connection.
	Close()

	// Authentication and user account methods.
	CheckUser(ctx context.Context, user *models.User) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) (*models.User, error)
	GetUser(ctx context.Context, userID int32) (*models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)

	// Book ownership store methods.
	CreateBook(ctx context.Context, book *models.Book) (*models.Book, error)
	GetBook(ctx context.Context, bookID int32) (*models.Book, error)
	ListBooks(ctx context.Context) ([]models.Book, error)
	ListBooksByOwner(ctx context.Context, ownerID int32) ([]models.Book, error)
	ListBooksByIDs(ctx context.Context, bookIDs []int32) ([]models.Book, error)

	// Request ledger methods.
	CreateRequest(ctx context.Context, requesterID int32, req models.CreateTradeRequest) (int32, error)
	GetRequest(ctx context.Context, requestID int32) (*models.Request, error)
	ListRequests(ctx context.Context) ([]models.Request, error)
	ListRequestsByBook(ctx context.Context, bookID int32) ([]models.Request, error)
	DeleteRequest(ctx context.Context, requestID int32, actingUserID int32) error

	// Trade lifecycle operations. Both run as a single transaction.
	AcceptRequest(ctx context.Context, requestID int32, actingUserID int32) (int32, error)
	DeleteBook(ctx context.Context, bookID int32, actingUserID int32) error

	// Trade ledger methods.
	GetTrade(ctx context.Context, tradeID int32) (*models.Trade, error)
	ListTrades(ctx context.Context) ([]models.Trade, error)
}

// PostgreSQL implements the Storage interface using a PostgreSQL database.
type PostgreSQL struct {
	db  *sql.DB        // Connection to the database.
	log *logger.Logger // Logger for recording events and errors.
}

// NewPostgreSQL creates a new PostgreSQL instance with the provided connection string and logger.
// It opens the connection and pings the database to ensure connectivity.
func NewPostgreSQL(configDBString string, l *logger.Logger) (*PostgreSQL, error) {
	db, err := sql.Open("pgx", configDBString)
	if err != nil {
		l.Sugar().Errorf("Failed to open a database: %s", err)
		return &PostgreSQL{db: db, log: l}, err
	}

	const defaultTimeout = 10 * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		l.Sugar().Errorf("Database ping failed: %s", err)
		return &PostgreSQL{db: db, log: l}, err
	}

	return &PostgreSQL{db: db, log: l}, nil
}

// Close closes the database connection if it is open.
func (postgresql *PostgreSQL) Close() {
	if postgresql.db != nil {
		postgresql.db.Close()
	}
}

// CheckUser verifies the user's credentials by retrieving the user's ID and password hash,
// then checking the provided password against the stored hash.
func (postgresql *PostgreSQL) CheckUser(ctx context.Context, user *models.User) (*models.User, error) {
	var encryptedPassword string

	err := postgresql.db.QueryRowContext(ctx, checkUserQuery, user.Username).Scan(&user.ID, &encryptedPassword)
	if errors.Is(err, sql.ErrNoRows) {
		return user, nil
	}
	if err != nil {
		postgresql.log.Sugar().Errorf("Failed to execute a query checkUserQuery: %s", err)
		return user, err
	}

	err = security.CheckPassword(encryptedPassword, user.Password)
	if err != nil {
		postgresql.log.Sugar().Errorf(err.Error())
		return user, err
	}

	return user, nil
}

// CreateUser registers a new user by hashing the password and inserting the user into the database.
func (postgresql *PostgreSQL) CreateUser(ctx context.Context, user *models.User) (*models.User, error) {
	encryptedPassword, err := security.HashPassword(user.Password)
	if err != nil {
		postgresql.log.Sugar().Errorf("Failed to hash the password: %s", err)
		return user, err
	}

	err = postgresql.db.QueryRowContext(ctx, createUserQuery,
		user.FirstName, user.LastName, user.Username, user.Country,
		encryptedPassword, user.Email, user.City, user.State).Scan(&user.ID)
	if err != nil {
		postgresql.log.Sugar().Errorf("Failed to execute a query createUserQuery: %s", err)
		return user, err
	}
	return user, err
}

// GetUser retrieves a user's public profile by ID.
func (postgresql *PostgreSQL) GetUser(ctx context.Context, userID int32) (*models.User, error) {
	user := &models.User{}

	err := postgresql.db.QueryRowContext(ctx, getUserQuery, userID).Scan(
		&user.ID, &user.FirstName, &user.LastName, &user.Username,
		&user.Country, &user.Email, &user.City, &user.State)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		postgresql.log.Sugar().Errorf("Failed to execute a query getUserQuery: %s", err)
		return nil, err
	}

	return user, nil
}

// ListUsers retrieves the public profiles of all registered users.
func (postgresql *PostgreSQL) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := postgresql.db.QueryContext(ctx, listUsersQuery)
	if err != nil {
		postgresql.log.Sugar().Errorf("Failed to execute a query listUsersQuery: %s", err)
		return nil, err
	}
	defer rows.Close()

	const initialUsersCapacity = 10
	users := make([]models.User, 0, initialUsersCapacity)

	for rows.Next() {
		user := models.User{}
		if err := rows.Scan(&user.ID, &user.FirstName, &user.LastName, &user.Username,
			&user.Country, &user.Email, &user.City, &user.State); err != nil {
			postgresql.log.Sugar().Errorf("Failed to scan user information in ListUsers method: %s", err)
			return nil, err
		}

		users = append(users, user)
	}

	if err := rows.Err(); err != nil {
		postgresql.log.Sugar().Errorf("The last error encountered by Rows.Scan in ListUsers method: %s", err)
		return users, err
	}

	return users, nil
}

// CreateBook inserts a new book owned by the user recorded in book.OwnerID.
func (postgresql *PostgreSQL) CreateBook(ctx context.Context, book *models.Book) (*models.Book, error) {
	err := postgresql.db.QueryRowContext(ctx, createBookQuery,
		book.Title, book.Author, book.Genre, book.Year,
		book.Condition, book.Comments, book.OwnerID).Scan(&book.ID)
	if err != nil {
		postgresql.log.Sugar().Errorf("Failed to execute a query createBookQuery: %s", err)
		return book, err
	}

	return book, nil
}

// GetBook retrieves a single book by ID, including archived ones,
// so that trade history detail pages keep resolving.
func (postgresql *PostgreSQL) GetBook(ctx context.Context, bookID int32) (*models.Book, error) {
	book := &models.Book{}

	err := postgresql.db.QueryRowContext(ctx, getBookQuery, bookID).Scan(
		&book.ID, &book.Title, &book.Author, &book.Genre, &book.Year,
		&book.Condition, &book.Comments, &book.OwnerID, &book.Archived, &book.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBookNotFound
	}
	if err != nil {
		postgresql.log.Sugar().Errorf("Failed to execute a query getBookQuery: %s", err)
		return nil, err
	}

	if !book.Archived {
		owner, err := postgresql.GetUser(ctx, book.OwnerID)
		if err != nil {
			return nil, err
		}
		book.Owner = owner
	}

	return book, nil
}

// ListBooks retrieves all books currently held by trading participants.
// Archived books are excluded: they no longer belong to anyone's inventory.
func (postgresql *PostgreSQL) ListBooks(ctx context.Context) ([]models.Book, error) {
	return postgresql.queryBooks(ctx, listBooksQuery)
}

// ListBooksByOwner retrieves every book owned by the given user.
func (postgresql *PostgreSQL) ListBooksByOwner(ctx context.Context, ownerID int32) ([]models.Book, error) {
	return postgresql.queryBooks(ctx, listBooksByOwnerQuery, ownerID)
}

// ListBooksByIDs retrieves the non-archived books matching the given ID set.
func (postgresql *PostgreSQL) ListBooksByIDs(ctx context.Context, bookIDs []int32) ([]models.Book, error) {
	return postgresql.queryBooks(ctx, listBooksByIDsQuery, bookIDs)
}

// queryBooks runs one of the book listing queries and scans the result rows,
// including the joined owner profile columns.
func (postgresql *PostgreSQL) queryBooks(ctx context.Context, query string, args ...any) ([]models.Book, error) {
	rows, err := postgresql.db.QueryContext(ctx, query, args...)
	if err != nil {
		postgresql.log.Sugar().Errorf("Failed to execute a book listing query: %s", err)
		return nil, err
	}
	defer rows.Close()

	const initialBooksCapacity = 10
	books := make([]models.Book, 0, initialBooksCapacity)

	for rows.Next() {
		book := models.Book{Owner: &models.User{}}
		if err := rows.Scan(&book.ID, &book.Title, &book.Author, &book.Genre, &book.Year,
			&book.Condition, &book.Comments, &book.OwnerID, &book.CreatedAt,
			&book.Owner.Username, &book.Owner.Country, &book.Owner.State, &book.Owner.City); err != nil {
			postgresql.log.Sugar().Errorf("Failed to scan book information in queryBooks method: %s", err)
			return nil, err
		}
		book.Owner.ID = book.OwnerID

		books = append(books, book)
	}

	if err := rows.Err(); err != nil {
		postgresql.log.Sugar().Errorf("The last error encountered by Rows.Scan in queryBooks method: %s", err)
		return books, err
	}

	return books, nil
}
