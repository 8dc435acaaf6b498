// Package models defines the data structures used throughout the application.
// It includes the book-trading domain entities (users, books, trade requests,
// completed trades) and the request and response payloads of the REST API.
package models

import "time"

// AuthRequest represents the authentication request payload.
// It contains the username and password provided by the user.
type AuthRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResponse represents the authentication response payload.
// It contains the generated token upon successful authentication.
type AuthResponse struct {
	Token string `json:"token"`
}

// ErrorResponse represents a generic error response payload.
// It contains a string describing the encountered error.
type ErrorResponse struct {
	Errors string `json:"errors"`
}

// User represents a registered trading participant.
// The password hash is never serialized into API responses.
type User struct {
	ID        int32  `json:"userId"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Username  string `json:"username"`
	Country   string `json:"country"`
	Email     string `json:"email,omitempty"`
	City      string `json:"city,omitempty"`
	State     string `json:"state,omitempty"`
	Password  string `json:"-"`
}

// RegisterUserRequest represents the payload for creating a new user account.
type RegisterUserRequest struct {
	FirstName string `json:"firstName" validate:"required"`
	LastName  string `json:"lastName" validate:"required"`
	Username  string `json:"username" validate:"required"`
	Country   string `json:"country" validate:"required"`
	Password  string `json:"password" validate:"required"`
	Email     string `json:"email,omitempty" validate:"omitempty,email"`
	City      string `json:"city,omitempty"`
	State     string `json:"state,omitempty"`
}

// Book represents a listed book and its current owner.
// An archived book has no owner: it has been detached from a user's
// inventory but is retained because completed trades still reference it.
type Book struct {
	ID        int32     `json:"bookId"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	Genre     string    `json:"genre,omitempty"`
	Year      int       `json:"year,omitempty"`
	Condition string    `json:"condition,omitempty"`
	Comments  string    `json:"comments,omitempty"`
	OwnerID   int32     `json:"ownerId,omitempty"`
	Archived  bool      `json:"archived,omitempty"`
	Owner     *User     `json:"owner,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateBookRequest represents the payload for listing a new book.
// The owner is always the authenticated user, never taken from the payload.
type CreateBookRequest struct {
	Title     string `json:"title" validate:"required"`
	Author    string `json:"author" validate:"required"`
	Genre     string `json:"genre,omitempty"`
	Year      int    `json:"year,omitempty" validate:"omitempty,gte=0"`
	Condition string `json:"condition,omitempty"`
	Comments  string `json:"comments,omitempty"`
}

// CreateBookResponse carries the identifier of a newly listed book.
type CreateBookResponse struct {
	BookID int32 `json:"bookId"`
}

// Request represents a pending trade proposal between two users.
// Give books are owned by the requester, take books by the requestee;
// both ownership assumptions were verified when the request was created.
type Request struct {
	ID          int32     `json:"requestId"`
	RequesterID int32     `json:"requesterId"`
	RequesteeID int32     `json:"requesteeId"`
	Requester   *User     `json:"requester,omitempty"`
	Requestee   *User     `json:"requestee,omitempty"`
	GiveBooks   []Book    `json:"giveBooks"`
	TakeBooks   []Book    `json:"takeBooks"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CreateTradeRequest represents the payload for proposing a trade.
// GiveBookIDs must be owned by the authenticated user and TakeBookIDs
// by the requestee.
type CreateTradeRequest struct {
	RequesteeID int32   `json:"requesteeId" validate:"required"`
	GiveBookIDs []int32 `json:"giveBooksId" validate:"required,min=1,unique"`
	TakeBookIDs []int32 `json:"takeBooksId" validate:"required,min=1,unique"`
}

// CreateTradeRequestResponse carries the identifier of a newly created request.
type CreateTradeRequestResponse struct {
	RequestID int32 `json:"requestId"`
}

// Trade represents a completed trade. It carries the same shape as the
// request it was promoted from, snapshotted before the ownership swap,
// and is never mutated afterwards.
type Trade struct {
	ID          int32     `json:"tradeId"`
	RequesterID int32     `json:"requesterId"`
	RequesteeID int32     `json:"requesteeId"`
	Requester   *User     `json:"requester,omitempty"`
	Requestee   *User     `json:"requestee,omitempty"`
	GiveBooks   []Book    `json:"giveBooks"`
	TakeBooks   []Book    `json:"takeBooks"`
	CreatedAt   time.Time `json:"createdAt"`
}
