package storage

import "errors"

// Sentinel errors returned by Storage implementations. Handlers map these
// onto HTTP status codes, so every failing precondition in the trade
// lifecycle must surface as one of them.
var (
	// ErrBookNotFound indicates that the referenced book does not exist.
	ErrBookNotFound = errors.New("storage: book not found")

	// ErrRequestNotFound indicates that the referenced trade request does not exist.
	ErrRequestNotFound = errors.New("storage: request not found")

	// ErrTradeNotFound indicates that the referenced trade does not exist.
	ErrTradeNotFound = errors.New("storage: trade not found")

	// ErrUserNotFound indicates that the referenced user does not exist.
	ErrUserNotFound = errors.New("storage: user not found")

	// ErrNotOwner indicates that the acting user does not own the book
	// the operation targets.
	ErrNotOwner = errors.New("storage: user is not the owner of the book")

	// ErrNotParticipant indicates that the acting user is neither the
	// requester nor the requestee of the request.
	ErrNotParticipant = errors.New("storage: user is not a participant of the request")

	// ErrNotRequestee indicates that a user other than the requestee
	// attempted to accept a request.
	ErrNotRequestee = errors.New("storage: only the requestee may accept the request")

	// ErrOwnershipMismatch indicates that a proposed request references
	// books whose current owners do not match the give/take roles.
	ErrOwnershipMismatch = errors.New("storage: book ownership does not authorize the request")

	// ErrStaleRequest indicates that a request's ownership assumptions no
	// longer hold at accept time (a book was traded away, archived, or
	// deleted since the request was created).
	ErrStaleRequest = errors.New("storage: request is stale, book ownership has changed")
)
