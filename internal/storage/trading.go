package storage

import (
	"context"
	"database/sql"
	"errors"

	"book_trader/internal/models"
)

const (
	createRequestQuery  = `INSERT INTO requests (requester_id, requestee_id) VALUES ($1, $2) RETURNING request_id;`
	addRequestBookQuery = `INSERT INTO request_books (request_id, book_id, role) VALUES ($1, $2, $3);`
	getRequestQuery     = `SELECT request_id, requester_id, requestee_id, created_at FROM requests WHERE request_id = $1;`
	lockRequestQuery    = `SELECT request_id, requester_id, requestee_id, created_at FROM requests WHERE request_id = $1 FOR UPDATE;`
	listRequestsQuery   = `SELECT request_id, requester_id, requestee_id, created_at FROM requests ORDER BY request_id;`
	requestsByBookQuery = `SELECT DISTINCT request_id FROM request_books WHERE book_id = $1 ORDER BY request_id;`
	getRequestBooksQuery = `SELECT rb.role, b.book_id, b.title, b.author, b.genre, b.year, b.condition, b.comments,
		COALESCE(b.owner_id, 0), b.archived, b.created_at
		FROM request_books rb JOIN books b ON rb.book_id = b.book_id
		WHERE rb.request_id = $1 ORDER BY b.book_id;`
	deleteRequestQuery = `DELETE FROM requests WHERE request_id = $1;`

	// Deletes every pending request whose give or take set intersects the
	// given book IDs. The role link rows go with them via ON DELETE CASCADE.
	deleteRequestsByBooksQuery = `DELETE FROM requests
		WHERE request_id IN (SELECT request_id FROM request_books WHERE book_id = ANY($1));`

	userExistsQuery = `SELECT user_id FROM users WHERE user_id = $1;`

	// Books are locked in ID order so concurrent lifecycle transactions
	// over intersecting sets cannot deadlock.
	lockBooksQuery = `SELECT book_id, COALESCE(owner_id, 0), archived FROM books
		WHERE book_id = ANY($1) ORDER BY book_id FOR UPDATE;`
	lockBookQuery       = `SELECT COALESCE(owner_id, 0), archived FROM books WHERE book_id = $1 FOR UPDATE;`
	reassignBooksQuery  = `UPDATE books SET owner_id = $1, updated_at = NOW() WHERE book_id = ANY($2);`
	archiveBookQuery    = `UPDATE books SET owner_id = NULL, archived = TRUE, updated_at = NOW() WHERE book_id = $1;`
	deleteBookQuery     = `DELETE FROM books WHERE book_id = $1;`
	countTradeRefsQuery = `SELECT COUNT(*) FROM trade_books WHERE book_id = $1;`

	createTradeQuery   = `INSERT INTO trades (requester_id, requestee_id) VALUES ($1, $2) RETURNING trade_id;`
	addTradeBookQuery  = `INSERT INTO trade_books (trade_id, book_id, role) VALUES ($1, $2, $3);`
	getTradeQuery      = `SELECT trade_id, requester_id, requestee_id, created_at FROM trades WHERE trade_id = $1;`
	listTradesQuery    = `SELECT trade_id, requester_id, requestee_id, created_at FROM trades ORDER BY trade_id;`
	getTradeBooksQuery = `SELECT tb.role, b.book_id, b.title, b.author, b.genre, b.year, b.condition, b.comments,
		COALESCE(b.owner_id, 0), b.archived, b.created_at
		FROM trade_books tb JOIN books b ON tb.book_id = b.book_id
		WHERE tb.trade_id = $1 ORDER BY b.book_id;`
)

// CreateRequest persists a new trade request after verifying, inside one
// transaction, that every give book belongs to the requester and every take
// book belongs to the requestee. The referenced book rows are locked so the
// ownership check cannot race with a concurrent accept or deletion.
// Book ownership itself is not changed: a request is a proposal.
func (postgresql *PostgreSQL) CreateRequest(ctx context.Context, requesterID int32, req models.CreateTradeRequest) (int32, error) {
	tx, err := postgresql.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var requesteeID int32
	err = tx.QueryRowContext(ctx, userExistsQuery, req.RequesteeID).Scan(&requesteeID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		postgresql.log.Sugar().Errorf("Failed to execute a query userExistsQuery: %s", err)
		return 0, err
	}

	wantOwners, ok := roleOwners(req.GiveBookIDs, req.TakeBookIDs, requesterID, requesteeID)
	if !ok {
		return 0, ErrOwnershipMismatch
	}
	if err = postgresql.checkBookOwners(ctx, tx, wantOwners, ErrOwnershipMismatch); err != nil {
		return 0, err
	}

	var requestID int32
	err = tx.QueryRowContext(ctx, createRequestQuery, requesterID, requesteeID).Scan(&requestID)
	if err != nil {
		postgresql.log.Sugar().Errorf("Failed to execute a query createRequestQuery: %s", err)
		return 0, err
	}

	if err = postgresql.addRoleBooks(ctx, tx, addRequestBookQuery, requestID, req.GiveBookIDs, roleGive); err != nil {
		return 0, err
	}
	if err = postgresql.addRoleBooks(ctx, tx, addRequestBookQuery, requestID, req.TakeBookIDs, roleTake); err != nil {
		return 0, err
	}

	if err = tx.Commit(); err != nil {
		return 0, err
	}

	return requestID, nil
}

// AcceptRequest promotes a pending request into a permanent trade record.
// The whole transition runs inside one transaction: the request row and all
// referenced books are locked, ownership is re-validated against the
// recorded give/take roles, the trade is created from the pre-swap snapshot,
// book ownership is swapped, and every pending request touching any traded
// book (the accepted one included) is deleted. A re-validation failure
// returns ErrStaleRequest and leaves everything untouched.
func (postgresql *PostgreSQL) AcceptRequest(ctx context.Context, requestID int32, actingUserID int32) (int32, error) {
	tx, err := postgresql.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	request := models.Request{}
	err = tx.QueryRowContext(ctx, lockRequestQuery, requestID).Scan(
		&request.ID, &request.RequesterID, &request.RequesteeID, &request.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrRequestNotFound
	}
	if err != nil {
		postgresql.log.Sugar().Errorf("Failed to execute a query lockRequestQuery: %s", err)
		return 0, err
	}

	if actingUserID != request.RequesteeID {
		return 0, ErrNotRequestee
	}

	giveIDs, takeIDs, err := postgresql.getRoleBookIDs(ctx, tx, getRequestBooksQuery, requestID)
	if err != nil {
		return 0, err
	}

	// The ownership assumptions recorded at creation time may have gone
	// stale behind this request's back. Re-check them under row locks
	// before mutating anything.
	wantOwners, ok := roleOwners(giveIDs, takeIDs, request.RequesterID, request.RequesteeID)
	if !ok {
		return 0, ErrStaleRequest
	}
	if err = postgresql.checkBookOwners(ctx, tx, wantOwners, ErrStaleRequest); err != nil {
		return 0, err
	}

	// Trade record from the pre-swap snapshot. After the swap the original
	// give/take semantics are no longer recoverable from book ownership.
	var tradeID int32
	err = tx.QueryRowContext(ctx, createTradeQuery, request.RequesterID, request.RequesteeID).Scan(&tradeID)
	if err != nil {
		postgresql.log.Sugar().Errorf("Failed to execute a query createTradeQuery: %s", err)
		return 0, err
	}
	if err = postgresql.addRoleBooks(ctx, tx, addTradeBookQuery, tradeID, giveIDs, roleGive); err != nil {
		return 0, err
	}
	if err = postgresql.addRoleBooks(ctx, tx, addTradeBookQuery, tradeID, takeIDs, roleTake); err != nil {
		return 0, err
	}

	// Ownership swap: each party receives what it asked to take.
	if _, err = tx.ExecContext(ctx, reassignBooksQuery, request.RequesteeID, giveIDs); err != nil {
		postgresql.log.Sugar().Errorf("Failed to execute a query reassignBooksQuery: %s", err)
		return 0, err
	}
	if _, err = tx.ExecContext(ctx, reassignBooksQuery, request.RequesterID, takeIDs); err != nil {
		postgresql.log.Sugar().Errorf("Failed to execute a query reassignBooksQuery: %s", err)
		return 0, err
	}

	// Every pending request referencing a traded book assumed an ownership
	// that is now false, so all of them go, the accepted request included.
	tradedIDs := append(append([]int32{}, giveIDs...), takeIDs...)
	if _, err = tx.ExecContext(ctx, deleteRequestsByBooksQuery, tradedIDs); err != nil {
		postgresql.log.Sugar().Errorf("Failed to execute a query deleteRequestsByBooksQuery: %s", err)
		return 0, err
	}

	if err = tx.Commit(); err != nil {
		return 0, err
	}

	return tradeID, nil
}

// DeleteBook removes a book from its owner's inventory. Requests referencing
// the book are always cascade-deleted first. The book row itself is deleted
// only when no trade references it; otherwise it is archived (owner cleared)
// to keep the trade history resolvable.
func (postgresql *PostgreSQL) DeleteBook(ctx context.Context, bookID int32, actingUserID int32) error {
	tx, err := postgresql.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var ownerID int32
	var archived bool
	err = tx.QueryRowContext(ctx, lockBookQuery, bookID).Scan(&ownerID, &archived)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrBookNotFound
	}
	if err != nil {
		postgresql.log.Sugar().Errorf("Failed to execute a query lockBookQuery: %s", err)
		return err
	}

	// An archived book has no owner, so nobody is authorized to delete it.
	if archived || ownerID != actingUserID {
		return ErrNotOwner
	}

	if _, err = tx.ExecContext(ctx, deleteRequestsByBooksQuery, []int32{bookID}); err != nil {
		postgresql.log.Sugar().Errorf("Failed to execute a query deleteRequestsByBooksQuery: %s", err)
		return err
	}

	var tradeRefs int
	if err = tx.QueryRowContext(ctx, countTradeRefsQuery, bookID).Scan(&tradeRefs); err != nil {
		postgresql.log.Sugar().Errorf("Failed to execute a query countTradeRefsQuery: %s", err)
		return err
	}

	if tradeRefs == 0 {
		_, err = tx.ExecContext(ctx, deleteBookQuery, bookID)
	} else {
		_, err = tx.ExecContext(ctx, archiveBookQuery, bookID)
	}
	if err != nil {
		postgresql.log.Sugar().Errorf("Failed to delete or archive book %d: %s", bookID, err)
		return err
	}

	return tx.Commit()
}

// GetRequest retrieves a single request with its participants and both book sets.
func (postgresql *PostgreSQL) GetRequest(ctx context.Context, requestID int32) (*models.Request, error) {
	request := &models.Request{}

	err := postgresql.db.QueryRowContext(ctx, getRequestQuery, requestID).Scan(
		&request.ID, &request.RequesterID, &request.RequesteeID, &request.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		postgresql.log.Sugar().Errorf("Failed to execute a query getRequestQuery: %s", err)
		return nil, err
	}

	if err := postgresql.hydrateRequest(ctx, request); err != nil {
		return nil, err
	}

	return request, nil
}

// ListRequests retrieves all pending requests with their participants and book sets.
func (postgresql *PostgreSQL) ListRequests(ctx context.Context) ([]models.Request, error) {
	rows, err := postgresql.db.QueryContext(ctx, listRequestsQuery)
	if err != nil {
		postgresql.log.Sugar().Errorf("Failed to execute a query listRequestsQuery: %s", err)
		return nil, err
	}
	defer rows.Close()

	const initialRequestsCapacity = 10
	requests := make([]models.Request, 0, initialRequestsCapacity)

	for rows.Next() {
		request := models.Request{}
		if err := rows.Scan(&request.ID, &request.RequesterID, &request.RequesteeID, &request.CreatedAt); err != nil {
			postgresql.log.Sugar().Errorf("Failed to scan request information in ListRequests method: %s", err)
			return nil, err
		}

		requests = append(requests, request)
	}

	if err := rows.Err(); err != nil {
		postgresql.log.Sugar().Errorf("The last error encountered by Rows.Scan in ListRequests method: %s", err)
		return requests, err
	}

	for i := range requests {
		if err := postgresql.hydrateRequest(ctx, &requests[i]); err != nil {
			return nil, err
		}
	}

	return requests, nil
}

// ListRequestsByBook retrieves every pending request that references the given
// book in either its give set or its take set.
func (postgresql *PostgreSQL) ListRequestsByBook(ctx context.Context, bookID int32) ([]models.Request, error) {
	rows, err := postgresql.db.QueryContext(ctx, requestsByBookQuery, bookID)
	if err != nil {
		postgresql.log.Sugar().Errorf("Failed to execute a query requestsByBookQuery: %s", err)
		return nil, err
	}
	defer rows.Close()

	requestIDs := make([]int32, 0)
	for rows.Next() {
		var requestID int32
		if err := rows.Scan(&requestID); err != nil {
			postgresql.log.Sugar().Errorf("Failed to scan request ID in ListRequestsByBook method: %s", err)
			return nil, err
		}
		requestIDs = append(requestIDs, requestID)
	}
	if err := rows.Err(); err != nil {
		postgresql.log.Sugar().Errorf("The last error encountered by Rows.Scan in ListRequestsByBook method: %s", err)
		return nil, err
	}

	requests := make([]models.Request, 0, len(requestIDs))
	for _, requestID := range requestIDs {
		request, err := postgresql.GetRequest(ctx, requestID)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *request)
	}

	return requests, nil
}

// DeleteRequest cancels a pending request. Only a participant of the request
// (its requester or requestee) is authorized to cancel it.
func (postgresql *PostgreSQL) DeleteRequest(ctx context.Context, requestID int32, actingUserID int32) error {
	request := models.Request{}

	err := postgresql.db.QueryRowContext(ctx, getRequestQuery, requestID).Scan(
		&request.ID, &request.RequesterID, &request.RequesteeID, &request.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrRequestNotFound
	}
	if err != nil {
		postgresql.log.Sugar().Errorf("Failed to execute a query getRequestQuery: %s", err)
		return err
	}

	if actingUserID != request.RequesterID && actingUserID != request.RequesteeID {
		return ErrNotParticipant
	}

	if _, err = postgresql.db.ExecContext(ctx, deleteRequestQuery, requestID); err != nil {
		postgresql.log.Sugar().Errorf("Failed to execute a query deleteRequestQuery: %s", err)
		return err
	}

	return nil
}

// GetTrade retrieves a single completed trade with its participants and book sets.
func (postgresql *PostgreSQL) GetTrade(ctx context.Context, tradeID int32) (*models.Trade, error) {
	trade := &models.Trade{}

	err := postgresql.db.QueryRowContext(ctx, getTradeQuery, tradeID).Scan(
		&trade.ID, &trade.RequesterID, &trade.RequesteeID, &trade.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		postgresql.log.Sugar().Errorf("Failed to execute a query getTradeQuery: %s", err)
		return nil, err
	}

	if err := postgresql.hydrateTrade(ctx, trade); err != nil {
		return nil, err
	}

	return trade, nil
}

// ListTrades retrieves the complete trade history.
func (postgresql *PostgreSQL) ListTrades(ctx context.Context) ([]models.Trade, error) {
	rows, err := postgresql.db.QueryContext(ctx, listTradesQuery)
	if err != nil {
		postgresql.log.Sugar().Errorf("Failed to execute a query listTradesQuery: %s", err)
		return nil, err
	}
	defer rows.Close()

	const initialTradesCapacity = 10
	trades := make([]models.Trade, 0, initialTradesCapacity)

	for rows.Next() {
		trade := models.Trade{}
		if err := rows.Scan(&trade.ID, &trade.RequesterID, &trade.RequesteeID, &trade.CreatedAt); err != nil {
			postgresql.log.Sugar().Errorf("Failed to scan trade information in ListTrades method: %s", err)
			return nil, err
		}

		trades = append(trades, trade)
	}

	if err := rows.Err(); err != nil {
		postgresql.log.Sugar().Errorf("The last error encountered by Rows.Scan in ListTrades method: %s", err)
		return trades, err
	}

	for i := range trades {
		if err := postgresql.hydrateTrade(ctx, &trades[i]); err != nil {
			return nil, err
		}
	}

	return trades, nil
}

// roleOwners maps every referenced book to the user who must own it for
// the give/take roles to hold. A book listed on both sides cannot satisfy
// two different owners at once, so that case reports ok=false.
func roleOwners(giveIDs, takeIDs []int32, requesterID, requesteeID int32) (wantOwners map[int32]int32, ok bool) {
	wantOwners = make(map[int32]int32, len(giveIDs)+len(takeIDs))
	for _, bookID := range giveIDs {
		wantOwners[bookID] = requesterID
	}
	for _, bookID := range takeIDs {
		if _, seen := wantOwners[bookID]; seen {
			return nil, false
		}
		wantOwners[bookID] = requesteeID
	}
	return wantOwners, true
}

// checkBookOwners locks all referenced book rows in one query, in book-ID
// order, and verifies that each one exists, is not archived, and is owned
// by the user recorded in wantOwners. Locking the union of both roles at
// once keeps concurrent lifecycle transactions over intersecting sets
// acquiring locks in the same global order. On an ownership mismatch it
// returns mismatchErr, which differs between request creation (an
// authorization failure) and acceptance (a staleness conflict).
func (postgresql *PostgreSQL) checkBookOwners(ctx context.Context, tx *sql.Tx, wantOwners map[int32]int32, mismatchErr error) error {
	bookIDs := make([]int32, 0, len(wantOwners))
	for bookID := range wantOwners {
		bookIDs = append(bookIDs, bookID)
	}

	rows, err := tx.QueryContext(ctx, lockBooksQuery, bookIDs)
	if err != nil {
		postgresql.log.Sugar().Errorf("Failed to execute a query lockBooksQuery: %s", err)
		return err
	}
	defer rows.Close()

	found := make(map[int32]bool, len(bookIDs))
	for rows.Next() {
		var bookID, ownerID int32
		var archived bool
		if err := rows.Scan(&bookID, &ownerID, &archived); err != nil {
			postgresql.log.Sugar().Errorf("Failed to scan book ownership in checkBookOwners method: %s", err)
			return err
		}
		if archived || ownerID != wantOwners[bookID] {
			return mismatchErr
		}
		found[bookID] = true
	}
	if err := rows.Err(); err != nil {
		postgresql.log.Sugar().Errorf("The last error encountered by Rows.Scan in checkBookOwners method: %s", err)
		return err
	}

	for _, bookID := range bookIDs {
		if !found[bookID] {
			return ErrBookNotFound
		}
	}

	return nil
}

// addRoleBooks inserts role-tagged book links for a request or a trade.
func (postgresql *PostgreSQL) addRoleBooks(ctx context.Context, tx *sql.Tx, query string, parentID int32, bookIDs []int32, role string) error {
	for _, bookID := range bookIDs {
		if _, err := tx.ExecContext(ctx, query, parentID, bookID, role); err != nil {
			postgresql.log.Sugar().Errorf("Failed to insert %s book link for id %d: %s", role, parentID, err)
			return err
		}
	}
	return nil
}

// getRoleBookIDs reads the role-tagged book links of a request or trade
// within a transaction and splits them into give and take ID sets.
func (postgresql *PostgreSQL) getRoleBookIDs(ctx context.Context, tx *sql.Tx, query string, parentID int32) (giveIDs, takeIDs []int32, err error) {
	rows, err := tx.QueryContext(ctx, query, parentID)
	if err != nil {
		postgresql.log.Sugar().Errorf("Failed to execute a role book query: %s", err)
		return nil, nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var role string
		book := models.Book{}
		if err := rows.Scan(&role, &book.ID, &book.Title, &book.Author, &book.Genre, &book.Year,
			&book.Condition, &book.Comments, &book.OwnerID, &book.Archived, &book.CreatedAt); err != nil {
			postgresql.log.Sugar().Errorf("Failed to scan role book in getRoleBookIDs method: %s", err)
			return nil, nil, err
		}
		if role == roleGive {
			giveIDs = append(giveIDs, book.ID)
		} else {
			takeIDs = append(takeIDs, book.ID)
		}
	}
	if err := rows.Err(); err != nil {
		postgresql.log.Sugar().Errorf("The last error encountered by Rows.Scan in getRoleBookIDs method: %s", err)
		return nil, nil, err
	}

	return giveIDs, takeIDs, nil
}

// queryRoleBooks reads the role-tagged book links of a request or trade and
// splits the full book records into give and take sets.
func (postgresql *PostgreSQL) queryRoleBooks(ctx context.Context, query string, parentID int32) (giveBooks, takeBooks []models.Book, err error) {
	rows, err := postgresql.db.QueryContext(ctx, query, parentID)
	if err != nil {
		postgresql.log.Sugar().Errorf("Failed to execute a role book query: %s", err)
		return nil, nil, err
	}
	defer rows.Close()

	giveBooks = make([]models.Book, 0)
	takeBooks = make([]models.Book, 0)

	for rows.Next() {
		var role string
		book := models.Book{}
		if err := rows.Scan(&role, &book.ID, &book.Title, &book.Author, &book.Genre, &book.Year,
			&book.Condition, &book.Comments, &book.OwnerID, &book.Archived, &book.CreatedAt); err != nil {
			postgresql.log.Sugar().Errorf("Failed to scan role book in queryRoleBooks method: %s", err)
			return nil, nil, err
		}
		if role == roleGive {
			giveBooks = append(giveBooks, book)
		} else {
			takeBooks = append(takeBooks, book)
		}
	}
	if err := rows.Err(); err != nil {
		postgresql.log.Sugar().Errorf("The last error encountered by Rows.Scan in queryRoleBooks method: %s", err)
		return nil, nil, err
	}

	return giveBooks, takeBooks, nil
}

// hydrateRequest attaches the participant profiles and both book sets to a request.
func (postgresql *PostgreSQL) hydrateRequest(ctx context.Context, request *models.Request) error {
	giveBooks, takeBooks, err := postgresql.queryRoleBooks(ctx, getRequestBooksQuery, request.ID)
	if err != nil {
		return err
	}
	request.GiveBooks = giveBooks
	request.TakeBooks = takeBooks

	if request.Requester, err = postgresql.GetUser(ctx, request.RequesterID); err != nil {
		return err
	}
	if request.Requestee, err = postgresql.GetUser(ctx, request.RequesteeID); err != nil {
		return err
	}

	return nil
}

// hydrateTrade attaches the participant profiles and both book sets to a trade.
func (postgresql *PostgreSQL) hydrateTrade(ctx context.Context, trade *models.Trade) error {
	giveBooks, takeBooks, err := postgresql.queryRoleBooks(ctx, getTradeBooksQuery, trade.ID)
	if err != nil {
		return err
	}
	trade.GiveBooks = giveBooks
	trade.TakeBooks = takeBooks

	if trade.Requester, err = postgresql.GetUser(ctx, trade.RequesterID); err != nil {
		return err
	}
	if trade.Requestee, err = postgresql.GetUser(ctx, trade.RequesteeID); err != nil {
		return err
	}

	return nil
}
