package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"book_trader/internal/app"
	"book_trader/internal/models"
	"book_trader/internal/pkg/logger"
	"book_trader/internal/service"
	"book_trader/internal/storage"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/suite"
)

var testDatabaseURI, testServerPort string

func init() {
	if err := godotenv.Load("../integration/.env"); err != nil {
		log.Println("No .env file found, using default values")
	}

	testDatabaseURI = os.Getenv("TEST_DATABASE_URI")
	testServerPort = os.Getenv("TEST_SERVER_PORT")
}

type IntegrationTestSuite struct {
	suite.Suite
	server *httptest.Server
	client *http.Client
	db     *storage.PostgreSQL
}

func (s *IntegrationTestSuite) SetupSuite() {

	var l *logger.Logger
	var err error
	if l, err = logger.CreateLogger("info"); err != nil {
		log.Fatal("Failed to create logger:", err)
	}

	log.Printf("%v", testDatabaseURI)

	s.db, err = storage.NewPostgreSQL(testDatabaseURI, l)
	s.Require().NoError(err, "Error connecting to test database")

	err = s.db.Bootstrap(context.Background())
	s.Require().NoError(err, "Error applying test database migrations")

	appInstance := app.NewApp(s.db, l)
	serviceInstance := service.NewService(appInstance, "localhost:"+testServerPort, l)

	s.server = httptest.NewServer(serviceInstance.NewRouter())
	s.client = s.server.Client()
}

func (s *IntegrationTestSuite) TearDownSuite() {
	s.server.Close()
	s.db.Close()
}

// registerAndAuth creates a fresh user account and returns its ID and a bearer token.
// Usernames carry a nanosecond suffix so the suite can run repeatedly against the same database.
func (s *IntegrationTestSuite) registerAndAuth(firstName string) (int32, string) {
	username := fmt.Sprintf("%s_%d", firstName, time.Now().UnixNano())
	registerReq := models.RegisterUserRequest{
		FirstName: firstName,
		LastName:  "Reader",
		Username:  username,
		Country:   "US",
		Password:  "password",
	}
	reqBody, err := json.Marshal(registerReq)
	s.Require().NoError(err, "Error marshaling registration request")

	resp, err := s.client.Post(s.server.URL+"/api/users", "application/json", bytes.NewBuffer(reqBody))
	s.Require().NoError(err, "Error sending registration request")
	resp.Body.Close()
	s.Require().Equal(http.StatusCreated, resp.StatusCode, "Expected status 201 for registration")

	authReq := models.AuthRequest{Username: username, Password: "password"}
	reqBody, err = json.Marshal(authReq)
	s.Require().NoError(err, "Error marshaling authentication request")

	resp, err = s.client.Post(s.server.URL+"/api/auth", "application/json", bytes.NewBuffer(reqBody))
	s.Require().NoError(err, "Error sending authentication request")
	s.Require().Equal(http.StatusOK, resp.StatusCode, "Expected status 200 for authentication")

	var authResp models.AuthResponse
	err = json.NewDecoder(resp.Body).Decode(&authResp)
	resp.Body.Close()
	s.Require().NoError(err, "Error decoding authentication response")
	s.Require().NotEmpty(authResp.Token, "Token should not be empty")

	req, err := http.NewRequest("GET", s.server.URL+"/api/users", nil)
	s.Require().NoError(err, "Error creating current user request")
	req.Header.Set("Authorization", "Bearer "+authResp.Token)

	resp, err = s.client.Do(req)
	s.Require().NoError(err, "Error executing current user request")
	s.Require().Equal(http.StatusOK, resp.StatusCode, "Expected status 200 for current user")

	var user models.User
	err = json.NewDecoder(resp.Body).Decode(&user)
	resp.Body.Close()
	s.Require().NoError(err, "Error decoding current user response")
	s.Require().NotZero(user.ID, "Registered user should have an ID")

	return user.ID, authResp.Token
}

// listBook lists a new book on behalf of the token's user and returns its ID.
func (s *IntegrationTestSuite) listBook(token, title, author string) int32 {
	createReq := models.CreateBookRequest{Title: title, Author: author}
	reqBody, err := json.Marshal(createReq)
	s.Require().NoError(err, "Error marshaling book creation request")

	req, err := http.NewRequest("POST", s.server.URL+"/api/books", bytes.NewBuffer(reqBody))
	s.Require().NoError(err, "Error creating book creation request")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	s.Require().NoError(err, "Error executing book creation request")
	s.Require().Equal(http.StatusCreated, resp.StatusCode, "Expected status 201 for book creation")

	var createResp models.CreateBookResponse
	err = json.NewDecoder(resp.Body).Decode(&createResp)
	resp.Body.Close()
	s.Require().NoError(err, "Error decoding book creation response")
	s.Require().NotZero(createResp.BookID, "Created book should have an ID")

	return createResp.BookID
}

// proposeTrade opens a trade request on behalf of the token's user and returns its ID.
func (s *IntegrationTestSuite) proposeTrade(token string, requesteeID int32, giveBookIDs, takeBookIDs []int32) int32 {
	tradeReq := models.CreateTradeRequest{
		RequesteeID: requesteeID,
		GiveBookIDs: giveBookIDs,
		TakeBookIDs: takeBookIDs,
	}
	reqBody, err := json.Marshal(tradeReq)
	s.Require().NoError(err, "Error marshaling trade request payload")

	req, err := http.NewRequest("POST", s.server.URL+"/api/requests", bytes.NewBuffer(reqBody))
	s.Require().NoError(err, "Error creating trade request")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	s.Require().NoError(err, "Error executing trade request")
	s.Require().Equal(http.StatusCreated, resp.StatusCode, "Expected status 201 for trade request creation")

	var createResp models.CreateTradeRequestResponse
	err = json.NewDecoder(resp.Body).Decode(&createResp)
	resp.Body.Close()
	s.Require().NoError(err, "Error decoding trade request creation response")
	s.Require().NotZero(createResp.RequestID, "Created trade request should have an ID")

	return createResp.RequestID
}

// getBook retrieves one book by ID.
func (s *IntegrationTestSuite) getBook(bookID int32) models.Book {
	resp, err := s.client.Get(fmt.Sprintf("%s/api/books/%d", s.server.URL, bookID))
	s.Require().NoError(err, "Error retrieving book")
	s.Require().Equal(http.StatusOK, resp.StatusCode, "Expected status 200 for retrieving book")

	var book models.Book
	err = json.NewDecoder(resp.Body).Decode(&book)
	resp.Body.Close()
	s.Require().NoError(err, "Error decoding book response")
	return book
}

func (s *IntegrationTestSuite) TestTradeLifecycle() {
	aliceID, aliceToken := s.registerAndAuth("Alice")
	bobID, bobToken := s.registerAndAuth("Bob")

	aliceBook := s.listBook(aliceToken, "The Left Hand of Darkness", "Ursula K. Le Guin")
	bobBook := s.listBook(bobToken, "Solaris", "Stanislaw Lem")

	requestID := s.proposeTrade(aliceToken, bobID, []int32{aliceBook}, []int32{bobBook})

	acceptReq, err := http.NewRequest("DELETE", fmt.Sprintf("%s/api/requests/accept/%d", s.server.URL, requestID), nil)
	s.Require().NoError(err, "Error creating accept request")
	acceptReq.Header.Set("Authorization", "Bearer "+bobToken)

	resp, err := s.client.Do(acceptReq)
	s.Require().NoError(err, "Error executing accept request")
	resp.Body.Close()
	s.Require().Equal(http.StatusNoContent, resp.StatusCode, "Expected status 204 for accepting the request")

	tradeLocation := resp.Header.Get("Location")
	s.Require().NotEmpty(tradeLocation, "Accept response should point at the created trade")

	// Ownership has swapped: the give book moved to the requestee and vice versa.
	s.Require().Equal(bobID, s.getBook(aliceBook).OwnerID, "Give book should now belong to the requestee")
	s.Require().Equal(aliceID, s.getBook(bobBook).OwnerID, "Take book should now belong to the requester")

	// The accepted request is gone.
	resp, err = s.client.Get(fmt.Sprintf("%s/api/requests/%d", s.server.URL, requestID))
	s.Require().NoError(err, "Error retrieving accepted request")
	resp.Body.Close()
	s.Require().Equal(http.StatusNotFound, resp.StatusCode, "Accepted request should no longer exist")

	// The trade history records the pre-swap snapshot.
	resp, err = s.client.Get(s.server.URL + tradeLocation)
	s.Require().NoError(err, "Error retrieving trade")
	s.Require().Equal(http.StatusOK, resp.StatusCode, "Expected status 200 for retrieving trade")

	var trade models.Trade
	err = json.NewDecoder(resp.Body).Decode(&trade)
	resp.Body.Close()
	s.Require().NoError(err, "Error decoding trade response")
	s.Require().Equal(aliceID, trade.RequesterID, "Trade should record the requester")
	s.Require().Equal(bobID, trade.RequesteeID, "Trade should record the requestee")
	s.Require().Len(trade.GiveBooks, 1, "Trade should record the give books")
	s.Require().Len(trade.TakeBooks, 1, "Trade should record the take books")
	s.Require().Equal(aliceBook, trade.GiveBooks[0].ID)
	s.Require().Equal(bobBook, trade.TakeBooks[0].ID)
}

func (s *IntegrationTestSuite) TestAcceptInvalidatesCompetingRequests() {
	carolID, carolToken := s.registerAndAuth("Carol")
	danID, danToken := s.registerAndAuth("Dan")

	carolBook := s.listBook(carolToken, "Roadside Picnic", "Arkady Strugatsky")
	danBook := s.listBook(danToken, "Annihilation", "Jeff VanderMeer")

	// Two mirrored requests over the same pair of books.
	acceptedID := s.proposeTrade(carolToken, danID, []int32{carolBook}, []int32{danBook})
	competingID := s.proposeTrade(danToken, carolID, []int32{danBook}, []int32{carolBook})

	acceptReq, err := http.NewRequest("DELETE", fmt.Sprintf("%s/api/requests/accept/%d", s.server.URL, acceptedID), nil)
	s.Require().NoError(err, "Error creating accept request")
	acceptReq.Header.Set("Authorization", "Bearer "+danToken)

	resp, err := s.client.Do(acceptReq)
	s.Require().NoError(err, "Error executing accept request")
	resp.Body.Close()
	s.Require().Equal(http.StatusNoContent, resp.StatusCode, "Expected status 204 for accepting the request")

	// The competing request referenced books whose ownership just changed,
	// so it was removed together with the accepted one.
	resp, err = s.client.Get(fmt.Sprintf("%s/api/requests/%d", s.server.URL, competingID))
	s.Require().NoError(err, "Error retrieving competing request")
	resp.Body.Close()
	s.Require().Equal(http.StatusNotFound, resp.StatusCode, "Competing request should have been invalidated")
}

func (s *IntegrationTestSuite) TestDeleteBook() {
	eveID, eveToken := s.registerAndAuth("Eve")
	frankID, frankToken := s.registerAndAuth("Frank")

	// A book with no trade history is deleted outright.
	untradedBook := s.listBook(eveToken, "Blindsight", "Peter Watts")

	deleteReq, err := http.NewRequest("DELETE", fmt.Sprintf("%s/api/books/%d", s.server.URL, untradedBook), nil)
	s.Require().NoError(err, "Error creating book deletion request")
	deleteReq.Header.Set("Authorization", "Bearer "+eveToken)

	resp, err := s.client.Do(deleteReq)
	s.Require().NoError(err, "Error executing book deletion request")
	resp.Body.Close()
	s.Require().Equal(http.StatusNoContent, resp.StatusCode, "Expected status 204 for deleting an untraded book")

	resp, err = s.client.Get(fmt.Sprintf("%s/api/books/%d", s.server.URL, untradedBook))
	s.Require().NoError(err, "Error retrieving deleted book")
	resp.Body.Close()
	s.Require().Equal(http.StatusNotFound, resp.StatusCode, "Deleted untraded book should not exist")

	// A book referenced by a completed trade is archived instead.
	eveBook := s.listBook(eveToken, "A Canticle for Leibowitz", "Walter M. Miller Jr.")
	frankBook := s.listBook(frankToken, "The Sparrow", "Mary Doria Russell")

	requestID := s.proposeTrade(eveToken, frankID, []int32{eveBook}, []int32{frankBook})

	acceptReq, err := http.NewRequest("DELETE", fmt.Sprintf("%s/api/requests/accept/%d", s.server.URL, requestID), nil)
	s.Require().NoError(err, "Error creating accept request")
	acceptReq.Header.Set("Authorization", "Bearer "+frankToken)

	resp, err = s.client.Do(acceptReq)
	s.Require().NoError(err, "Error executing accept request")
	resp.Body.Close()
	s.Require().Equal(http.StatusNoContent, resp.StatusCode, "Expected status 204 for accepting the request")

	// Eve now owns Frank's book and deletes it; the trade reference keeps it around as archived.
	s.Require().Equal(eveID, s.getBook(frankBook).OwnerID, "Take book should now belong to the requester")

	deleteReq, err = http.NewRequest("DELETE", fmt.Sprintf("%s/api/books/%d", s.server.URL, frankBook), nil)
	s.Require().NoError(err, "Error creating traded book deletion request")
	deleteReq.Header.Set("Authorization", "Bearer "+eveToken)

	resp, err = s.client.Do(deleteReq)
	s.Require().NoError(err, "Error executing traded book deletion request")
	resp.Body.Close()
	s.Require().Equal(http.StatusNoContent, resp.StatusCode, "Expected status 204 for deleting a traded book")

	archived := s.getBook(frankBook)
	s.Require().True(archived.Archived, "Traded book should be archived, not removed")
	s.Require().Zero(archived.OwnerID, "Archived book should have no owner")

	// Only the current owner may delete; the give book now belongs to Frank.
	deleteReq, err = http.NewRequest("DELETE", fmt.Sprintf("%s/api/books/%d", s.server.URL, eveBook), nil)
	s.Require().NoError(err, "Error creating unauthorized book deletion request")
	deleteReq.Header.Set("Authorization", "Bearer "+eveToken)

	resp, err = s.client.Do(deleteReq)
	s.Require().NoError(err, "Error executing unauthorized book deletion request")
	resp.Body.Close()
	s.Require().Equal(http.StatusForbidden, resp.StatusCode, "Non-owner deletion should be forbidden")
}

func (s *IntegrationTestSuite) TestDeleteBookCascadesRequests() {
	_, ginaToken := s.registerAndAuth("Gina")
	hankID, hankToken := s.registerAndAuth("Hank")

	ginaBook := s.listBook(ginaToken, "Kindred", "Octavia E. Butler")
	hankBook := s.listBook(hankToken, "Parable of the Sower", "Octavia E. Butler")

	requestID := s.proposeTrade(ginaToken, hankID, []int32{ginaBook}, []int32{hankBook})

	// Deleting the give book removes the pending request referencing it.
	deleteReq, err := http.NewRequest("DELETE", fmt.Sprintf("%s/api/books/%d", s.server.URL, ginaBook), nil)
	s.Require().NoError(err, "Error creating book deletion request")
	deleteReq.Header.Set("Authorization", "Bearer "+ginaToken)

	resp, err := s.client.Do(deleteReq)
	s.Require().NoError(err, "Error executing book deletion request")
	resp.Body.Close()
	s.Require().Equal(http.StatusNoContent, resp.StatusCode, "Expected status 204 for deleting the book")

	resp, err = s.client.Get(fmt.Sprintf("%s/api/requests/%d", s.server.URL, requestID))
	s.Require().NoError(err, "Error retrieving cascaded request")
	resp.Body.Close()
	s.Require().Equal(http.StatusNotFound, resp.StatusCode, "Request referencing the deleted book should be gone")

	resp, err = s.client.Get(fmt.Sprintf("%s/api/books/%d", s.server.URL, ginaBook))
	s.Require().NoError(err, "Error retrieving deleted book")
	resp.Body.Close()
	s.Require().Equal(http.StatusNotFound, resp.StatusCode, "Untraded book should be deleted outright")
}

func (s *IntegrationTestSuite) TestConcurrentAccepts() {
	ivyID, ivyToken := s.registerAndAuth("Ivy")
	joeID, joeToken := s.registerAndAuth("Joe")

	ivyBook := s.listBook(ivyToken, "Stories of Your Life", "Ted Chiang")
	joeBook := s.listBook(joeToken, "Exhalation", "Ted Chiang")

	// Mirrored requests over the same book pair, accepted at the same time.
	firstID := s.proposeTrade(ivyToken, joeID, []int32{ivyBook}, []int32{joeBook})
	secondID := s.proposeTrade(joeToken, ivyID, []int32{joeBook}, []int32{ivyBook})

	accept := func(requestID int32, token string) (int, error) {
		req, err := http.NewRequest("DELETE", fmt.Sprintf("%s/api/requests/accept/%d", s.server.URL, requestID), nil)
		if err != nil {
			return 0, err
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := s.client.Do(req)
		if err != nil {
			return 0, err
		}
		resp.Body.Close()
		return resp.StatusCode, nil
	}

	var firstStatus, secondStatus int
	var firstErr, secondErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		firstStatus, firstErr = accept(firstID, joeToken)
	}()
	go func() {
		defer wg.Done()
		secondStatus, secondErr = accept(secondID, ivyToken)
	}()
	wg.Wait()

	s.Require().NoError(firstErr, "Error executing first accept request")
	s.Require().NoError(secondErr, "Error executing second accept request")

	// Exactly one accept commits; the loser observes the winner's
	// invalidation (404) or staleness (409), never an internal error.
	statuses := []int{firstStatus, secondStatus}
	sort.Ints(statuses)
	s.Require().Equal(http.StatusNoContent, statuses[0], "One accept should succeed")
	s.Require().Contains([]int{http.StatusNotFound, http.StatusConflict}, statuses[1],
		"The losing accept should fail cleanly")
}

func TestIntegrationTestSuite(t *testing.T) {
	suite.Run(t, new(IntegrationTestSuite))
}
