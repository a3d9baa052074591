package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/The-Genium007/Tumulte-MVP-sub003/internal/provider"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

var requestCount atomic.Int64

// pollBook holds every poll the mock has opened. Votes grow a little on each
// read while a poll is active.
type pollBook struct {
	mu    sync.Mutex
	polls map[string]*provider.Poll
}

type createBody struct {
	BroadcasterID string `json:"broadcaster_id"`
	Title         string `json:"title"`
	Choices       []struct {
		Title string `json:"title"`
	} `json:"choices"`
	Duration                   int  `json:"duration"`
	ChannelPointsVotingEnabled bool `json:"channel_points_voting_enabled"`
	ChannelPointsPerVote       int  `json:"channel_points_per_vote"`
}

type endBody struct {
	BroadcasterID string `json:"broadcaster_id"`
	ID            string `json:"id"`
	Status        string `json:"status"`
}

func main() {
	port := "9091"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}
	failRate := 0.0
	if v := os.Getenv("MOCK_FAIL_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			failRate = f
		}
	}

	book := &pollBook{polls: make(map[string]*provider.Poll)}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requireAuth)
	r.Use(flaky(failRate))

	r.Post("/polls", book.create)
	r.Get("/polls", book.get)
	r.Patch("/polls", book.end)
	r.Get("/users", users)

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		book.mu.Lock()
		open := len(book.polls)
		book.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]int64{
			"total_requests": requestCount.Load(),
			"polls":          int64(open),
		})
	})

	log.Printf("Mock provider starting on :%s (fail rate %.2f)", port, failRate)
	log.Printf("  POST  /polls  -> create poll")
	log.Printf("  GET   /polls  -> poll with growing votes")
	log.Printf("  PATCH /polls  -> end poll (TERMINATED | ARCHIVED)")
	log.Printf("  GET   /users  -> broadcaster records")

	if err := http.ListenAndServe(":"+port, r); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func (b *pollBook) create(w http.ResponseWriter, r *http.Request) {
	var body createBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if len(body.Choices) < 2 || len(body.Choices) > 5 {
		writeError(w, http.StatusBadRequest, "between 2 and 5 choices required")
		return
	}

	p := &provider.Poll{
		ID:                         uuid.NewString(),
		BroadcasterID:              body.BroadcasterID,
		Title:                      body.Title,
		ChannelPointsVotingEnabled: body.ChannelPointsVotingEnabled,
		ChannelPointsPerVote:       body.ChannelPointsPerVote,
		Status:                     provider.StatusActive,
		Duration:                   body.Duration,
		StartedAt:                  time.Now().UTC(),
	}
	for _, c := range body.Choices {
		p.Choices = append(p.Choices, provider.Choice{ID: uuid.NewString(), Title: c.Title})
	}

	b.mu.Lock()
	b.polls[p.ID] = p
	snapshot := *p
	b.mu.Unlock()

	logRequest(r, http.StatusOK, p.ID)
	writeJSON(w, http.StatusOK, map[string][]provider.Poll{"data": {snapshot}})
}

func (b *pollBook) get(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")

	b.mu.Lock()
	p, ok := b.polls[id]
	if !ok {
		b.mu.Unlock()
		writeError(w, http.StatusNotFound, "poll not found")
		return
	}
	if p.Status == provider.StatusActive {
		if time.Since(p.StartedAt) >= time.Duration(p.Duration)*time.Second {
			closeLocked(p, provider.StatusCompleted)
		} else {
			for i := range p.Choices {
				p.Choices[i].Votes += rand.IntN(4)
			}
		}
	}
	snapshot := copyPoll(p)
	b.mu.Unlock()

	logRequest(r, http.StatusOK, id)
	writeJSON(w, http.StatusOK, map[string][]provider.Poll{"data": {snapshot}})
}

func (b *pollBook) end(w http.ResponseWriter, r *http.Request) {
	var body endBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if body.Status != provider.StatusTerminated && body.Status != provider.StatusArchived {
		writeError(w, http.StatusBadRequest, "status must be TERMINATED or ARCHIVED")
		return
	}

	b.mu.Lock()
	p, ok := b.polls[body.ID]
	if !ok {
		b.mu.Unlock()
		writeError(w, http.StatusNotFound, "poll not found")
		return
	}
	if p.Status != provider.StatusActive {
		b.mu.Unlock()
		writeError(w, http.StatusBadRequest, "poll is not active")
		return
	}
	closeLocked(p, body.Status)
	snapshot := copyPoll(p)
	b.mu.Unlock()

	logRequest(r, http.StatusOK, body.ID)
	writeJSON(w, http.StatusOK, map[string][]provider.Poll{"data": {snapshot}})
}

func users(w http.ResponseWriter, r *http.Request) {
	ids := r.URL.Query()["id"]
	out := make([]provider.User, 0, len(ids))
	for i, id := range ids {
		kind := ""
		switch i % 3 {
		case 0:
			kind = "partner"
		case 1:
			kind = "affiliate"
		}
		out = append(out, provider.User{
			ID:              id,
			Login:           "user" + id,
			DisplayName:     "User " + id,
			BroadcasterType: kind,
			ProfileImageURL: "https://static.example.test/" + id + ".png",
		})
	}
	logRequest(r, http.StatusOK, strconv.Itoa(len(ids))+" ids")
	writeJSON(w, http.StatusOK, map[string][]provider.User{"data": out})
}

func closeLocked(p *provider.Poll, status string) {
	now := time.Now().UTC()
	p.Status = status
	p.EndedAt = &now
}

func copyPoll(p *provider.Poll) provider.Poll {
	c := *p
	c.Choices = append([]provider.Choice(nil), p.Choices...)
	return c
}

func requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestCount.Add(1)
		if r.URL.Path == "/stats" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("Authorization") == "" || r.Header.Get("Client-Id") == "" {
			logRequest(r, http.StatusUnauthorized, "")
			writeError(w, http.StatusUnauthorized, "missing credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// flaky fails a share of requests with 503 so the retry path gets exercised.
func flaky(rate float64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rate > 0 && r.URL.Path != "/stats" && rand.Float64() < rate {
				logRequest(r, http.StatusServiceUnavailable, "injected")
				writeError(w, http.StatusServiceUnavailable, "try again")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error":   http.StatusText(status),
		"status":  status,
		"message": message,
	})
}

func logRequest(r *http.Request, status int, detail string) {
	fmt.Printf("[#%d] %s %s -> %d | broadcaster=%s %s\n",
		requestCount.Load(),
		r.Method,
		r.URL.Path,
		status,
		r.URL.Query().Get("broadcaster_id"),
		detail,
	)
}
