package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"OpenMCP-Search/sdk/go/searchagent"
)

func main() {
	var mu sync.Mutex
	answered := false

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req searchagent.SubmitRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			w.WriteHeader(http.StatusAccepted)
			_ = json.NewEncoder(w).Encode(searchagent.Session{
				ID:     "sess-demo",
				Query:  req.Query,
				Status: searchagent.StatusQueued,
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/sessions/sess-demo", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		done := answered
		mu.Unlock()
		sess := searchagent.Session{ID: "sess-demo", Turns: 1}
		if done {
			sess.Status = searchagent.StatusCompleted
			sess.Answer = "Each node holds 40 shards; rebalance the two hot indices first."
			sess.Turns = 2
		} else {
			sess.Status = searchagent.StatusAwaitingInput
			sess.Answer = "I found both index-level and cluster-level advice. Which should I focus on?"
		}
		_ = json.NewEncoder(w).Encode(sess)
	})
	mux.HandleFunc("/api/v1/sessions/sess-demo/input", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Input string `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&payload)
		mu.Lock()
		answered = true
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(searchagent.Session{
			ID:           "sess-demo",
			Status:       searchagent.StatusQueued,
			PendingInput: payload.Input,
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := searchagent.NewClient(srv.URL, srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := client.Submit(ctx, searchagent.SubmitRequest{Query: "how should I balance shards across the cluster"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted session %s (status=%s)\n", sess.ID, sess.Status)

	sess, err = client.Wait(ctx, sess.ID, 50*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("agent asked: %s\n", sess.Answer)

	sess, err = client.Input(ctx, sess.ID, "cluster-level only")
	if err != nil {
		panic(err)
	}
	fmt.Printf("feedback queued (status=%s)\n", sess.Status)

	sess, err = client.Wait(ctx, sess.ID, 50*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("final answer after %d turns: %s\n", sess.Turns, sess.Answer)
}
