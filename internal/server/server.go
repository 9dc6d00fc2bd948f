// Package server provides the HTTP API for chatrecall: chat, search,
// indexing, and status endpoints, plus a websocket channel for indexing
// progress.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/scrypster/chatrecall/internal/config"
	"github.com/scrypster/chatrecall/internal/indexer"
)

// Start wires the routes and starts the HTTP server. It returns the actual
// listen address (useful for tests with port 0) and the websocket hub so the
// caller can wire progress broadcasts. The server shuts down gracefully when
// ctx is cancelled.
func Start(ctx context.Context, cfg *config.Config, h *Handlers) (string, *WebSocketHub, error) {
	mux := http.NewServeMux()

	hostPort := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	wsHub := NewWebSocketHub([]string{
		hostPort,
		fmt.Sprintf("localhost:%d", cfg.Server.Port),
		fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port),
	})
	go wsHub.Run()
	h.hub = wsHub

	// Forward pipeline progress to websocket clients.
	h.pipeline.SetProgress(func(p indexer.Progress) {
		wsHub.Broadcast(map[string]interface{}{
			"type":     "index_progress",
			"progress": p,
		})
	})

	rateLimiter := NewRateLimiter(10.0, 20)

	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.Chat(w, r)
	})
	mux.HandleFunc("/api/chat/history", h.ChatHistory)
	mux.HandleFunc("/api/search", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.Search(w, r)
	})
	mux.HandleFunc("/api/index", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.Index(w, r)
	})
	mux.HandleFunc("/api/status", h.Status)
	mux.HandleFunc("/api/stats", h.Stats)
	mux.HandleFunc("/api/health", h.Health)
	mux.Handle("/ws", wsHub)

	handler := rateLimitMiddleware(mux, rateLimiter)
	handler = securityHeadersMiddleware(handler)

	server := &http.Server{
		Addr:         hostPort,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second, // generation can be slow
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", hostPort)
	if err != nil {
		return "", nil, fmt.Errorf("server: failed to listen on %s: %w", hostPort, err)
	}
	actualAddr := listener.Addr().String()

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("server: serve error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("server: shutdown error: %v", err)
		}
		wsHub.Stop()
	}()

	log.Printf("server: listening on http://%s", actualAddr)
	return actualAddr, wsHub, nil
}
