// Package httpapi assembles the HTTP surface: the websocket upgrade
// endpoint, health and metrics, identity webhooks from the account system,
// and presigned avatar upload URLs.
package httpapi

import (
	"encoding/json"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/tandem/chat-server/internal/metrics"
	"github.com/tandem/chat-server/internal/profile"
	"github.com/tandem/chat-server/internal/ratelimit"
	"github.com/tandem/chat-server/internal/upload"
	"github.com/tandem/chat-server/internal/ws"
)

// API holds the dependencies the HTTP handlers need.
type API struct {
	server    *ws.Server
	limiter   *ratelimit.Limiter
	profiles  *profile.DynamoStore
	signer    *upload.Signer
	startedAt time.Time
}

func New(server *ws.Server, limiter *ratelimit.Limiter, profiles *profile.DynamoStore, signer *upload.Signer) *API {
	return &API{
		server:    server,
		limiter:   limiter,
		profiles:  profiles,
		signer:    signer,
		startedAt: time.Now(),
	}
}

// Router builds the full route table wrapped in CORS middleware.
func (a *API) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/ws", a.handleUpgrade)
	r.HandleFunc("/health", a.handleHealth).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	r.HandleFunc("/webhooks/identity", a.handleIdentityUpsert).Methods("POST")
	r.HandleFunc("/webhooks/identity", a.handleIdentityDelete).Methods("DELETE")

	r.HandleFunc("/avatars/upload-url", a.handleAvatarUploadURL).Methods("POST")
	r.HandleFunc("/avatars/read-url", a.handleAvatarReadURL).Methods("POST")

	return cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}).Handler(r)
}

// handleUpgrade throttles upgrades per client IP before handing the request
// to the websocket server.
func (a *API) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ip := r.RemoteAddr
	if host := requestIP(r); host != "" {
		ip = host
	}

	if a.limiter != nil && !a.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	a.server.HandleUpgrade(w, r)
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: a.server.Connections().Count(),
		Uptime:      time.Since(a.startedAt).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// handleIdentityUpsert receives profile create/update events from the
// account system and mirrors them into the profile table.
func (a *API) handleIdentityUpsert(w http.ResponseWriter, r *http.Request) {
	var p profile.Profile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if p.UserID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}

	if err := a.profiles.PutProfile(r.Context(), &p); err != nil {
		log.Printf("httpapi: identity upsert %s: %v", p.UserID, err)
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleIdentityDelete erases a profile, and its avatar object when the
// payload names one.
func (a *API) handleIdentityDelete(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		UserID    string `json:"userId"`
		AvatarKey string `json:"avatarKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.UserID == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if err := a.profiles.DeleteProfile(r.Context(), payload.UserID); err != nil {
		log.Printf("httpapi: identity delete %s: %v", payload.UserID, err)
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}

	if payload.AvatarKey != "" && a.signer != nil {
		if err := a.signer.Delete(r.Context(), payload.AvatarKey); err != nil {
			log.Printf("httpapi: avatar delete %s: %v", payload.AvatarKey, err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAvatarUploadURL(w http.ResponseWriter, r *http.Request) {
	if a.signer == nil {
		http.Error(w, "avatar uploads disabled", http.StatusServiceUnavailable)
		return
	}

	var payload struct {
		ContentType string `json:"contentType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.ContentType == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	url, key, err := a.signer.UploadURL(r.Context(), payload.ContentType)
	if err != nil {
		log.Printf("httpapi: upload url: %v", err)
		http.Error(w, "presign error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"url": url, "key": key})
}

func (a *API) handleAvatarReadURL(w http.ResponseWriter, r *http.Request) {
	if a.signer == nil {
		http.Error(w, "avatar uploads disabled", http.StatusServiceUnavailable)
		return
	}

	var payload struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Key == "" {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	url, err := a.signer.ReadURL(r.Context(), payload.Key)
	if err != nil {
		log.Printf("httpapi: read url: %v", err)
		http.Error(w, "presign error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"url": url})
}

// requestIP extracts the host part of RemoteAddr, or "" when it cannot be
// split.
func requestIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return ""
	}
	return host
}
