package allocator

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/lychee-technology/formsync/internal/remote"
	"go.uber.org/zap"
)

// UserHeader carries the caller's user GUID. When absent the bearer token itself is taken as
// the user GUID.
const UserHeader = "X-User-Guid"

type errorResponse struct {
	Error string `json:"error"`
}

// Router exposes POST /formIdAllocation and GET /health.
func (s *Service) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/formIdAllocation", s.handleAllocate).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return r
}

func (s *Service) handleAllocate(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "bearer token required")
		return
	}
	user := strings.TrimSpace(r.Header.Get(UserHeader))
	if user == "" {
		user = token
	}

	var req remote.AllocationRequest
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	for formType, n := range req {
		if n < 0 {
			writeError(w, http.StatusBadRequest, "negative count for "+formType)
			return
		}
	}

	resp, err := s.Allocate(r.Context(), user, req)
	if err != nil {
		zap.S().Errorw("allocator: allocation failed", "user_guid", user, "err", err)
		writeError(w, http.StatusInternalServerError, "allocation failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	token = strings.TrimSpace(token)
	return token, found && token != ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.S().Debugw("allocator: write response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
