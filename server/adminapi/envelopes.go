package adminapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/migadu/spoold/envelope"
	"github.com/migadu/spoold/logger"
	"github.com/migadu/spoold/server/idgen"
	"github.com/migadu/spoold/spool"
	"github.com/migadu/spoold/storage"
)

const defaultListLimit = 1000

// RequeueRequest moves an envelope to another processor. An empty State
// sends it back to the processor it last failed in, or to root.
type RequeueRequest struct {
	State        string `json:"state"`
	ResetRetries bool   `json:"reset_retries"`
}

type listResponse struct {
	Envelopes []*envelope.Envelope `json:"envelopes"`
	Total     int                  `json:"total"`
	Truncated bool                 `json:"truncated"`
}

func (s *Server) handleListEnvelopes(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	resp := listResponse{Envelopes: []*envelope.Envelope{}}
	for env, err := range spool.Envelopes(r.Context(), s.queue.Repository) {
		if err != nil {
			logger.Error("HTTP API: Error listing envelopes", "error", err)
			s.writeError(w, http.StatusInternalServerError, "Error listing envelopes")
			return
		}
		if state != "" && env.State != state {
			continue
		}
		resp.Total++
		resp.Envelopes = append(resp.Envelopes, env)
		// Keep at most 2*limit in memory while still returning the
		// oldest envelopes of the whole listing.
		if len(resp.Envelopes) >= 2*limit {
			resp.Envelopes = oldest(resp.Envelopes, limit)
		}
	}
	resp.Envelopes = oldest(resp.Envelopes, limit)
	resp.Truncated = resp.Total > len(resp.Envelopes)
	s.writeJSON(w, http.StatusOK, resp)
}

// oldest sorts envs by creation time and drops all but the first n.
func oldest(envs []*envelope.Envelope, n int) []*envelope.Envelope {
	slices.SortStableFunc(envs, func(a, b *envelope.Envelope) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if len(envs) > n {
		clear(envs[n:])
		envs = envs[:n]
	}
	return envs
}

func (s *Server) handleGetEnvelope(w http.ResponseWriter, r *http.Request) {
	env, ok := s.retrieve(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleGetBody(w http.ResponseWriter, r *http.Request) {
	env, ok := s.retrieve(w, r)
	if !ok {
		return
	}
	if env.Body.IsZero() {
		s.writeError(w, http.StatusNotFound, "Envelope has no body")
		return
	}

	rc, err := s.bodies.Get(r.Context(), env.Body.Key)
	if err != nil {
		if errors.Is(err, storage.ErrBodyNotFound) {
			s.writeError(w, http.StatusNotFound, "Message body not found")
			return
		}
		logger.Error("HTTP API: Error reading message body", "id", env.ID, "key", env.Body.Key, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Error reading message body")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "message/rfc822")
	w.Header().Set("Content-Length", strconv.FormatInt(env.Body.Size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		logger.Warn("HTTP API: Error streaming message body", "id", env.ID, "error", err)
	}
}

func (s *Server) handleRequeueEnvelope(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req RequeueRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
			return
		}
	}

	if req.State == "" {
		env, ok := s.retrieve(w, r)
		if !ok {
			return
		}
		req.State = env.FailedState
		if req.State == "" || !s.processors.Has(req.State) {
			req.State = s.rootProcessor
		}
	}
	if !s.processors.Has(req.State) {
		s.writeError(w, http.StatusBadRequest, "Unknown processor: "+req.State)
		return
	}

	// Through the queue, so idle workers wake up for the requeued envelope.
	env, err := spool.Requeue(r.Context(), s.queue, id, req.State, req.ResetRetries)
	if err != nil {
		s.writeSpoolError(w, id, "requeue", err)
		return
	}
	logger.Info("HTTP API: Envelope requeued", "id", id, "state", req.State, "reset_retries", req.ResetRetries)
	s.writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleDeleteEnvelope(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := spool.Delete(r.Context(), s.queue, id); err != nil {
		s.writeSpoolError(w, id, "delete", err)
		return
	}
	logger.Info("HTTP API: Envelope deleted", "id", id)
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

// handleInjectMessage spools the raw message in the request body. The
// envelope comes from the sender and recipients query parameters; an empty
// sender or "<>" is the null reverse-path.
func (s *Server) handleInjectMessage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var sender *envelope.Address
	if v := strings.TrimSpace(q.Get("sender")); v != "" && v != "<>" {
		a, err := envelope.ParseAddress(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid sender: "+err.Error())
			return
		}
		sender = &a
	}

	var recipients []envelope.Address
	for _, v := range q["recipients"] {
		list, err := envelope.ParseAddressList(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid recipients: "+err.Error())
			return
		}
		recipients = append(recipients, list...)
	}
	if len(recipients) == 0 {
		s.writeError(w, http.StatusBadRequest, "At least one recipient is required")
		return
	}

	state := q.Get("state")
	if state == "" {
		state = s.rootProcessor
	}
	if !s.processors.Has(state) {
		s.writeError(w, http.StatusBadRequest, "Unknown processor: "+state)
		return
	}

	body := http.MaxBytesReader(w, r.Body, s.maxInject)
	ref, err := storage.PutContent(r.Context(), s.bodies, body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "Message too large")
			return
		}
		logger.Error("HTTP API: Error storing injected message", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Error storing message")
		return
	}
	if ref.Size == 0 {
		s.writeError(w, http.StatusBadRequest, "Message body is empty")
		return
	}

	env := envelope.New(idgen.New(), sender, recipients, state, ref)
	env.RemoteAddr = getClientIP(r)
	if err := s.queue.Store(r.Context(), env); err != nil {
		logger.Error("HTTP API: Error spooling injected message", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Error spooling message")
		return
	}

	logger.Info("HTTP API: Message injected", "id", env.ID, "state", state, "sender", env.SenderString(), "recipients", len(env.Recipients), "size", ref.Size)
	s.writeJSON(w, http.StatusCreated, env)
}

func (s *Server) handleListProcessors(w http.ResponseWriter, r *http.Request) {
	names := s.processors.Names()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"processors": names,
		"root":       s.rootProcessor,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts, err := spool.CountByState(r.Context(), s.queue.Repository)
	if err != nil {
		logger.Warn("HTTP API: Health check failed", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"envelopes": total,
		"states":    counts,
	})
}

func (s *Server) retrieve(w http.ResponseWriter, r *http.Request) (*envelope.Envelope, bool) {
	id := mux.Vars(r)["id"]
	env, err := s.queue.Retrieve(r.Context(), id)
	if err != nil {
		s.writeSpoolError(w, id, "retrieve", err)
		return nil, false
	}
	return env, true
}

func (s *Server) writeSpoolError(w http.ResponseWriter, id, op string, err error) {
	switch {
	case errors.Is(err, spool.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "Envelope not found")
	case errors.Is(err, spool.ErrLocked):
		s.writeError(w, http.StatusConflict, "Envelope is being processed")
	default:
		logger.Error("HTTP API: Spool operation failed", "operation", op, "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Spool operation failed")
	}
}
