package progressbus

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/haytham10/frenchnoveltool/orchestrator"
	"github.com/haytham10/frenchnoveltool/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type subscribeRequest struct {
	JobID string `json:"job_id"`
	Token string `json:"token"`
}

type errorMessage struct {
	Error string `json:"error"`
}

// Server upgrades HTTP connections to websockets and services the
// connect/subscribe/disconnect contract of spec.md §4.6.
type Server struct {
	hub   *Hub
	auth  *Authenticator
	store *store.Store
}

// NewServer wires a Server from its Hub, Authenticator and the Job
// store used for ownership checks.
func NewServer(hub *Hub, auth *Authenticator, st *store.Store) *Server {
	return &Server{hub: hub, auth: auth, store: st}
}

type joined struct {
	jobID string
	sub   *subscriber
}

// ServeHTTP authenticates the connect-time bearer token, upgrades the
// connection, then loops reading {job_id, token} subscribe messages
// until the client disconnects. Each successful subscribe joins the
// job's room and immediately emits the job's current snapshot
// (spec.md §4.6 "subscribing late still gets the current state").
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Verify(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("progressbus: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var rooms []joined
	defer func() {
		for _, j := range rooms {
			s.hub.Leave(j.jobID, j.sub)
		}
	}()

	for {
		var req subscribeRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		subUserID, err := s.auth.Verify(req.Token)
		if err != nil || subUserID != userID {
			_ = conn.WriteJSON(errorMessage{Error: "invalid token"})
			continue
		}

		job, err := s.store.GetJob(r.Context(), req.JobID)
		if err != nil || job.OwnerID != userID {
			_ = conn.WriteJSON(errorMessage{Error: "job not found"})
			continue
		}

		sub := s.hub.Join(req.JobID, userID, conn)
		rooms = append(rooms, joined{jobID: req.JobID, sub: sub})

		snapshot := orchestrator.ProgressEvent{
			JobID:           job.ID,
			State:           job.State,
			ProgressPercent: job.ProgressPercent,
			CurrentStep:     job.CurrentStep,
			Job:             job,
		}
		if err := conn.WriteJSON(snapshot); err != nil {
			conn.Close()
			s.hub.Leave(req.JobID, sub)
			return
		}
	}
}
