package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"canopy/internal/events"
	"canopy/internal/worktree"
)

const (
	eventBuffer  = 256
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = pongTimeout * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API listens on loopback.
	CheckOrigin: func(*http.Request) bool { return true },
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Version: s.version})
}

// handleSelected handles GET /api/worktree/selected?projectPath=...
func (s *Server) handleSelected(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("projectPath")
	if project == "" {
		writeError(w, http.StatusBadRequest, worktree.KindInvalid.Code(), "projectPath is required")
		return
	}
	info, err := s.svc.Selected(r.Context(), project)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type refreshRequest struct {
	ProjectPath string `json:"projectPath"`
}

type refreshResponse struct {
	Committed bool     `json:"committed"`
	Skipped   bool     `json:"skipped"`
	Added     []string `json:"added"`
	Removed   []string `json:"removed"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[refreshRequest](w, r)
	if !ok {
		return
	}
	if req.ProjectPath == "" {
		writeError(w, http.StatusBadRequest, worktree.KindInvalid.Code(), "projectPath is required")
		return
	}
	res, err := s.svc.Refresh(r.Context(), req.ProjectPath)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := refreshResponse{Committed: res.Committed, Skipped: res.Skipped, Added: []string{}, Removed: []string{}}
	for _, wt := range res.Added {
		out.Added = append(out.Added, wt.Path)
	}
	for _, wt := range res.Removed {
		out.Removed = append(out.Removed, wt.Path)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleEvents streams events as JSON text frames. The optional projectPath
// query parameter narrows the stream to one project.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, worktree.KindUnknown.Code(), "event stream unavailable")
		return
	}
	var filter func(events.Event) bool
	if project := r.URL.Query().Get("projectPath"); project != "" {
		filter = events.ForProject(worktree.Clean(project))
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch, cancel := s.events.Subscribe(eventBuffer, filter)
	defer cancel()

	// Reads only service control frames; a read error means the client left.
	closed := make(chan struct{})
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.log.WithError(err).Debug("websocket write failed")
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
