package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/pbeaucage/AFL-andon/internal/connector"
	"github.com/pbeaucage/AFL-andon/internal/relay"
)

const writeWait = 10 * time.Second

// controlMessage is sent by the client in text frames.
type controlMessage struct {
	Type string `json:"type"`
	Rows int    `json:"rows,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Data string `json:"data,omitempty"`
}

// handleAttach joins the server's screen session and bridges it to a
// WebSocket. Binary frames from the client are keystrokes; text frames carry
// control messages. Remote output is sent as binary frames. The socket is
// closed when the session ends.
func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	rows, err := queryInt(r, "rows", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cols, err := queryInt(r, "cols", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// Attach before upgrading so failures get a proper HTTP status.
	sess, err := s.relay.Attach(r.Context(), name, connector.WindowSize{Rows: rows, Cols: cols})
	if err != nil {
		log.Debug("Attach failed", "server", name, "error", err)
		if _, ok := s.store.Get(name); ok && !isConfigError(err) {
			writeJSON(w, http.StatusServiceUnavailable, resultBody{SSHDown: true, Outcome: "unreachable", Error: err.Error()})
			return
		}
		writeConfigError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sess.Detach()
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		pumpOutput(conn, sess)
	}()

	readInput(conn, sess)
	sess.Detach()
	<-done
}

// pumpOutput forwards session output until the session ends, then closes the
// socket.
func pumpOutput(conn *websocket.Conn, sess *relay.Session) {
	for chunk := range sess.Output() {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			sess.Detach()
			break
		}
	}

	reason := "session ended"
	if err := sess.Err(); err != nil {
		reason = err.Error()
	}
	if len(reason) > 120 {
		reason = reason[:120]
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

// readInput forwards client frames until the socket or the session closes.
func readInput(conn *websocket.Conn, sess *relay.Session) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		switch mt {
		case websocket.BinaryMessage:
			if _, err := sess.Write(data); err != nil {
				return
			}

		case websocket.TextMessage:
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Debug("Ignoring malformed control message", "session", sess.ID(), "error", err)
				continue
			}
			switch msg.Type {
			case "resize":
				if err := sess.Resize(msg.Rows, msg.Cols); err != nil {
					log.Debug("Resize rejected", "session", sess.ID(), "error", err)
				}
			case "input":
				if _, err := sess.Write([]byte(msg.Data)); err != nil {
					return
				}
			case "detach":
				return
			}
		}
	}
}

func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.relay.Lookup(name); !ok {
		writeConfigError(w, relay.ErrNotAttached)
		return
	}
	s.relay.Detach(name)
	w.WriteHeader(http.StatusNoContent)
}

type sessionBody struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartedAt time.Time `json:"startedAt"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	out := []sessionBody{}
	for _, name := range s.relay.Names() {
		if sess, ok := s.relay.Lookup(name); ok {
			out = append(out, sessionBody{ID: sess.ID(), Name: name, StartedAt: sess.StartedAt()})
		}
	}
	writeJSON(w, http.StatusOK, out)
}
