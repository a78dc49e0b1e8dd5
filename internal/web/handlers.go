package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pbeaucage/AFL-andon/internal/config"
	"github.com/pbeaucage/AFL-andon/internal/supervisor"
)

// serverBody is a server record as exchanged over the API.
type serverBody struct {
	Name  string            `json:"name"`
	State string            `json:"state"`
	Spec  config.ServerSpec `json:"spec"`
}

// resultBody mirrors a supervisor result. sshDown is set when the host could
// not be reached, so clients can tell it apart from a failed command.
type resultBody struct {
	Success    bool   `json:"success"`
	SSHDown    bool   `json:"sshDown"`
	Outcome    string `json:"outcome"`
	Command    string `json:"command,omitempty"`
	Output     string `json:"output,omitempty"`
	ExitCode   *int   `json:"exitCode,omitempty"`
	ExitSignal string `json:"exitSignal,omitempty"`
	Error      string `json:"error,omitempty"`
}

func newResultBody(r *supervisor.Result) resultBody {
	body := resultBody{
		Success:    r.Outcome == supervisor.OK,
		SSHDown:    r.Outcome == supervisor.TransportDown,
		Outcome:    r.Outcome.String(),
		Command:    r.Command,
		Output:     r.Exec.Output,
		ExitCode:   r.Exec.ExitCode,
		ExitSignal: r.Exec.ExitSignal,
	}
	if r.Exec.Err != nil {
		body.Error = r.Exec.Err.Error()
	}
	return body
}

func statusFor(o supervisor.Outcome) int {
	if o == supervisor.TransportDown {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func (s *Server) entry(name string, spec config.ServerSpec) serverBody {
	return serverBody{Name: name, State: s.sup.State(name).String(), Spec: spec}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	entries := s.store.List()
	out := make([]serverBody, 0, len(entries))
	for _, e := range entries {
		out = append(out, s.entry(e.Name, e.Spec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	spec, ok := s.store.Get(name)
	if !ok {
		writeConfigError(w, config.NewError(config.UnknownServer, name, ""))
		return
	}
	writeJSON(w, http.StatusOK, s.entry(name, spec))
}

// handlePut creates the server or merges the body into the existing record.
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var patch config.Patch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}

	status := http.StatusOK
	var err error
	if _, exists := s.store.Get(name); exists {
		err = s.store.Update(name, patch)
	} else {
		status = http.StatusCreated
		err = s.store.Add(name, patch.Spec())
	}
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	if err := s.store.Save(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	spec, _ := s.store.Get(name)
	writeJSON(w, status, s.entry(name, spec))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.store.Remove(name); err != nil {
		writeConfigError(w, err)
		return
	}
	if err := s.store.Save(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.sup.Forget(name)
	s.relay.Detach(name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	active, err := s.store.ToggleActive(name)
	if err != nil {
		writeConfigError(w, err)
		return
	}
	if err := s.store.Save(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"active": active})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	res, err := s.sup.Start(r.Context(), r.PathValue("name"))
	if err != nil {
		writeConfigError(w, err)
		return
	}
	writeJSON(w, statusFor(res.Outcome), newResultBody(res))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	res, err := s.sup.Stop(r.Context(), r.PathValue("name"))
	if err != nil {
		writeConfigError(w, err)
		return
	}
	writeJSON(w, statusFor(res.Outcome), newResultBody(res))
}

type restartBody struct {
	Success bool        `json:"success"`
	SSHDown bool        `json:"sshDown"`
	Stop    resultBody  `json:"stop"`
	Start   *resultBody `json:"start,omitempty"`
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	res, err := s.sup.Restart(r.Context(), r.PathValue("name"))
	if err != nil {
		writeConfigError(w, err)
		return
	}

	outcome := res.Outcome()
	body := restartBody{
		Success: outcome == supervisor.OK,
		SSHDown: outcome == supervisor.TransportDown,
		Stop:    newResultBody(res.Stop),
	}
	if res.Start != nil {
		start := newResultBody(res.Start)
		body.Start = &start
	}
	writeJSON(w, statusFor(outcome), body)
}

type statusBody struct {
	Name      string `json:"name"`
	Success   bool   `json:"success"`
	SSHDown   bool   `json:"sshDown"`
	Reachable bool   `json:"reachable"`
	Running   bool   `json:"running"`
	State     string `json:"state"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) newStatusBody(st *supervisor.StatusResult) statusBody {
	body := statusBody{
		Name:      st.Server,
		Success:   st.Reachable,
		SSHDown:   !st.Reachable,
		Reachable: st.Reachable,
		Running:   st.Running,
		State:     s.sup.State(st.Server).String(),
	}
	if st.Err != nil {
		body.SSHDown = false
		body.Error = st.Err.Error()
	}
	return body
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.sup.Status(r.Context(), r.PathValue("name"))
	if err != nil {
		writeConfigError(w, err)
		return
	}
	writeJSON(w, statusFor(st.Outcome), s.newStatusBody(st))
}

// handleStatusAll polls every active server. Unreachable hosts and
// configuration errors are reported per entry; the response itself is 200.
func (s *Server) handleStatusAll(w http.ResponseWriter, r *http.Request) {
	results := s.sup.StatusAll(r.Context(), s.store.ActiveNames())
	out := make([]statusBody, 0, len(results))
	for _, st := range results {
		out = append(out, s.newStatusBody(st))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	lines, err := queryInt(r, "lines", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := s.sup.TailLog(r.Context(), r.PathValue("name"), lines)
	if err != nil {
		writeConfigError(w, err)
		return
	}
	writeJSON(w, statusFor(res.Outcome), newResultBody(res))
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	spec, ok := s.store.Get(name)
	if !ok {
		writeConfigError(w, config.NewError(config.UnknownServer, name, ""))
		return
	}

	port := spec.HTTPPort
	if port == 0 {
		port = config.DefaultHTTPPort
	}
	writeJSON(w, http.StatusOK, s.prober.Probe(r.Context(), spec.Host, port))
}
