package api

import (
	"bufio"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/NoHeadDotDev/minifly/pkg/apierr"
	"github.com/NoHeadDotDev/minifly/pkg/utils"
)

// handleMachineLogs serves container logs. With ?follow=true it upgrades to
// an SSE stream with heartbeats and a cursor usable for reconnection (via
// Last-Event-ID or ?since=); otherwise it reads the whole backlog and
// returns it as a JSON array of lines (§4.8).
func (s *Server) handleMachineLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	mach, err := s.Store.GetMachine(id)
	if err != nil {
		writeError(w, entryFromRequest(r, s.Log), err)
		return
	}
	if mach.ContainerID == "" {
		writeError(w, entryFromRequest(r, s.Log), apierr.New(apierr.NotFound, "machine %s has no container yet", id))
		return
	}

	since := r.Header.Get("Last-Event-ID")
	if since == "" {
		since = r.URL.Query().Get("since")
	}

	if r.URL.Query().Get("follow") != "true" {
		s.handleMachineLogsOnce(w, r, mach.ContainerID, since)
		return
	}
	s.handleMachineLogsFollow(w, r, mach.ContainerID, since)
}

func (s *Server) handleMachineLogsOnce(w http.ResponseWriter, r *http.Request, cid, since string) {
	rc, err := s.Manager.Runtime.Logs(r.Context(), cid, since)
	if err != nil {
		writeError(w, entryFromRequest(r, s.Log), err)
		return
	}
	defer rc.Close()

	lines := make([]string, 0, 256)
	scanner := bufio.NewScanner(rc)
	for scanner.Scan() {
		lines = append(lines, utils.NormalizeLinefeeds(scanner.Text()))
	}
	writeJSON(w, http.StatusOK, lines)
}

func (s *Server) handleMachineLogsFollow(w http.ResponseWriter, r *http.Request, cid, since string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, entryFromRequest(r, s.Log), apierr.New(apierr.Internal, "streaming unsupported by response writer"))
		return
	}

	rc, err := s.Manager.Runtime.Logs(r.Context(), cid, since)
	if err != nil {
		writeError(w, entryFromRequest(r, s.Log), err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := s.Cfg.UserConfig.Server.SSEHeartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}

	lineCh := make(chan string)
	go func() {
		defer close(lineCh)
		scanner := bufio.NewScanner(rc)
		for scanner.Scan() {
			select {
			case lineCh <- utils.NormalizeLinefeeds(scanner.Text()):
			case <-r.Context().Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case line, ok := <-lineCh:
			if !ok {
				return
			}
			cursor := time.Now().UTC().Format(time.RFC3339Nano)
			fmt.Fprintf(w, "id: %s\ndata: %s\n\n", cursor, line)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}
