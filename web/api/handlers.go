package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/cognitionflow/orchestrator/internal/orchestrator"
)

// OptionsResponse lists the selectable catalog entries for run creation.
type OptionsResponse struct {
	Templates []templateOption   `json:"templates"`
	Models    []catalogOption    `json:"models"`
	Modes     []catalogOption    `json:"agent_modes"`
	Formats   []catalogOption    `json:"output_formats"`
}

type catalogOption struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type templateOption struct {
	catalogOption
	OutputFiles []string `json:"output_files,omitempty"`
}

func (s *Server) runsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req orchestrator.CreateRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
				return
			}
			view, err := s.runs.CreateRun(req)
			if err != nil {
				writeRunError(w, err)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(view)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

// runHandler dispatches /api/runs/{id} and its sub-resources:
// cancel, stream, ws, artifacts/{filename}.
func (s *Server) runHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/runs/")
		if rest == "" {
			writeError(w, http.StatusBadRequest, "run ID required")
			return
		}

		id, sub, _ := strings.Cut(rest, "/")
		switch {
		case sub == "":
			s.getRun(w, r, id)
		case sub == "cancel":
			s.cancelRun(w, r, id)
		case sub == "stream":
			s.streamRun(w, r, id)
		case sub == "ws":
			s.streamRunWS(w, r, id)
		case strings.HasPrefix(sub, "artifacts/"):
			s.downloadArtifact(w, r, id, strings.TrimPrefix(sub, "artifacts/"))
		default:
			writeError(w, http.StatusNotFound, "unknown resource")
		}
	}
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	view, err := s.runs.GetRun(id)
	if err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, view)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.runs.CancelRun(id); err != nil {
		writeRunError(w, err)
		return
	}
	writeJSON(w, map[string]string{"status": "cancelling"})
}

func (s *Server) downloadArtifact(w http.ResponseWriter, r *http.Request, id, filename string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if filename == "" {
		writeError(w, http.StatusBadRequest, "artifact filename required")
		return
	}
	path, err := s.runs.ArtifactPath(id, filename)
	if err != nil {
		writeRunError(w, err)
		return
	}
	w.Header().Set("Content-Disposition", "attachment; filename=\""+filename+"\"")
	http.ServeFile(w, r, path)
}

func (s *Server) historyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		limit := queryInt(r, "limit", 50)
		offset := queryInt(r, "offset", 0)
		records, err := s.runs.History(limit, offset)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, records)
	}
}

func (s *Server) metricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		metrics, err := s.runs.Metrics()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, metrics)
	}
}

func (s *Server) optionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		resp := OptionsResponse{}
		for _, t := range s.catalog.Templates() {
			resp.Templates = append(resp.Templates, templateOption{
				catalogOption: catalogOption{ID: t.ID, Name: t.Name, Description: t.Description},
				OutputFiles:   t.OutputFiles,
			})
		}
		for _, m := range s.catalog.Models() {
			resp.Models = append(resp.Models, catalogOption(m))
		}
		for _, m := range s.catalog.Modes() {
			resp.Modes = append(resp.Modes, catalogOption(m))
		}
		for _, f := range s.catalog.Formats() {
			resp.Formats = append(resp.Formats, catalogOption(f))
		}
		writeJSON(w, resp)
	}
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	}
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
