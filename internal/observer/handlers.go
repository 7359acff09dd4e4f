package observer

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/latitude-dev/latitude-llm-sub007/pkg/activework"
	"github.com/latitude-dev/latitude-llm-sub007/pkg/eventstream"
)

const defaultPageSize = 25

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func projectScope(r *http.Request) (activework.ProjectScope, error) {
	ws, err := strconv.ParseInt(chi.URLParam(r, "workspaceID"), 10, 64)
	if err != nil {
		return activework.ProjectScope{}, errors.New("workspace id must be an integer")
	}
	proj, err := strconv.ParseInt(chi.URLParam(r, "projectID"), 10, 64)
	if err != nil {
		return activework.ProjectScope{}, errors.New("project id must be an integer")
	}
	scope := activework.ProjectScope{WorkspaceID: ws, ProjectID: proj}
	return scope, scope.Validate()
}

// pagination reads page and pageSize; pageSize=0 asks for every item.
func pagination(r *http.Request) (int, int, error) {
	page, pageSize := 1, defaultPageSize
	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return 0, 0, errors.Errorf("invalid page %q", v)
		}
		page = n
	}
	if v := q.Get("pageSize"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, errors.Errorf("invalid pageSize %q", v)
		}
		pageSize = n
	}
	return page, pageSize, nil
}

func (s *Server) listProjectRuns(w http.ResponseWriter, r *http.Request) {
	scope, err := projectScope(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	page, pageSize, err := pagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := s.registries.ProjectRuns.List(r.Context(), scope, page, pageSize)
	if err != nil {
		s.logger.WithError(err).Error("failed to list project runs")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) listDocumentRuns(w http.ResponseWriter, r *http.Request) {
	project, err := projectScope(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	scope := activework.DocumentScope{
		WorkspaceID:  project.WorkspaceID,
		ProjectID:    project.ProjectID,
		DocumentUUID: chi.URLParam(r, "documentUUID"),
	}
	if err := scope.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	page, pageSize, err := pagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := s.registries.DocumentRuns.List(r.Context(), scope, page, pageSize)
	if err != nil {
		s.logger.WithError(err).Error("failed to list document runs")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) listProjectEvaluations(w http.ResponseWriter, r *http.Request) {
	scope, err := projectScope(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	page, pageSize, err := pagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := s.registries.ProjectEvaluations.List(r.Context(), scope, page, pageSize)
	if err != nil {
		s.logger.WithError(err).Error("failed to list project evaluations")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// readStream performs one stream read. 204 means nothing arrived in time.
func (s *Server) readStream(w http.ResponseWriter, r *http.Request) {
	var timeout time.Duration
	if v := r.URL.Query().Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, errors.Errorf("invalid timeout %q", v))
			return
		}
		if d > 0 && d < eventstream.MinBlock {
			writeError(w, http.StatusBadRequest, errors.Errorf("timeout %q must be 0 or at least %s", v, eventstream.MinBlock))
			return
		}
		timeout = d
	}
	if s.cfg.MaxReadTimeout > 0 && timeout > s.cfg.MaxReadTimeout {
		timeout = s.cfg.MaxReadTimeout
	}

	stream, err := eventstream.New(s.client, chi.URLParam(r, "namespace"), chi.URLParam(r, "channelID"), s.streamCfg, s.logger)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer stream.Close()

	result, err := stream.Read(r.Context(), eventstream.ReadOptions{
		LastID:  r.URL.Query().Get("lastId"),
		Timeout: timeout,
	})
	if err != nil {
		s.logger.WithError(err).WithField("stream", stream.Key()).Error("failed to read stream")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if result == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
