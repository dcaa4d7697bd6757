package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"dispatch/internal/domain"
	"dispatch/internal/expander"
)

const (
	// expandTimeout is the wall-clock budget for one request's batch
	// resolution.
	expandTimeout = 10 * time.Second

	// getRevisionLimit caps the GET variant; POST has no hard bound.
	getRevisionLimit = 50

	moduleRevisions = "revisions"
)

type revisionsResponse struct {
	Version   int                       `json:"version"`
	Revisions map[int64]domain.Revision `json:"revisions"`
}

func (s *Server) getRevisions(w http.ResponseWriter, r *http.Request) {
	wiki := s.resolveWiki(w, r, http.StatusUnprocessableEntity, moduleRevisions)
	if wiki == nil {
		return
	}

	raw := r.URL.Query().Get("revisions")
	ids, code := parsePipeList(raw)
	if code != "" {
		writeError(w, r, http.StatusUnprocessableEntity, code, "invalid revisions parameter", moduleRevisions)
		return
	}
	if len(ids) > getRevisionLimit {
		writeError(w, r, http.StatusForbidden, CodeMethodLimited,
			fmt.Sprintf("at most %d revisions per GET request", getRevisionLimit), moduleRevisions)
		return
	}

	s.respondExpanded(w, r, *wiki, ids)
}

func (s *Server) postRevisions(w http.ResponseWriter, r *http.Request) {
	wiki := s.resolveWiki(w, r, http.StatusUnprocessableEntity, moduleRevisions)
	if wiki == nil {
		return
	}

	var body struct {
		Revisions json.RawMessage `json:"revisions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Revisions) == 0 {
		writeError(w, r, http.StatusUnprocessableEntity, CodeRevisionsMissing, "missing revisions field", moduleRevisions)
		return
	}

	ids, code := parseRevisionsField(body.Revisions)
	if code != "" {
		writeError(w, r, http.StatusUnprocessableEntity, code, "invalid revisions field", moduleRevisions)
		return
	}

	s.respondExpanded(w, r, *wiki, ids)
}

// respondExpanded serves warm entries from the revision store and batches
// the rest through the expander under the wall-clock budget.
func (s *Server) respondExpanded(w http.ResponseWriter, r *http.Request, wiki domain.Wiki, ids []int64) {
	result := make(map[int64]domain.Revision, len(ids))

	var cold []int64
	for _, id := range ids {
		if rev, ok := s.store.Get(wiki.DBName, id); ok {
			result[id] = rev
			continue
		}
		cold = append(cold, id)
	}

	if len(cold) > 0 {
		handles := s.expanders.For(wiki).Queue(cold)

		ctx, cancel := context.WithTimeout(r.Context(), expandTimeout)
		defer cancel()

		for id, handle := range handles {
			rev, err := handle.Wait(ctx)
			if errors.Is(err, context.DeadlineExceeded) {
				s.logger.Warn("revision expansion timed out",
					"wiki", wiki.DBName, "pending", pendingIDs(handles))
				writeError(w, r, http.StatusInternalServerError, CodeExpanderTimeout,
					"revision batch did not resolve in time", moduleRevisions)
				return
			}
			if err != nil {
				writeError(w, r, http.StatusInternalServerError, CodeGenericError,
					"upstream revision query failed", moduleRevisions)
				return
			}
			result[id] = rev
			s.store.Set(wiki.DBName, id, rev)
		}
	}

	writeJSON(w, http.StatusOK, revisionsResponse{Version: 1, Revisions: result})
}

// pendingIDs collects the ids still unresolved, for the timeout log line.
func pendingIDs(handles map[int64]*expander.Pending) []int64 {
	probe, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()

	var pending []int64
	for id, handle := range handles {
		if _, err := handle.Wait(probe); err != nil {
			pending = append(pending, id)
		}
	}
	return pending
}

// resolveWiki maps the path's dbname to a supported wiki or writes the
// unsupportedwiki error with the given status.
func (s *Server) resolveWiki(w http.ResponseWriter, r *http.Request, status int, module string) *domain.Wiki {
	dbname := mux.Vars(r)["wiki"]
	wiki, err := s.sites.ByDBName(r.Context(), dbname)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeGenericError, "site catalogue unavailable", module)
		return nil
	}
	if wiki == nil || !wiki.Supported() {
		writeError(w, r, status, CodeUnsupportedWiki,
			fmt.Sprintf("wiki %q is unknown or not queryable", dbname), module)
		return nil
	}
	return wiki
}

// parsePipeList parses the pipe-delimited GET form. The returned code is
// "" on success, otherwise the taxonomy code to report.
func parsePipeList(raw string) ([]int64, string) {
	if strings.TrimSpace(raw) == "" {
		return nil, CodeRevisionsMissing
	}

	var ids []int64
	seen := map[int64]bool{}
	for _, field := range strings.Split(raw, "|") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil || id < 1 {
			return nil, CodeBadInteger
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, CodeRevisionsMissing
	}
	return ids, ""
}

// parseRevisionsField accepts the POST shapes: a number, a number array,
// or the pipe-delimited string.
func parseRevisionsField(raw json.RawMessage) ([]int64, string) {
	var single json.Number
	if err := json.Unmarshal(raw, &single); err == nil {
		id, err := single.Int64()
		if err != nil || id < 1 {
			return nil, CodeBadInteger
		}
		return []int64{id}, ""
	}

	var many []json.Number
	if err := json.Unmarshal(raw, &many); err == nil {
		if len(many) == 0 {
			return nil, CodeRevisionsMissing
		}
		var ids []int64
		seen := map[int64]bool{}
		for _, number := range many {
			id, err := number.Int64()
			if err != nil || id < 1 {
				return nil, CodeBadInteger
			}
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		return ids, ""
	}

	var piped string
	if err := json.Unmarshal(raw, &piped); err == nil {
		return parsePipeList(piped)
	}

	return nil, CodeBadInteger
}
