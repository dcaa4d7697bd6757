package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"dispatch/internal/domain"
	"dispatch/internal/tasks"
	"dispatch/internal/usecase/deleted"
	"dispatch/internal/usecase/largest"
	"dispatch/internal/usecase/talkscan"
)

const moduleTasks = "tasks"

// taskProgress serves the poll endpoint of one controller.
func (s *Server) taskProgress(ctl *taskController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		ctl.engine.SweepTask(id, true)

		resp, err := ctl.engine.HandleProgress(id)
		if errors.Is(err, tasks.ErrTaskMissing) {
			writeError(w, r, http.StatusNotFound, CodeTaskMissing, "no such task", moduleTasks)
			return
		}
		if resp.Finished {
			w.Header().Set("Location", "..")
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// taskResult serves the result endpoint of one controller.
func (s *Server) taskResult(ctl *taskController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		ctl.engine.SweepTask(id, true)

		result, err := ctl.engine.HandleResult(id)
		switch {
		case errors.Is(err, tasks.ErrTaskMissing):
			writeError(w, r, http.StatusNotFound, CodeTaskMissing, "no such task", moduleTasks)
		case errors.Is(err, tasks.ErrTaskUnfinished):
			writeError(w, r, http.StatusConflict, CodeTaskUnfinished, "task has not finished", moduleTasks)
		case err != nil:
			var failed *tasks.FailedError
			text := "task failed"
			if errors.As(err, &failed) {
				text = failed.Cause.Error()
			}
			writeError(w, r, http.StatusInternalServerError, CodeTaskUncaught, text, moduleTasks)
		default:
			writeJSON(w, http.StatusOK, result)
		}
	}
}

// spawn runs process on the controller unless the dedup cache still knows
// a live task for the same fingerprint, and answers 202 with the ticket.
func (s *Server) spawn(w http.ResponseWriter, r *http.Request, ctl *taskController, options any, process tasks.Process) {
	fingerprint, err := tasks.Fingerprint(options)
	if err != nil {
		s.logger.Warn("unfingerprintable job options", "error", err)
		fingerprint = ""
	}

	if fingerprint != "" {
		if existing, ok := ctl.dedup.Lookup(fingerprint); ok {
			s.answerTicket(w, ctl.engine.Ticket(existing))
			return
		}
	}

	task := ctl.engine.RunTask(context.Background(), process)
	if fingerprint != "" {
		ctl.dedup.Remember(fingerprint, task)
	}
	s.answerTicket(w, ctl.engine.Ticket(task))
}

func (s *Server) answerTicket(w http.ResponseWriter, ticket tasks.ProgressResponse) {
	w.Header().Set("Location", ticket.ID+"/progress")
	writeJSON(w, http.StatusAccepted, ticket)
}

// lookupWiki resolves a body-supplied dbname, answering 400 on failure.
func (s *Server) lookupWiki(w http.ResponseWriter, r *http.Request, dbname, module string) *domain.Wiki {
	wiki, err := s.sites.ByDBName(r.Context(), dbname)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, CodeGenericError, "site catalogue unavailable", module)
		return nil
	}
	if wiki == nil || !wiki.Supported() {
		writeError(w, r, http.StatusBadRequest, CodeUnsupportedWiki,
			fmt.Sprintf("wiki %q is unknown or not queryable", dbname), module)
		return nil
	}
	return wiki
}

func (s *Server) spawnDeleted(w http.ResponseWriter, r *http.Request) {
	const module = "deleted-revisions"

	var body deleted.Options
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.User == "" {
		writeError(w, r, http.StatusBadRequest, CodeGenericError, "user and wiki are required", module)
		return
	}
	wiki := s.lookupWiki(w, r, body.Wiki, module)
	if wiki == nil {
		return
	}

	user := domain.NormalizeUsername(body.User)
	options := deleted.Options{User: user, Wiki: wiki.DBName}

	s.spawn(w, r, s.deletedCtl, options, func(ctx context.Context, task *tasks.Task) (any, error) {
		return s.deletedJob.Run(ctx, *wiki, user, task)
	})
}

func (s *Server) spawnLargest(w http.ResponseWriter, r *http.Request) {
	const module = "largest-edits"

	var body largest.Options
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.User == "" {
		writeError(w, r, http.StatusBadRequest, CodeGenericError, "user and wiki are required", module)
		return
	}
	wiki := s.lookupWiki(w, r, body.Wiki, module)
	if wiki == nil {
		return
	}

	body.User = domain.NormalizeUsername(body.User)
	body.Wiki = wiki.DBName
	options := body

	s.spawn(w, r, s.largestCtl, options, func(ctx context.Context, task *tasks.Task) (any, error) {
		return s.largestJob.Run(ctx, *wiki, options, task)
	})
}

func (s *Server) spawnTalkScan(w http.ResponseWriter, r *http.Request) {
	const module = "search-talk"

	var body struct {
		User   string          `json:"user"`
		Wiki   string          `json:"wiki"`
		Filter json.RawMessage `json:"filter"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.User == "" {
		writeError(w, r, http.StatusBadRequest, CodeGenericError, "user and wiki are required", module)
		return
	}
	wiki := s.lookupWiki(w, r, body.Wiki, module)
	if wiki == nil {
		return
	}

	filter, err := talkscan.ParseFilter(body.Filter)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidFilter, err.Error(), module)
		return
	}

	user := domain.NormalizeUsername(body.User)
	options := talkscan.Options{User: user, Wiki: wiki.DBName, Filter: json.RawMessage(body.Filter)}

	s.spawn(w, r, s.talkCtl, options, func(ctx context.Context, task *tasks.Task) (any, error) {
		return s.talkScanner.Run(ctx, *wiki, user, filter, task)
	})
}
