package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/hochfrequenz/agent-factory/internal/domain"
	"github.com/hochfrequenz/agent-factory/internal/factory"
)

func (s *Server) startAutopilotHandler() http.HandlerFunc {
	type request struct {
		MaxParallel int `json:"maxParallel"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST")
			return
		}

		// The backlog is the todo column at start time
		tasks, err := s.store.ListTasks(s.projectID, domain.TaskTodo)
		if err != nil {
			writeSchedulerError(w, err)
			return
		}
		backlog := make([]string, 0, len(tasks))
		for _, t := range tasks {
			backlog = append(backlog, t.ID)
		}

		session, err := s.autopilot.Start(r.Context(), s.projectID, backlog, req.MaxParallel)
		if err != nil {
			writeSchedulerError(w, err)
			return
		}
		writeJSON(w, map[string]interface{}{
			"autopilotRunId": session.ID,
			"started":        true,
		})
	}
}

func (s *Server) startBatchHandler() http.HandlerFunc {
	type request struct {
		Source         string   `json:"source"` // column | selection
		ColumnStatus   string   `json:"columnStatus,omitempty"`
		TaskIDs        []string `json:"taskIds,omitempty"`
		MaxParallel    int      `json:"maxParallel"`
		AgentProfileID string   `json:"agentProfileId,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST")
			return
		}

		mode := domain.ModeColumn
		if req.Source == string(domain.ModeSelection) {
			mode = domain.ModeSelection
		}

		run, err := s.scheduler.StartBatch(r.Context(), factory.BatchRequest{
			ProjectID:    s.projectID,
			Mode:         mode,
			ColumnStatus: domain.TaskStatus(req.ColumnStatus),
			TaskIDs:      req.TaskIDs,
			MaxParallel:  req.MaxParallel,
			ProfileID:    req.AgentProfileID,
		})
		if err != nil {
			writeSchedulerError(w, err)
			return
		}
		writeJSON(w, map[string]interface{}{
			"runId":     run.ID,
			"taskCount": run.TaskCount,
			"started":   true,
		})
	}
}

func (s *Server) stopHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cancelled, err := s.scheduler.Stop(s.projectID)
		if err != nil {
			writeSchedulerError(w, err)
			return
		}
		// Idempotent: stopping with nothing active reports zero cancellations
		writeJSON(w, map[string]interface{}{
			"stopped":           true,
			"cancelledAttempts": cancelled,
		})
	}
}

func (s *Server) rerunHandler() http.HandlerFunc {
	type request struct {
		SourceRunID     string   `json:"sourceRunId"`
		Mode            string   `json:"mode"` // failed | selected
		SelectedTaskIDs []string `json:"selectedTaskIds,omitempty"`
		MaxParallel     int      `json:"maxParallel,omitempty"`
		AgentProfileID  string   `json:"agentProfileId,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST")
			return
		}

		run, err := s.scheduler.Rerun(r.Context(), req.SourceRunID, req.Mode, req.SelectedTaskIDs, req.MaxParallel, req.AgentProfileID)
		if err != nil {
			writeSchedulerError(w, err)
			return
		}
		writeJSON(w, map[string]interface{}{
			"started":   true,
			"newRunId":  run.ID,
			"taskCount": run.TaskCount,
		})
	}
}

func (s *Server) approveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		session, err := s.autopilot.Approve(r.Context())
		if err != nil {
			writeSchedulerError(w, err)
			return
		}
		writeJSON(w, map[string]interface{}{
			"autopilotRunId": session.ID,
			"state":          string(session.State),
			"batchIndex":     session.BatchIndex,
		})
	}
}

func (s *Server) getRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := s.store.GetRun(r.PathValue("id"))
		if err != nil {
			writeSchedulerError(w, err)
			return
		}
		if run == nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND")
			return
		}
		attempts, err := s.store.ListAttemptsByRun(run.ID)
		if err != nil {
			writeSchedulerError(w, err)
			return
		}
		writeJSON(w, map[string]interface{}{
			"run":      run,
			"attempts": attempts,
		})
	}
}

func (s *Server) applyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appliedBy := r.Header.Get("X-Applied-By")
		if appliedBy == "" {
			appliedBy = "api"
		}

		res, err := s.scheduler.Apply(r.PathValue("id"), appliedBy)
		if err != nil {
			writeSchedulerError(w, err)
			return
		}
		writeJSON(w, map[string]interface{}{
			"success":     res.MergeStatus == domain.MergeMerged,
			"mergeStatus": string(res.MergeStatus),
			"appliedAt":   res.AppliedAt,
			"applyError":  res.ApplyError,
			"log":         res.Log,
		})
	}
}

func (s *Server) logsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 200
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}

		entries, err := s.store.TailLogs(r.PathValue("id"), limit)
		if err != nil {
			writeSchedulerError(w, err)
			return
		}
		writeJSON(w, map[string]interface{}{"logs": entries})
	}
}

func (s *Server) autofixHandler() http.HandlerFunc {
	type request struct {
		MaxParallel    int    `json:"maxParallel,omitempty"`
		AgentProfileID string `json:"agentProfileId,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		prNumber, err := strconv.Atoi(r.PathValue("number"))
		if err != nil || prNumber <= 0 {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST")
			return
		}

		var req request
		if r.Body != nil {
			json.NewDecoder(r.Body).Decode(&req)
		}

		res, err := s.fixer.FixPR(r.Context(), s.projectID, prNumber, req.MaxParallel, req.AgentProfileID)
		if err != nil {
			writeSchedulerError(w, err)
			return
		}
		writeJSON(w, map[string]interface{}{
			"started": true,
			"taskId":  res.TaskID,
			"runId":   res.RunID,
		})
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := s.store.ActiveRun(s.projectID)
		if err != nil {
			writeSchedulerError(w, err)
			return
		}

		resp := map[string]interface{}{
			"projectId": s.projectID,
			"active":    run != nil,
		}
		if run != nil {
			resp["run"] = run
		}
		if session := s.autopilot.Current(); session != nil {
			resp["autopilot"] = map[string]interface{}{
				"id":         session.ID,
				"state":      string(session.State),
				"batchIndex": session.BatchIndex,
				"remaining":  session.RemainingBatches(),
			}
		}
		writeJSON(w, resp)
	}
}
