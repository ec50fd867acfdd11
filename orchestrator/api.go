package main

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orchon-labs/orchon-go/internal/domain"
	"github.com/orchon-labs/orchon-go/internal/orchestration"
	"github.com/orchon-labs/orchon-go/internal/platform/auditlog"
	"github.com/orchon-labs/orchon-go/internal/platform/auth"
	"github.com/orchon-labs/orchon-go/internal/repo"
	"github.com/orchon-labs/orchon-go/internal/repo/postgres"
	"github.com/orchon-labs/orchon-go/internal/service/transitions"
	"github.com/orchon-labs/orchon-go/internal/storage/statedata"
)

type orchestratorAPI struct {
	logger  *slog.Logger
	db      *sql.DB
	archive *statedata.Archive
	rules   []orchestration.Rule

	runTokenSecret string
	runTokenTTL    time.Duration
}

func newOrchestratorAPI(
	logger *slog.Logger,
	db *sql.DB,
	archive *statedata.Archive,
	rules []orchestration.Rule,
	runTokenSecret string,
	runTokenTTL time.Duration,
) *orchestratorAPI {
	return &orchestratorAPI{
		logger:         logger,
		db:             db,
		archive:        archive,
		rules:          rules,
		runTokenSecret: strings.TrimSpace(runTokenSecret),
		runTokenTTL:    runTokenTTL,
	}
}

func (api *orchestratorAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /task-runs", api.handleCreateRun(domain.KindTaskRun))
	mux.HandleFunc("GET /task-runs", api.handleListRuns(domain.KindTaskRun))
	mux.HandleFunc("GET /task-runs/{run_id}", api.handleGetRun(domain.KindTaskRun))
	mux.HandleFunc("POST /task-runs/{run_id}/set-state", api.handleSetState(domain.KindTaskRun))
	mux.HandleFunc("GET /task-runs/{run_id}/states", api.handleListStates(domain.KindTaskRun))
	mux.HandleFunc("GET /task-runs/{run_id}/states/{state_id}/data", api.handleGetStateData(domain.KindTaskRun))
	mux.HandleFunc("DELETE /task-runs/{run_id}/states/{state_id}/data", api.handleDeleteStateData(domain.KindTaskRun))

	mux.HandleFunc("POST /flow-runs", api.handleCreateRun(domain.KindFlowRun))
	mux.HandleFunc("GET /flow-runs", api.handleListRuns(domain.KindFlowRun))
	mux.HandleFunc("GET /flow-runs/{run_id}", api.handleGetRun(domain.KindFlowRun))
	mux.HandleFunc("POST /flow-runs/{run_id}/set-state", api.handleSetState(domain.KindFlowRun))
	mux.HandleFunc("GET /flow-runs/{run_id}/states", api.handleListStates(domain.KindFlowRun))
	mux.HandleFunc("GET /flow-runs/{run_id}/states/{state_id}/data", api.handleGetStateData(domain.KindFlowRun))
	mux.HandleFunc("DELETE /flow-runs/{run_id}/states/{state_id}/data", api.handleDeleteStateData(domain.KindFlowRun))
}

type stateRequest struct {
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

type createRunRequest struct {
	Name  string        `json:"name"`
	State *stateRequest `json:"state,omitempty"`
}

type runResponse struct {
	ID                     string     `json:"id"`
	Kind                   string     `json:"kind"`
	Name                   string     `json:"name"`
	StateID                *string    `json:"state_id,omitempty"`
	StateType              string     `json:"state_type,omitempty"`
	StartTime              *time.Time `json:"start_time,omitempty"`
	EndTime                *time.Time `json:"end_time,omitempty"`
	ExpectedStartTime      *time.Time `json:"expected_start_time,omitempty"`
	NextScheduledStartTime *time.Time `json:"next_scheduled_start_time,omitempty"`
	RunCount               int        `json:"run_count"`
	TotalRunTimeMs         int64      `json:"total_run_time_ms"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

type stateResponse struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

type transitionResponse struct {
	Status string         `json:"status"`
	Reason string         `json:"reason,omitempty"`
	Run    runResponse    `json:"run"`
	State  *stateResponse `json:"state,omitempty"`
}

func toRunResponse(run domain.Run) runResponse {
	resp := runResponse{
		ID:                     run.ID.String(),
		Kind:                   string(run.Kind),
		Name:                   run.Name,
		StateType:              string(run.StateType),
		StartTime:              run.StartTime,
		EndTime:                run.EndTime,
		ExpectedStartTime:      run.ExpectedStartTime,
		NextScheduledStartTime: run.NextScheduledStartTime,
		RunCount:               run.RunCount,
		TotalRunTimeMs:         run.TotalRunTime.Milliseconds(),
		CreatedAt:              run.CreatedAt,
		UpdatedAt:              run.UpdatedAt,
	}
	if run.StateID != nil {
		id := run.StateID.String()
		resp.StateID = &id
	}
	return resp
}

func toStateResponse(state domain.State) stateResponse {
	return stateResponse{
		ID:        state.ID.String(),
		Type:      string(state.Type),
		Timestamp: state.Timestamp,
		Message:   state.Message,
		Details:   state.Details,
	}
}

// runTokenIdentity reports whether the identity was minted from a run token
// rather than signed gateway headers.
func runTokenIdentity(identity auth.Identity) bool {
	_, _, ok := auth.ParseRunTokenSubject(identity.Subject)
	return ok
}

// runScopeAllowed reports whether the identity may touch the given run. A
// gateway identity may touch any run; a run-token identity only the run the
// token was minted for.
func runScopeAllowed(identity auth.Identity, kind domain.RunKind, runID uuid.UUID) bool {
	tokenRunID, tokenKind, ok := auth.ParseRunTokenSubject(identity.Subject)
	if !ok {
		return true
	}
	if tokenRunID != runID.String() {
		return false
	}
	return tokenKind == "" || tokenKind == string(kind)
}

func parseProposal(kind domain.RunKind, runID uuid.UUID, req stateRequest) (transitions.Proposal, error) {
	stateType, err := domain.ParseStateType(req.Type)
	if err != nil {
		return transitions.Proposal{}, err
	}
	var timestamp time.Time
	if strings.TrimSpace(req.Timestamp) != "" {
		timestamp, err = time.Parse(time.RFC3339Nano, strings.TrimSpace(req.Timestamp))
		if err != nil {
			return transitions.Proposal{}, errors.New("timestamp must be RFC 3339")
		}
	}
	return transitions.Proposal{
		Kind:      kind,
		RunID:     runID,
		Type:      stateType,
		Timestamp: timestamp,
		Message:   req.Message,
		Details:   domain.Details(req.Details),
	}, nil
}

func (api *orchestratorAPI) handleCreateRun(kind domain.RunKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := auth.IdentityFromContext(r.Context())
		if !ok || strings.TrimSpace(identity.Subject) == "" {
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		if runTokenIdentity(identity) {
			api.writeError(w, r, http.StatusForbidden, "forbidden")
			return
		}

		var req createRunRequest
		if err := decodeJSON(r, &req); err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			api.writeError(w, r, http.StatusBadRequest, "name_required")
			return
		}

		var initial *transitions.Proposal
		if req.State != nil {
			proposal, err := parseProposal(kind, uuid.Nil, *req.State)
			if err != nil {
				api.writeError(w, r, http.StatusBadRequest, "invalid_state")
				return
			}
			initial = &proposal
		}

		tx, err := api.db.BeginTx(r.Context(), nil)
		if err != nil {
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		defer func() { _ = tx.Rollback() }()

		service := transitions.New(postgres.NewRunStore(tx), postgres.NewStateStore(tx), api.rules)
		result, err := service.CreateRun(r.Context(), kind, req.Name, initial)
		if err != nil {
			api.logger.Error("create run failed", "request_id", r.Header.Get("X-Request-Id"), "error", err.Error())
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}

		now := time.Now().UTC()
		_, err = auditlog.Insert(r.Context(), tx, auditlog.Event{
			OccurredAt:   now,
			Actor:        identity.Subject,
			Action:       "run.created",
			ResourceType: string(kind) + "_run",
			ResourceID:   result.Run.ID.String(),
			RequestID:    r.Header.Get("X-Request-Id"),
			IP:           requestIP(r.RemoteAddr),
			UserAgent:    r.UserAgent(),
			Payload: map[string]any{
				"service": "orchestrator",
				"kind":    string(kind),
				"name":    result.Run.Name,
			},
		})
		if err != nil {
			api.writeError(w, r, http.StatusInternalServerError, "audit_failed")
			return
		}

		if err := tx.Commit(); err != nil {
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}

		api.offloadStateData(r, kind, result)

		body := map[string]any{
			"run":    toRunResponse(result.Run),
			"status": string(result.Status),
		}
		if result.State != nil {
			body["state"] = toStateResponse(*result.State)
		}
		if api.runTokenSecret != "" {
			token, err := auth.GenerateRunToken(api.runTokenSecret, auth.RunTokenClaims{
				RunID:         result.Run.ID.String(),
				Kind:          string(kind),
				ExpiresAtUnix: now.Add(api.runTokenTTL).Unix(),
			}, now)
			if err == nil {
				body["run_token"] = token
			} else {
				api.logger.Warn("run token mint failed", "request_id", r.Header.Get("X-Request-Id"), "error", err.Error())
			}
		}
		api.writeJSON(w, http.StatusCreated, body)
	}
}

func (api *orchestratorAPI) handleSetState(kind domain.RunKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := auth.IdentityFromContext(r.Context())
		if !ok || strings.TrimSpace(identity.Subject) == "" {
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}

		runID, err := uuid.Parse(r.PathValue("run_id"))
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_run_id")
			return
		}
		if !runScopeAllowed(identity, kind, runID) {
			api.writeError(w, r, http.StatusForbidden, "forbidden")
			return
		}

		var req stateRequest
		if err := decodeJSON(r, &req); err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		proposal, err := parseProposal(kind, runID, req)
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_state")
			return
		}

		tx, err := api.db.BeginTx(r.Context(), nil)
		if err != nil {
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		defer func() { _ = tx.Rollback() }()

		service := transitions.New(postgres.NewRunStore(tx), postgres.NewStateStore(tx), api.rules)
		result, err := service.ProposeTransition(r.Context(), proposal)
		if err != nil {
			switch {
			case errors.Is(err, repo.ErrLocked):
				api.writeError(w, r, http.StatusConflict, "conflict")
			case errors.Is(err, repo.ErrNotFound):
				api.writeError(w, r, http.StatusNotFound, "not_found")
			default:
				var ruleErr *orchestration.RuleError
				if errors.As(err, &ruleErr) {
					api.logger.Error("orchestration rule failed",
						"request_id", r.Header.Get("X-Request-Id"),
						"rule", ruleErr.Rule,
						"phase", ruleErr.Phase,
						"error", ruleErr.Error())
					api.writeError(w, r, http.StatusInternalServerError, "orchestration_failed")
					return
				}
				api.logger.Error("set state failed", "request_id", r.Header.Get("X-Request-Id"), "error", err.Error())
				api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			}
			return
		}

		_, err = auditlog.Insert(r.Context(), tx, auditlog.Event{
			OccurredAt:   time.Now().UTC(),
			Actor:        identity.Subject,
			Action:       "run.transition." + strings.ToLower(string(result.Status)),
			ResourceType: string(kind) + "_run",
			ResourceID:   runID.String(),
			RequestID:    r.Header.Get("X-Request-Id"),
			IP:           requestIP(r.RemoteAddr),
			UserAgent:    r.UserAgent(),
			Payload: map[string]any{
				"service":  "orchestrator",
				"kind":     string(kind),
				"proposed": string(proposal.Type),
				"status":   string(result.Status),
				"reason":   result.Reason,
			},
		})
		if err != nil {
			api.writeError(w, r, http.StatusInternalServerError, "audit_failed")
			return
		}

		if err := tx.Commit(); err != nil {
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}

		api.offloadStateData(r, kind, result)

		resp := transitionResponse{
			Status: string(result.Status),
			Reason: result.Reason,
			Run:    toRunResponse(result.Run),
		}
		if result.State != nil {
			state := toStateResponse(*result.State)
			resp.State = &state
		}
		api.writeJSON(w, http.StatusOK, resp)
	}
}

// offloadStateData archives the committed state's data payload once the
// transaction is durable. Failures are logged, not surfaced: the payload can
// be re-read from the state row.
func (api *orchestratorAPI) offloadStateData(r *http.Request, kind domain.RunKind, result transitions.Result) {
	if api.archive == nil || result.State == nil {
		return
	}
	if _, err := api.archive.Offload(r.Context(), kind, result.Run.ID, *result.State); err != nil {
		api.logger.Warn("state data offload failed",
			"request_id", r.Header.Get("X-Request-Id"),
			"run_id", result.Run.ID.String(),
			"state_id", result.State.ID.String(),
			"error", err.Error())
	}
}

func (api *orchestratorAPI) handleGetRun(kind domain.RunKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID, err := uuid.Parse(r.PathValue("run_id"))
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_run_id")
			return
		}
		if identity, ok := auth.IdentityFromContext(r.Context()); ok && !runScopeAllowed(identity, kind, runID) {
			api.writeError(w, r, http.StatusForbidden, "forbidden")
			return
		}
		run, err := postgres.NewRunStore(api.db).GetRun(r.Context(), kind, runID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				api.writeError(w, r, http.StatusNotFound, "not_found")
				return
			}
			api.logger.Error("get run failed", "request_id", r.Header.Get("X-Request-Id"), "error", err.Error())
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		api.writeJSON(w, http.StatusOK, toRunResponse(run))
	}
}

func (api *orchestratorAPI) handleListRuns(kind domain.RunKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if identity, ok := auth.IdentityFromContext(r.Context()); ok && runTokenIdentity(identity) {
			api.writeError(w, r, http.StatusForbidden, "forbidden")
			return
		}
		filter := repo.RunFilter{Kind: kind}
		if raw := strings.TrimSpace(r.URL.Query().Get("state_type")); raw != "" {
			stateType, err := domain.ParseStateType(raw)
			if err != nil {
				api.writeError(w, r, http.StatusBadRequest, "invalid_state_type")
				return
			}
			filter.StateType = stateType
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit < 1 {
				api.writeError(w, r, http.StatusBadRequest, "invalid_limit")
				return
			}
			filter.Limit = limit
		}

		runs, err := postgres.NewRunStore(api.db).ListRuns(r.Context(), filter)
		if err != nil {
			api.logger.Error("list runs failed", "request_id", r.Header.Get("X-Request-Id"), "error", err.Error())
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		out := make([]runResponse, 0, len(runs))
		for _, run := range runs {
			out = append(out, toRunResponse(run))
		}
		api.writeJSON(w, http.StatusOK, map[string]any{"runs": out})
	}
}

func (api *orchestratorAPI) handleListStates(kind domain.RunKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID, err := uuid.Parse(r.PathValue("run_id"))
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_run_id")
			return
		}
		if identity, ok := auth.IdentityFromContext(r.Context()); ok && !runScopeAllowed(identity, kind, runID) {
			api.writeError(w, r, http.StatusForbidden, "forbidden")
			return
		}
		limit := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit < 1 {
				api.writeError(w, r, http.StatusBadRequest, "invalid_limit")
				return
			}
		}

		if _, err := postgres.NewRunStore(api.db).GetRun(r.Context(), kind, runID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				api.writeError(w, r, http.StatusNotFound, "not_found")
				return
			}
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}

		states, err := postgres.NewStateStore(api.db).ListStates(r.Context(), kind, runID, limit)
		if err != nil {
			api.logger.Error("list states failed", "request_id", r.Header.Get("X-Request-Id"), "error", err.Error())
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		out := make([]stateResponse, 0, len(states))
		for _, state := range states {
			out = append(out, toStateResponse(state))
		}
		api.writeJSON(w, http.StatusOK, map[string]any{"states": out})
	}
}

func (api *orchestratorAPI) handleGetStateData(kind domain.RunKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID, err := uuid.Parse(r.PathValue("run_id"))
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_run_id")
			return
		}
		stateID, err := uuid.Parse(r.PathValue("state_id"))
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_state_id")
			return
		}
		if identity, ok := auth.IdentityFromContext(r.Context()); ok && !runScopeAllowed(identity, kind, runID) {
			api.writeError(w, r, http.StatusForbidden, "forbidden")
			return
		}
		if api.archive == nil {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}

		if _, err := postgres.NewStateStore(api.db).GetState(r.Context(), kind, runID, stateID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				api.writeError(w, r, http.StatusNotFound, "not_found")
				return
			}
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}

		if r.URL.Query().Get("presign") == "1" {
			url, err := api.archive.PresignFetch(r.Context(), kind, runID, stateID, 10*time.Minute)
			if err != nil {
				api.writeError(w, r, http.StatusNotFound, "not_found")
				return
			}
			api.writeJSON(w, http.StatusOK, map[string]any{"url": url})
			return
		}

		blob, err := api.archive.Fetch(r.Context(), kind, runID, stateID)
		if err != nil {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(blob)
	}
}

func (api *orchestratorAPI) handleDeleteStateData(kind domain.RunKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := auth.IdentityFromContext(r.Context())
		if !ok || strings.TrimSpace(identity.Subject) == "" {
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}
		if runTokenIdentity(identity) {
			api.writeError(w, r, http.StatusForbidden, "forbidden")
			return
		}

		runID, err := uuid.Parse(r.PathValue("run_id"))
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_run_id")
			return
		}
		stateID, err := uuid.Parse(r.PathValue("state_id"))
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_state_id")
			return
		}
		if api.archive == nil {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}

		if _, err := postgres.NewStateStore(api.db).GetState(r.Context(), kind, runID, stateID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				api.writeError(w, r, http.StatusNotFound, "not_found")
				return
			}
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}

		if err := api.archive.Remove(r.Context(), kind, runID, stateID); err != nil {
			api.logger.Error("state data delete failed",
				"request_id", r.Header.Get("X-Request-Id"),
				"run_id", runID.String(),
				"state_id", stateID.String(),
				"error", err.Error())
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
			return
		}

		_, err = auditlog.Insert(r.Context(), api.db, auditlog.Event{
			OccurredAt:   time.Now().UTC(),
			Actor:        identity.Subject,
			Action:       "run.state_data.deleted",
			ResourceType: string(kind) + "_run",
			ResourceID:   runID.String(),
			RequestID:    r.Header.Get("X-Request-Id"),
			IP:           requestIP(r.RemoteAddr),
			UserAgent:    r.UserAgent(),
			Payload: map[string]any{
				"service":  "orchestrator",
				"kind":     string(kind),
				"state_id": stateID.String(),
			},
		})
		if err != nil {
			api.writeError(w, r, http.StatusInternalServerError, "audit_failed")
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *orchestratorAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *orchestratorAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func requestIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
