package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"tcstats/services/tcstatsd/diff"
	"tcstats/services/tcstatsd/engine"
)

const maxBodyBytes = 1 << 20

type multiplierRequest struct {
	Multiplier decimal.Decimal `json:"multiplier"`
}

type moveRequest struct {
	TeamID uint `json:"team_id"`
}

type offsetRequest struct {
	Points           int64 `json:"points"`
	MultipliedPoints int64 `json:"multiplied_points"`
	Units            int64 `json:"units"`
}

type historyResponse struct {
	Granularity diff.Granularity `json:"granularity"`
	Start       time.Time        `json:"start"`
	End         time.Time        `json:"end"`
	Buckets     []diff.Bucket    `json:"buckets"`
}

func (s *Server) handleTeamLeaderboard(w http.ResponseWriter, r *http.Request) {
	teams, err := s.engine.TeamLeaderboard(r.Context(), s.auth.privileged(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, teams)
}

func (s *Server) handleCategoryLeaderboard(w http.ResponseWriter, r *http.Request) {
	board, err := s.engine.CategoryLeaderboard(r.Context(), s.auth.privileged(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.Summary(r.Context(), s.auth.privileged(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	stats, err := s.engine.UserTcStats(r.Context(), id, s.auth.privileged(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleUserHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	q, ok := s.historyQuery(w, r)
	if !ok {
		return
	}
	buckets, err := s.engine.UserHistory(r.Context(), id, q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newHistoryResponse(q, buckets))
}

func (s *Server) handleTeamHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	q, ok := s.historyQuery(w, r)
	if !ok {
		return
	}
	buckets, err := s.engine.TeamHistory(r.Context(), id, q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newHistoryResponse(q, buckets))
}

func (s *Server) historyQuery(w http.ResponseWriter, r *http.Request) (engine.HistoryQuery, bool) {
	granularity, err := diff.ParseGranularity(chi.URLParam(r, "granularity"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return engine.HistoryQuery{}, false
	}
	start := s.now().UTC()
	if raw := strings.TrimSpace(r.URL.Query().Get("start")); raw != "" {
		start, err = time.ParseInLocation(time.DateOnly, raw, time.UTC)
		if err != nil {
			writeError(w, http.StatusBadRequest, "start must be YYYY-MM-DD")
			return engine.HistoryQuery{}, false
		}
	}
	fill := false
	if raw := strings.TrimSpace(r.URL.Query().Get("fill")); raw != "" {
		fill, err = strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "fill must be a boolean")
			return engine.HistoryQuery{}, false
		}
	}
	return engine.HistoryQuery{Granularity: granularity, PeriodStart: start, FillGaps: fill}, true
}

func newHistoryResponse(q engine.HistoryQuery, buckets []diff.Bucket) historyResponse {
	start, end := q.Granularity.Period(q.PeriodStart)
	if buckets == nil {
		buckets = []diff.Bucket{}
	}
	return historyResponse{Granularity: q.Granularity, Start: start, End: end, Buckets: buckets}
}

func (s *Server) handleMonthlyResult(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid year")
		return
	}
	month, err := strconv.Atoi(chi.URLParam(r, "month"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid month")
		return
	}
	result, err := s.engine.MonthlyResult(r.Context(), year, month)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.UpdateCycle(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ResetPeriod(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	var (
		result engine.MonthlyResult
		err    error
	)
	query := r.URL.Query()
	if query.Get("year") == "" && query.Get("month") == "" {
		result, err = s.engine.ArchivePeriod(r.Context())
	} else {
		year, yerr := strconv.Atoi(query.Get("year"))
		month, merr := strconv.Atoi(query.Get("month"))
		if yerr != nil || merr != nil {
			writeError(w, http.StatusBadRequest, "year and month must both be integers")
			return
		}
		result, err = s.engine.ArchivePeriodFor(r.Context(), year, month)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleCreateHardware(w http.ResponseWriter, r *http.Request) {
	var req engine.NewHardware
	if !decodeJSON(w, r, &req) {
		return
	}
	hw, err := s.engine.CreateHardware(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, hw)
}

func (s *Server) handleSetMultiplier(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req multiplierRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.engine.SetHardwareMultiplier(r.Context(), id, req.Multiplier); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateTeam(w http.ResponseWriter, r *http.Request) {
	var req engine.NewTeam
	if !decodeJSON(w, r, &req) {
		return
	}
	team, err := s.engine.CreateTeam(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, team)
}

func (s *Server) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var req engine.NewUser
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := s.engine.RegisterUser(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	stats, err := s.engine.UserTcStats(r.Context(), user.ID, true)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, stats)
}

func (s *Server) handleMoveUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req moveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	retired, err := s.engine.MoveUser(r.Context(), id, req.TeamID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"retired": retired})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	retired, err := s.engine.DeleteUser(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"retired": retired})
}

func (s *Server) handleApplyOffset(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req offsetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rec, err := s.engine.ApplyOffset(r.Context(), id, req.Points, req.MultipliedPoints, req.Units)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uint, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s %q", name, raw))
		return 0, false
	}
	return uint(id), true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "request body required")
		default:
			writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		}
		return false
	}
	return true
}
