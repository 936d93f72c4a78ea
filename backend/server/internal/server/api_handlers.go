package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/araddon/dateparse"
	"github.com/tokenboard/tokenboard/backend/server/internal/database"
	"github.com/tokenboard/tokenboard/shared"
)

const defaultAggregateWindow = 30 * 24 * time.Hour

func (s *Server) apiSubmitHandler(w http.ResponseWriter, r *http.Request) {
	var req shared.UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		panic(fmt.Errorf("failed to decode: %w", err))
	}
	userId := getAuthenticatedUserId(r)
	fmt.Printf("apiSubmitHandler: received %s upload for identifier=%#v\n", req.Granularity, req.Identifier)

	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err := s.db.EnsureUserExists(r.Context(), userId)
	checkGormError(err)

	// TODO: add these to the context in a middleware
	version := getCollectorVersion(r)
	remoteIPAddr := getRemoteAddr(r)
	s.handleNonCriticalError(s.updateIngestActivity(r.Context(), version, remoteIPAddr, userId, req.MachineId))

	var impact *shared.EnvironmentalImpact
	if s.enrichment != nil {
		impact = s.enrichment.CalculateRecord(r.Context(), &req)
	}

	var status shared.UploadStatus
	switch req.Granularity {
	case shared.GranularityDaily:
		status, err = s.db.SaveDailyUsage(r.Context(), userId, &req, impact)
	case shared.GranularitySession:
		status, err = s.db.SaveSessionUsage(r.Context(), userId, &req, impact)
	case shared.GranularityBlock:
		status, err = s.db.SaveUsageBlock(r.Context(), userId, &req, impact)
	}
	if errors.Is(err, shared.ErrConcurrentWrite) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	checkGormError(err)

	if s.statsd != nil {
		s.statsd.Incr("tokenboard.submit", []string{"granularity:" + string(req.Granularity), "status:" + string(status)}, 1.0)
	}

	resp := shared.UploadResponse{Status: status}
	if status == shared.UploadStatusRejected {
		// The unit was already committed as closed; a retrying collector
		// treats this as success and stops resending.
		resp.Reason = "already processed"
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		panic(err)
	}
}

// aggregateWindow resolves the query's [since, until] window, defaulting to
// the trailing 30 days. dateparse accepts both bare dates and timestamps.
func aggregateWindow(r *http.Request, now time.Time) (time.Time, time.Time, error) {
	until := now
	if v := r.URL.Query().Get("until"); v != "" {
		parsed, err := dateparse.ParseAny(v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: could not parse until=%#v", shared.ErrValidation, v)
		}
		until = parsed
	}
	since := until.Add(-defaultAggregateWindow)
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := dateparse.ParseAny(v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: could not parse since=%#v", shared.ErrValidation, v)
		}
		since = parsed
	}
	if until.Before(since) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: until precedes since", shared.ErrValidation)
	}
	return since.UTC(), until.UTC(), nil
}

func (s *Server) apiAggregateHandler(w http.ResponseWriter, r *http.Request) {
	userId := getAuthenticatedUserId(r)
	machineId := r.URL.Query().Get("machine_id")
	granularity := shared.Granularity(r.URL.Query().Get("granularity"))
	if granularity == "" {
		granularity = shared.GranularityDaily
	}
	if !granularity.Valid() {
		http.Error(w, fmt.Sprintf("unknown granularity %#v", string(granularity)), http.StatusBadRequest)
		return
	}

	since, until, err := aggregateWindow(r, s.db.Now().UTC())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := shared.AggregateResponse{
		Since: since.Format(shared.DateOnly),
		Until: until.Format(shared.DateOnly),
	}
	switch granularity {
	case shared.GranularityDaily:
		aggregate, err := s.db.AggregateDailyUsage(r.Context(), userId, resp.Since, resp.Until, machineId)
		checkGormError(err)
		resp.Totals = aggregate.Totals
		resp.Series = aggregate.Series
	case shared.GranularitySession:
		sessions, err := s.db.SessionsForUser(r.Context(), userId, since, until, machineId)
		checkGormError(err)
		resp.Totals = database.SessionTotals(sessions)
		resp.Sessions = sessions
	case shared.GranularityBlock:
		blocks, err := s.db.BlocksForUser(r.Context(), userId, since, until, machineId)
		checkGormError(err)
		resp.Totals = database.BlockTotals(blocks)
		resp.Blocks = blocks
	}

	if s.statsd != nil {
		s.statsd.Incr("tokenboard.aggregate", []string{"granularity:" + string(granularity)}, 1.0)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		panic(err)
	}
}

func (s *Server) apiRegisterHandler(w http.ResponseWriter, r *http.Request) {
	if getMaximumNumberOfAllowedUsers() < math.MaxInt {
		numDistinctUsers, err := s.db.CountDistinctUsers(r.Context())
		if err != nil {
			panic(fmt.Errorf("db.CountDistinctUsers: %w", err))
		}
		if numDistinctUsers >= int64(getMaximumNumberOfAllowedUsers()) {
			panic(fmt.Sprintf("Refusing to allow registration of new machine since there are currently %d users and this server allows a max of %d users", numDistinctUsers, getMaximumNumberOfAllowedUsers()))
		}
	}
	userId := getAuthenticatedUserId(r)
	machineId := getRequiredQueryParam(r, "machine_id")

	err := s.db.EnsureUserExists(r.Context(), userId)
	checkGormError(err)

	exists, err := s.db.MachineExists(r.Context(), userId, machineId)
	checkGormError(err)
	if !exists {
		err = s.db.CreateMachine(r.Context(), &database.Machine{
			UserId:           userId,
			MachineId:        machineId,
			RegistrationIp:   getRemoteAddr(r),
			RegistrationDate: time.Now(),
		})
		checkGormError(err)
	}

	// TODO: add these to the context in a middleware
	version := getCollectorVersion(r)
	remoteIPAddr := getRemoteAddr(r)
	s.handleNonCriticalError(s.updateIngestActivity(r.Context(), version, remoteIPAddr, userId, machineId))

	if s.statsd != nil {
		s.statsd.Incr("tokenboard.register", []string{}, 1.0)
	}

	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) apiUninstallHandler(w http.ResponseWriter, r *http.Request) {
	userId := getAuthenticatedUserId(r)
	machineId := getRequiredQueryParam(r, "machine_id")

	err := s.db.UninstallMachine(r.Context(), userId, machineId)
	checkGormError(err)

	if s.statsd != nil {
		s.statsd.Incr("tokenboard.uninstall", []string{}, 1.0)
	}

	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) apiLeaderboardSettingsHandler(w http.ResponseWriter, r *http.Request) {
	var req shared.LeaderboardSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		panic(fmt.Errorf("failed to decode: %w", err))
	}
	userId := getAuthenticatedUserId(r)

	err := s.db.EnsureUserExists(r.Context(), userId)
	checkGormError(err)
	err = s.db.UpdateLeaderboardSettings(r.Context(), userId, &req)
	checkGormError(err)

	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusOK)
}
