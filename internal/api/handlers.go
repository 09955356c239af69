package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/cost-pipeline/internal/coordinator"
	"github.com/sells-group/cost-pipeline/internal/model"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 16

type startRunRequest struct {
	Provider      string `json:"provider"`
	Domain        string `json:"domain"`
	Pipeline      string `json:"pipeline"`
	CredentialRef string `json:"credential_ref"`
	StartDate     string `json:"start_date"`
	EndDate       string `json:"end_date"`
}

type forceFailRequest struct {
	Reason string `json:"reason"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func (srv *server) startRun(w http.ResponseWriter, r *http.Request) {
	var body startRunRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeErrorResponse(srv.log, w, r, http.StatusBadRequest, "invalid request body: %v", err)
		return
	}

	req := coordinator.StartRequest{
		TenantID:      chi.URLParam(r, "tenantID"),
		Provider:      body.Provider,
		Domain:        model.Capability(body.Domain),
		Pipeline:      body.Pipeline,
		CredentialRef: body.CredentialRef,
		Trigger:       model.TriggerAPI,
	}
	if body.StartDate != "" {
		rng, err := model.NewDateRange(body.StartDate, body.EndDate)
		if err != nil {
			writeError(srv.log, w, r, err)
			return
		}
		req.Range = rng
	} else if body.EndDate != "" {
		writeErrorResponse(srv.log, w, r, http.StatusBadRequest, "end_date requires start_date")
		return
	}

	run, err := srv.deps.Runs.StartRun(r.Context(), req)
	if err != nil {
		writeError(srv.log, w, r, err)
		return
	}
	w.Header().Set("Location", r.URL.Path+"/"+run.ID)
	writeResponseAsJSON(srv.log, w, http.StatusAccepted, run)
}

func (srv *server) listRuns(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := coordinator.HistoryQuery{
		TenantID: chi.URLParam(r, "tenantID"),
		Status:   model.RunStatus(params.Get("status")),
		Cursor:   params.Get("cursor"),
	}
	if s := params.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeErrorResponse(srv.log, w, r, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		q.Limit = n
	}
	if s := params.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeErrorResponse(srv.log, w, r, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		q.Since = since
	}

	page, err := srv.deps.Runs.ListHistory(r.Context(), q)
	if err != nil {
		writeError(srv.log, w, r, err)
		return
	}
	writeResponseAsJSON(srv.log, w, http.StatusOK, page)
}

func (srv *server) getRun(w http.ResponseWriter, r *http.Request) {
	detail, err := srv.deps.Runs.GetRunStatus(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(srv.log, w, r, err)
		return
	}
	writeResponseAsJSON(srv.log, w, http.StatusOK, detail)
}

func (srv *server) getSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := srv.deps.Runs.Steps(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(srv.log, w, r, err)
		return
	}
	writeResponseAsJSON(srv.log, w, http.StatusOK, map[string]any{"steps": steps})
}

func (srv *server) getTransitions(w http.ResponseWriter, r *http.Request) {
	ts, err := srv.deps.Runs.Transitions(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(srv.log, w, r, err)
		return
	}
	writeResponseAsJSON(srv.log, w, http.StatusOK, map[string]any{"transitions": ts})
}

func (srv *server) getQuota(w http.ResponseWriter, r *http.Request) {
	usage, err := srv.deps.Quota.Usage(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		writeError(srv.log, w, r, err)
		return
	}
	writeResponseAsJSON(srv.log, w, http.StatusOK, usage)
}

func (srv *server) forceFail(w http.ResponseWriter, r *http.Request) {
	var body forceFailRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &body); err != nil {
			writeErrorResponse(srv.log, w, r, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
	}
	if body.Reason == "" {
		body.Reason = "failed by operator"
	}

	run, err := srv.deps.Runs.ForceFail(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "runID"), body.Reason)
	if err != nil {
		writeError(srv.log, w, r, err)
		return
	}
	writeResponseAsJSON(srv.log, w, http.StatusOK, run)
}
