// Licensed to Apache Software Foundation (ASF) under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Apache Software Foundation (ASF) licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/boardroomdb/boardroom/boardroom/coordinator"
	"github.com/boardroomdb/boardroom/boardroom/flows"
	"github.com/boardroomdb/boardroom/boardroom/meeting"
	"github.com/boardroomdb/boardroom/boardroom/vault"
	"github.com/boardroomdb/boardroom/boardroom/voting"
)

func (p *server) routes() {
	p.mux.Get("/api/healthz", p.health)
	p.mux.Route("/api/v1", func(r chi.Router) {
		r.Get("/vaults", p.listVaults)
		r.Get("/vaults/{id}", p.getVault)
		r.Put("/vaults/{id}", p.putVault)
		r.Get("/vaults/{id}/assets", p.listAssets)
		r.Put("/assets/{id}", p.putAsset)

		r.Get("/meetings", p.listMeetings)
		r.Get("/meetings/{id}", p.getMeeting)
		r.Put("/meetings/{id}", p.putMeeting)
		r.Post("/meetings/{id}/transition", p.transitionMeeting)
		r.Get("/meetings/{id}/resolutions", p.listResolutions)
		r.Put("/resolutions/{id}", p.putResolution)

		r.Get("/ballots", p.listBallots)
		r.Get("/ballots/{id}", p.getBallot)
		r.Get("/ballots/{id}/tally", p.tallyBallot)
		r.Post("/ballots/{id}/votes", p.castVote)

		r.Get("/audit", p.listAudit)

		r.Post("/transactions", p.runTransaction)
		r.Post("/flows/publish-resolution", p.publishResolution)
		r.Post("/flows/archive-vault", p.archiveVault)

		r.Get("/admin/transactions", p.adminTransactions)
		r.Get("/admin/transactions/{id}/outcome", p.adminOutcome)
		r.Get("/admin/breakers", p.adminBreakers)
	})
}

func (p *server) health(w http.ResponseWriter, _ *http.Request) {
	p.writeJSON(w, http.StatusOK, map[string]string{"status": "serving"})
}

func (p *server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		p.l.Error().Err(err).Msg("encoding response")
	}
}

// writeErr maps coordinator errors onto status codes: version conflicts and
// deadlocks are the caller's to retry, open breakers and lock timeouts mean
// back off.
func (p *server) writeErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, coordinator.ErrConflict), errors.Is(err, coordinator.ErrDeadlock):
		code = http.StatusConflict
	case errors.Is(err, coordinator.ErrBreakerOpen), errors.Is(err, coordinator.ErrLockWaitTimeout),
		errors.Is(err, coordinator.ErrNotServing):
		code = http.StatusServiceUnavailable
	case errors.Is(err, coordinator.ErrUnknownDomain), errors.Is(err, coordinator.ErrUnknownSaga):
		code = http.StatusBadRequest
	}
	p.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (p *server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		p.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

// runIntents runs a one-shot transaction over the given intents.
func (p *server) runIntents(r *http.Request, intents ...coordinator.Intent) (string, error) {
	coord := p.deps.Coordinator
	tx, err := coord.Begin(r.Context())
	if err != nil {
		return "", err
	}
	// An error return before Commit must not leave the handle active, or it
	// shows up in the admin transaction listing forever.
	defer func() {
		if !tx.State().Terminal() {
			_ = coord.Rollback(r.Context(), tx)
		}
	}()
	for _, intent := range intents {
		if err = tx.Stage(intent); err != nil {
			return tx.ID(), err
		}
	}
	if err = coord.Commit(r.Context(), tx); err != nil {
		return tx.ID(), err
	}
	return tx.ID(), nil
}

type txResponse struct {
	TxID string `json:"tx_id"`
}

type versionedWrite struct {
	Payload         json.RawMessage `json:"payload"`
	ExpectedVersion *int64          `json:"expected_version,omitempty"`
}

func (v versionedWrite) expected() int64 {
	if v.ExpectedVersion == nil {
		return -1
	}
	return *v.ExpectedVersion
}

func (p *server) domainWrite(w http.ResponseWriter, r *http.Request, domainName, op string) {
	var req versionedWrite
	if !p.decode(w, r, &req) {
		return
	}
	txID, err := p.runIntents(r, coordinator.Intent{
		Domain:          domainName,
		Op:              op,
		Key:             chi.URLParam(r, "id"),
		Payload:         req.Payload,
		ExpectedVersion: req.expected(),
	})
	if err != nil {
		p.writeErr(w, err)
		return
	}
	p.writeJSON(w, http.StatusOK, txResponse{TxID: txID})
}

func (p *server) putVault(w http.ResponseWriter, r *http.Request) {
	p.domainWrite(w, r, vault.DomainName, vault.OpPutVault)
}

func (p *server) putAsset(w http.ResponseWriter, r *http.Request) {
	p.domainWrite(w, r, vault.DomainName, vault.OpPutAsset)
}

func (p *server) putMeeting(w http.ResponseWriter, r *http.Request) {
	p.domainWrite(w, r, meeting.DomainName, meeting.OpPutMeeting)
}

func (p *server) transitionMeeting(w http.ResponseWriter, r *http.Request) {
	p.domainWrite(w, r, meeting.DomainName, meeting.OpTransitionMeeting)
}

func (p *server) putResolution(w http.ResponseWriter, r *http.Request) {
	p.domainWrite(w, r, meeting.DomainName, meeting.OpPutResolution)
}

func (p *server) castVote(w http.ResponseWriter, r *http.Request) {
	p.domainWrite(w, r, voting.DomainName, voting.OpCastVote)
}

func (p *server) listVaults(w http.ResponseWriter, _ *http.Request) {
	vv, err := p.deps.Vaults.Repo().List()
	if err != nil {
		p.writeErr(w, err)
		return
	}
	p.writeJSON(w, http.StatusOK, vv)
}

func (p *server) getVault(w http.ResponseWriter, r *http.Request) {
	v, ok, err := p.deps.Vaults.Repo().Get(chi.URLParam(r, "id"))
	if err != nil {
		p.writeErr(w, err)
		return
	}
	if !ok {
		p.writeJSON(w, http.StatusNotFound, map[string]string{"error": "vault not found"})
		return
	}
	p.writeJSON(w, http.StatusOK, v)
}

func (p *server) listAssets(w http.ResponseWriter, r *http.Request) {
	aa, err := p.deps.Vaults.Repo().ListAssets(chi.URLParam(r, "id"))
	if err != nil {
		p.writeErr(w, err)
		return
	}
	p.writeJSON(w, http.StatusOK, aa)
}

func (p *server) listMeetings(w http.ResponseWriter, _ *http.Request) {
	mm, err := p.deps.Meetings.Repo().List()
	if err != nil {
		p.writeErr(w, err)
		return
	}
	p.writeJSON(w, http.StatusOK, mm)
}

func (p *server) getMeeting(w http.ResponseWriter, r *http.Request) {
	m, ok, err := p.deps.Meetings.Repo().Get(chi.URLParam(r, "id"))
	if err != nil {
		p.writeErr(w, err)
		return
	}
	if !ok {
		p.writeJSON(w, http.StatusNotFound, map[string]string{"error": "meeting not found"})
		return
	}
	p.writeJSON(w, http.StatusOK, m)
}

func (p *server) listResolutions(w http.ResponseWriter, r *http.Request) {
	rr, err := p.deps.Meetings.Repo().ListResolutions(chi.URLParam(r, "id"))
	if err != nil {
		p.writeErr(w, err)
		return
	}
	p.writeJSON(w, http.StatusOK, rr)
}

func (p *server) listBallots(w http.ResponseWriter, r *http.Request) {
	bb, err := p.deps.Voting.Repo().ListBallots(r.URL.Query().Get("resolution"))
	if err != nil {
		p.writeErr(w, err)
		return
	}
	p.writeJSON(w, http.StatusOK, bb)
}

func (p *server) getBallot(w http.ResponseWriter, r *http.Request) {
	b, ok, err := p.deps.Voting.Repo().GetBallot(chi.URLParam(r, "id"))
	if err != nil {
		p.writeErr(w, err)
		return
	}
	if !ok {
		p.writeJSON(w, http.StatusNotFound, map[string]string{"error": "ballot not found"})
		return
	}
	p.writeJSON(w, http.StatusOK, b)
}

func (p *server) tallyBallot(w http.ResponseWriter, r *http.Request) {
	t, err := p.deps.Voting.Repo().TallyBallot(chi.URLParam(r, "id"))
	if err != nil {
		p.writeErr(w, err)
		return
	}
	p.writeJSON(w, http.StatusOK, t)
}

func (p *server) listAudit(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		var err error
		if limit, err = strconv.Atoi(raw); err != nil {
			p.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
	}
	ee, err := p.deps.Compliance.Repo().List(limit)
	if err != nil {
		p.writeErr(w, err)
		return
	}
	p.writeJSON(w, http.StatusOK, ee)
}

// runTransaction stages caller-provided intents across any registered
// domains and commits them as one transaction.
func (p *server) runTransaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Intents []coordinator.Intent `json:"intents"`
	}
	if !p.decode(w, r, &req) {
		return
	}
	if len(req.Intents) == 0 {
		p.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no intents"})
		return
	}
	txID, err := p.runIntents(r, req.Intents...)
	if err != nil {
		p.writeErr(w, err)
		return
	}
	p.writeJSON(w, http.StatusOK, txResponse{TxID: txID})
}

func (p *server) publishResolution(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResolutionID    string `json:"resolution_id"`
		BallotID        string `json:"ballot_id"`
		ClosesIn        string `json:"closes_in,omitempty"`
		ExpectedVersion int64  `json:"expected_version,omitempty"`
	}
	if !p.decode(w, r, &req) {
		return
	}
	var closesAt time.Time
	if req.ClosesIn != "" {
		d, err := str2duration.ParseDuration(req.ClosesIn)
		if err != nil {
			p.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid closes_in: " + err.Error()})
			return
		}
		closesAt = time.Now().Add(d)
	}
	txID, err := p.deps.Flows.Flows().PublishResolution(r.Context(), flows.PublishResolutionRequest{
		ResolutionID:    req.ResolutionID,
		BallotID:        req.BallotID,
		ClosesAt:        closesAt,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		p.writeErr(w, err)
		return
	}
	p.writeJSON(w, http.StatusOK, txResponse{TxID: txID})
}

func (p *server) archiveVault(w http.ResponseWriter, r *http.Request) {
	var req struct {
		VaultID   string   `json:"vault_id"`
		BallotIDs []string `json:"ballot_ids,omitempty"`
	}
	if !p.decode(w, r, &req) {
		return
	}
	if req.VaultID == "" {
		p.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "vault_id is required"})
		return
	}
	params := map[string]string{flows.ParamVaultID: req.VaultID}
	if len(req.BallotIDs) > 0 {
		params[flows.ParamBallotIDs] = strings.Join(req.BallotIDs, ",")
	}
	txID, err := p.deps.Coordinator.RunSaga(r.Context(), flows.ArchiveVaultSaga, params)
	if err != nil {
		if txID != "" {
			// The saga ran and compensated; report the terminal outcome.
			p.writeJSON(w, http.StatusConflict, map[string]string{"tx_id": txID, "error": err.Error()})
			return
		}
		p.writeErr(w, err)
		return
	}
	p.writeJSON(w, http.StatusOK, txResponse{TxID: txID})
}

func (p *server) adminTransactions(w http.ResponseWriter, _ *http.Request) {
	p.writeJSON(w, http.StatusOK, p.deps.Coordinator.ActiveTransactions())
}

func (p *server) adminOutcome(w http.ResponseWriter, r *http.Request) {
	st, ok := p.deps.Coordinator.Outcome(chi.URLParam(r, "id"))
	if !ok {
		p.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown or still active transaction"})
		return
	}
	p.writeJSON(w, http.StatusOK, map[string]string{"state": st.String()})
}

func (p *server) adminBreakers(w http.ResponseWriter, _ *http.Request) {
	p.writeJSON(w, http.StatusOK, p.deps.Coordinator.BreakerStates())
}
