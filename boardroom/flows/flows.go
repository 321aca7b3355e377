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

// Package flows composes the governance domains into the coordinator's
// cross-domain transactions: publishing a resolution runs meeting, voting,
// and compliance under one two-phase commit; archiving a vault runs as a
// saga whose compensations restore the archived state.
package flows

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/boardroomdb/boardroom/boardroom/compliance"
	"github.com/boardroomdb/boardroom/boardroom/coordinator"
	"github.com/boardroomdb/boardroom/boardroom/meeting"
	"github.com/boardroomdb/boardroom/boardroom/vault"
	"github.com/boardroomdb/boardroom/boardroom/voting"
)

// ArchiveVaultSaga names the registered vault-archival saga.
const ArchiveVaultSaga = "archive-vault"

// Flows drives multi-domain operations through the coordinator.
type Flows struct {
	coord    coordinator.Service
	vaults   *vault.Repo
	ballots  *voting.Repo
	meetings *meeting.Repo
}

// New wires the flows over the domain repositories.
func New(coord coordinator.Service, vaults *vault.Repo, ballots *voting.Repo, meetings *meeting.Repo) *Flows {
	return &Flows{coord: coord, vaults: vaults, ballots: ballots, meetings: meetings}
}

// PublishResolutionRequest carries one resolution-publication 2PC.
type PublishResolutionRequest struct {
	ClosesAt        time.Time `json:"closes_at"`
	ResolutionID    string    `json:"resolution_id"`
	BallotID        string    `json:"ballot_id"`
	AuditEntryID    string    `json:"audit_entry_id"`
	ExpectedVersion int64     `json:"expected_version"`
}

// PublishResolution publishes a meeting resolution, opens its ballot, and
// files the audit entry under a single two-phase commit: either all three
// domains apply or none do.
func (f *Flows) PublishResolution(ctx context.Context, req PublishResolutionRequest) (string, error) {
	if req.ResolutionID == "" || req.BallotID == "" {
		return "", errors.New("flows: resolution and ballot IDs are required")
	}
	tx, err := f.coord.Begin(ctx)
	if err != nil {
		return "", err
	}
	// Commit and Rollback both terminalize; this covers the error returns in
	// between so an abandoned handle does not linger as an active transaction.
	defer func() {
		if !tx.State().Terminal() {
			_ = f.coord.Rollback(ctx, tx)
		}
	}()
	expected := req.ExpectedVersion
	if expected == 0 {
		expected = -1
	}
	ballotPayload, err := json.Marshal(voting.Ballot{ResolutionID: req.ResolutionID, ClosesAt: req.ClosesAt})
	if err != nil {
		return "", err
	}
	auditID := req.AuditEntryID
	if auditID == "" {
		auditID = "publish-" + tx.ID()
	}
	auditPayload, err := json.Marshal(compliance.Entry{
		TxID:    tx.ID(),
		Detail:  "resolution " + req.ResolutionID + " published, ballot " + req.BallotID + " opened",
		Actor:   "flows",
		Domains: []string{meeting.DomainName, voting.DomainName},
	})
	if err != nil {
		return "", err
	}
	for _, intent := range []coordinator.Intent{
		{Domain: meeting.DomainName, Op: meeting.OpPublishResolution, Key: req.ResolutionID, ExpectedVersion: expected},
		{Domain: voting.DomainName, Op: voting.OpOpenBallot, Key: req.BallotID, Payload: ballotPayload, ExpectedVersion: 0},
		{Domain: compliance.DomainName, Op: compliance.OpAppendAudit, Key: auditID, Payload: auditPayload, ExpectedVersion: -1},
	} {
		if err = tx.Stage(intent); err != nil {
			return "", err
		}
	}
	if err = f.coord.Commit(ctx, tx); err != nil {
		return tx.ID(), err
	}
	return tx.ID(), nil
}

// Saga params and memo keys. Steps record what they actually changed so
// compensations undo exactly that.
const (
	ParamVaultID   = "vault_id"
	ParamBallotIDs = "ballot_ids"

	memoArchivedAssets = "archived_assets"
	memoClosedBallots  = "closed_ballots"
)

// ArchiveVaultDefinition builds the archive-vault saga: archive the vault and
// its active assets, close the ballots the request names, then file the audit
// entry. Compensations restore the vault, its assets, and the ballots this
// saga closed.
func (f *Flows) ArchiveVaultDefinition() coordinator.SagaDefinition {
	return coordinator.SagaDefinition{
		Name: ArchiveVaultSaga,
		Steps: []coordinator.SagaStep{
			{
				Name:       "archive-assets",
				Execute:    f.archiveAssets,
				Compensate: f.restoreAssets,
			},
			{
				Name:       "close-ballots",
				Execute:    f.closeBallots,
				Compensate: f.reopenBallots,
			},
			{
				Name:    "audit",
				Execute: f.auditArchive,
			},
		},
	}
}

func (f *Flows) runSingle(ctx context.Context, intents ...coordinator.Intent) error {
	tx, err := f.coord.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if !tx.State().Terminal() {
			_ = f.coord.Rollback(ctx, tx)
		}
	}()
	for _, intent := range intents {
		if err = tx.Stage(intent); err != nil {
			return err
		}
	}
	return f.coord.Commit(ctx, tx)
}

func (f *Flows) archiveAssets(ctx context.Context, _ string, params map[string]string) error {
	vaultID := params[ParamVaultID]
	if vaultID == "" {
		return errors.New("flows: vault_id param is required")
	}
	v, ok, err := f.vaults.Get(vaultID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("flows: vault %s does not exist", vaultID)
	}
	if v.Status == vault.StatusArchived {
		return nil
	}
	assets, err := f.vaults.ListAssets(vaultID)
	if err != nil {
		return err
	}
	intents := []coordinator.Intent{
		{Domain: vault.DomainName, Op: vault.OpArchiveVault, Key: vaultID, ExpectedVersion: v.Version},
	}
	var archived []string
	for _, a := range assets {
		if a.Status != vault.StatusActive {
			continue
		}
		archived = append(archived, a.ID)
		intents = append(intents, coordinator.Intent{
			Domain: vault.DomainName, Op: vault.OpArchiveAsset, Key: a.ID, ExpectedVersion: a.Version,
		})
	}
	if err = f.runSingle(ctx, intents...); err != nil {
		return err
	}
	params[memoArchivedAssets] = strings.Join(archived, ",")
	return nil
}

func (f *Flows) restoreAssets(ctx context.Context, _ string, params map[string]string) error {
	vaultID := params[ParamVaultID]
	if vaultID == "" {
		return nil
	}
	intents := []coordinator.Intent{
		{Domain: vault.DomainName, Op: vault.OpRestoreVault, Key: vaultID, ExpectedVersion: -1},
	}
	for _, id := range splitCSV(params[memoArchivedAssets]) {
		intents = append(intents, coordinator.Intent{
			Domain: vault.DomainName, Op: vault.OpRestoreAsset, Key: id, ExpectedVersion: -1,
		})
	}
	return f.runSingle(ctx, intents...)
}

func (f *Flows) closeBallots(ctx context.Context, _ string, params map[string]string) error {
	var closed []string
	var intents []coordinator.Intent
	for _, id := range splitCSV(params[ParamBallotIDs]) {
		b, ok, err := f.ballots.GetBallot(id)
		if err != nil {
			return err
		}
		if !ok || b.Status != voting.BallotOpen {
			continue
		}
		closed = append(closed, id)
		intents = append(intents, coordinator.Intent{
			Domain: voting.DomainName, Op: voting.OpCloseBallot, Key: id, ExpectedVersion: b.Version,
		})
	}
	if len(intents) > 0 {
		if err := f.runSingle(ctx, intents...); err != nil {
			return err
		}
	}
	params[memoClosedBallots] = strings.Join(closed, ",")
	return nil
}

func (f *Flows) reopenBallots(ctx context.Context, _ string, params map[string]string) error {
	var intents []coordinator.Intent
	for _, id := range splitCSV(params[memoClosedBallots]) {
		intents = append(intents, coordinator.Intent{
			Domain: voting.DomainName, Op: voting.OpReopenBallot, Key: id, ExpectedVersion: -1,
		})
	}
	if len(intents) == 0 {
		return nil
	}
	return f.runSingle(ctx, intents...)
}

func (f *Flows) auditArchive(ctx context.Context, txID string, params map[string]string) error {
	payload, err := json.Marshal(compliance.Entry{
		TxID:    txID,
		Detail:  "vault " + params[ParamVaultID] + " archived",
		Actor:   "flows",
		Domains: []string{vault.DomainName, voting.DomainName},
	})
	if err != nil {
		return err
	}
	return f.runSingle(ctx, coordinator.Intent{
		Domain: compliance.DomainName, Op: compliance.OpAppendAudit, Key: "archive-" + txID, Payload: payload, ExpectedVersion: -1,
	})
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
