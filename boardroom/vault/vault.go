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

// Package vault manages document vaults and the assets they hold.
package vault

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/boardroomdb/boardroom/boardroom/coordinator"
	"github.com/boardroomdb/boardroom/boardroom/domain"
	"github.com/boardroomdb/boardroom/boardroom/storage"
)

// DomainName registers the vault participant with the coordinator.
const DomainName = "vault"

// Intent operations accepted by the vault participant.
const (
	OpPutVault     = "put-vault"
	OpArchiveVault = "archive-vault"
	OpRestoreVault = "restore-vault"
	OpPutAsset     = "put-asset"
	OpArchiveAsset = "archive-asset"
	OpRestoreAsset = "restore-asset"
)

// Record statuses.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

const (
	kindVault = "record"
	kindAsset = "asset"
)

// Vault is a document vault owned by an organization.
type Vault struct {
	UpdatedAt time.Time `json:"updated_at"`
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Version   int64     `json:"version"`
}

// Asset is a document stored in a vault.
type Asset struct {
	UpdatedAt time.Time `json:"updated_at"`
	ID        string    `json:"id"`
	VaultID   string    `json:"vault_id"`
	Title     string    `json:"title"`
	Checksum  string    `json:"checksum"`
	Status    string    `json:"status"`
	Version   int64     `json:"version"`
}

// Repo reads vault records and resolves vault intents.
type Repo struct {
	store storage.Store
}

// NewRepo wires the repository to the store.
func NewRepo(store storage.Store) *Repo {
	return &Repo{store: store}
}

// Get loads one vault.
func (r *Repo) Get(id string) (Vault, bool, error) {
	var v Vault
	ok, err := domain.GetJSON(r.store, domain.Key(DomainName, kindVault, id), &v)
	return v, ok, err
}

// List returns all vaults.
func (r *Repo) List() ([]Vault, error) {
	var vv []Vault
	err := domain.ListJSON(r.store, domain.Prefix(DomainName, kindVault), func(raw []byte) error {
		var v Vault
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		vv = append(vv, v)
		return nil
	})
	return vv, err
}

// GetAsset loads one asset.
func (r *Repo) GetAsset(id string) (Asset, bool, error) {
	var a Asset
	ok, err := domain.GetJSON(r.store, domain.Key(DomainName, kindAsset, id), &a)
	return a, ok, err
}

// ListAssets returns the assets of a vault; an empty vaultID returns all.
func (r *Repo) ListAssets(vaultID string) ([]Asset, error) {
	var aa []Asset
	err := domain.ListJSON(r.store, domain.Prefix(DomainName, kindAsset), func(raw []byte) error {
		var a Asset
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		if vaultID == "" || a.VaultID == vaultID {
			aa = append(aa, a)
		}
		return nil
	})
	return aa, err
}

// Resolve turns one vault intent into its mutations, enforcing optimistic
// versions against the stored records.
func (r *Repo) Resolve(intent coordinator.Intent) ([]storage.Mutation, error) {
	switch intent.Op {
	case OpPutVault:
		var in Vault
		if err := json.Unmarshal(intent.Payload, &in); err != nil {
			return nil, err
		}
		return r.putVault(intent, func(v *Vault) {
			v.OrgID, v.Name = in.OrgID, in.Name
			if v.Status == "" {
				v.Status = StatusActive
			}
		})
	case OpArchiveVault:
		return r.putVault(intent, func(v *Vault) { v.Status = StatusArchived })
	case OpRestoreVault:
		return r.putVault(intent, func(v *Vault) { v.Status = StatusActive })
	case OpPutAsset:
		var in Asset
		if err := json.Unmarshal(intent.Payload, &in); err != nil {
			return nil, err
		}
		return r.putAsset(intent, func(a *Asset) {
			a.VaultID, a.Title, a.Checksum = in.VaultID, in.Title, in.Checksum
			if a.Status == "" {
				a.Status = StatusActive
			}
		})
	case OpArchiveAsset:
		return r.putAsset(intent, func(a *Asset) { a.Status = StatusArchived })
	case OpRestoreAsset:
		return r.putAsset(intent, func(a *Asset) { a.Status = StatusActive })
	}
	return nil, errors.Errorf("vault: unknown operation %s", intent.Op)
}

func (r *Repo) putVault(intent coordinator.Intent, apply func(*Vault)) ([]storage.Mutation, error) {
	cur, exists, err := r.Get(intent.Key)
	if err != nil {
		return nil, err
	}
	if err = domain.ValidateVersion(intent.ExpectedVersion, cur.Version, exists); err != nil {
		return nil, err
	}
	next := cur
	next.ID = intent.Key
	apply(&next)
	next.Version = cur.Version + 1
	next.UpdatedAt = time.Now()
	m, err := domain.PutMutation(domain.Key(DomainName, kindVault, intent.Key), next)
	if err != nil {
		return nil, err
	}
	return []storage.Mutation{m}, nil
}

func (r *Repo) putAsset(intent coordinator.Intent, apply func(*Asset)) ([]storage.Mutation, error) {
	cur, exists, err := r.GetAsset(intent.Key)
	if err != nil {
		return nil, err
	}
	if err = domain.ValidateVersion(intent.ExpectedVersion, cur.Version, exists); err != nil {
		return nil, err
	}
	next := cur
	next.ID = intent.Key
	apply(&next)
	next.Version = cur.Version + 1
	next.UpdatedAt = time.Now()
	m, err := domain.PutMutation(domain.Key(DomainName, kindAsset, intent.Key), next)
	if err != nil {
		return nil, err
	}
	return []storage.Mutation{m}, nil
}
