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

// Package meeting manages board meetings and their resolutions.
package meeting

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/boardroomdb/boardroom/boardroom/coordinator"
	"github.com/boardroomdb/boardroom/boardroom/domain"
	"github.com/boardroomdb/boardroom/boardroom/storage"
)

// DomainName registers the meeting participant with the coordinator.
const DomainName = "meeting"

// Intent operations accepted by the meeting participant.
const (
	OpPutMeeting        = "put-meeting"
	OpTransitionMeeting = "transition-meeting"
	OpPutResolution     = "put-resolution"
	OpPublishResolution = "publish-resolution"
	OpRetractResolution = "retract-resolution"
)

// Meeting lifecycle states.
const (
	MeetingScheduled = "scheduled"
	MeetingConvened  = "convened"
	MeetingClosed    = "closed"
)

// Resolution statuses.
const (
	ResolutionDraft     = "draft"
	ResolutionPublished = "published"
)

const (
	kindMeeting    = "record"
	kindResolution = "resolution"
)

// Meeting is a scheduled board meeting.
type Meeting struct {
	ScheduledAt time.Time `json:"scheduled_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ID          string    `json:"id"`
	OrgID       string    `json:"org_id"`
	Title       string    `json:"title"`
	State       string    `json:"state"`
	Version     int64     `json:"version"`
}

// Resolution is a motion attached to a meeting.
type Resolution struct {
	UpdatedAt time.Time `json:"updated_at"`
	ID        string    `json:"id"`
	MeetingID string    `json:"meeting_id"`
	Text      string    `json:"text"`
	Status    string    `json:"status"`
	Version   int64     `json:"version"`
}

// meeting state machine: scheduled -> convened -> closed.
var meetingNext = map[string]string{
	MeetingScheduled: MeetingConvened,
	MeetingConvened:  MeetingClosed,
}

// Repo reads meeting records and resolves meeting intents.
type Repo struct {
	store storage.Store
}

// NewRepo wires the repository to the store.
func NewRepo(store storage.Store) *Repo {
	return &Repo{store: store}
}

// Get loads one meeting.
func (r *Repo) Get(id string) (Meeting, bool, error) {
	var m Meeting
	ok, err := domain.GetJSON(r.store, domain.Key(DomainName, kindMeeting, id), &m)
	return m, ok, err
}

// List returns all meetings.
func (r *Repo) List() ([]Meeting, error) {
	var mm []Meeting
	err := domain.ListJSON(r.store, domain.Prefix(DomainName, kindMeeting), func(raw []byte) error {
		var m Meeting
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		mm = append(mm, m)
		return nil
	})
	return mm, err
}

// GetResolution loads one resolution.
func (r *Repo) GetResolution(id string) (Resolution, bool, error) {
	var res Resolution
	ok, err := domain.GetJSON(r.store, domain.Key(DomainName, kindResolution, id), &res)
	return res, ok, err
}

// ListResolutions returns the resolutions of a meeting; empty meetingID
// returns all.
func (r *Repo) ListResolutions(meetingID string) ([]Resolution, error) {
	var rr []Resolution
	err := domain.ListJSON(r.store, domain.Prefix(DomainName, kindResolution), func(raw []byte) error {
		var res Resolution
		if err := json.Unmarshal(raw, &res); err != nil {
			return err
		}
		if meetingID == "" || res.MeetingID == meetingID {
			rr = append(rr, res)
		}
		return nil
	})
	return rr, err
}

// Resolve turns one meeting intent into its mutations.
func (r *Repo) Resolve(intent coordinator.Intent) ([]storage.Mutation, error) {
	switch intent.Op {
	case OpPutMeeting:
		var in Meeting
		if err := json.Unmarshal(intent.Payload, &in); err != nil {
			return nil, err
		}
		return r.putMeeting(intent, func(m *Meeting) error {
			m.OrgID, m.Title, m.ScheduledAt = in.OrgID, in.Title, in.ScheduledAt
			if m.State == "" {
				m.State = MeetingScheduled
			}
			return nil
		})
	case OpTransitionMeeting:
		return r.putMeeting(intent, func(m *Meeting) error {
			next, ok := meetingNext[m.State]
			if !ok {
				return errors.Errorf("meeting %s cannot leave state %s", m.ID, m.State)
			}
			m.State = next
			return nil
		})
	case OpPutResolution:
		var in Resolution
		if err := json.Unmarshal(intent.Payload, &in); err != nil {
			return nil, err
		}
		return r.putResolution(intent, func(res *Resolution) error {
			res.MeetingID, res.Text = in.MeetingID, in.Text
			if res.Status == "" {
				res.Status = ResolutionDraft
			}
			return nil
		})
	case OpPublishResolution:
		return r.putResolution(intent, func(res *Resolution) error {
			res.Status = ResolutionPublished
			return nil
		})
	case OpRetractResolution:
		return r.putResolution(intent, func(res *Resolution) error {
			res.Status = ResolutionDraft
			return nil
		})
	}
	return nil, errors.Errorf("meeting: unknown operation %s", intent.Op)
}

func (r *Repo) putMeeting(intent coordinator.Intent, apply func(*Meeting) error) ([]storage.Mutation, error) {
	cur, exists, err := r.Get(intent.Key)
	if err != nil {
		return nil, err
	}
	if err = domain.ValidateVersion(intent.ExpectedVersion, cur.Version, exists); err != nil {
		return nil, err
	}
	next := cur
	next.ID = intent.Key
	if err = apply(&next); err != nil {
		return nil, err
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = time.Now()
	m, err := domain.PutMutation(domain.Key(DomainName, kindMeeting, intent.Key), next)
	if err != nil {
		return nil, err
	}
	return []storage.Mutation{m}, nil
}

func (r *Repo) putResolution(intent coordinator.Intent, apply func(*Resolution) error) ([]storage.Mutation, error) {
	cur, exists, err := r.GetResolution(intent.Key)
	if err != nil {
		return nil, err
	}
	if err = domain.ValidateVersion(intent.ExpectedVersion, cur.Version, exists); err != nil {
		return nil, err
	}
	next := cur
	next.ID = intent.Key
	if err = apply(&next); err != nil {
		return nil, err
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = time.Now()
	m, err := domain.PutMutation(domain.Key(DomainName, kindResolution, intent.Key), next)
	if err != nil {
		return nil, err
	}
	return []storage.Mutation{m}, nil
}
