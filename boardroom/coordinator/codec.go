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

package coordinator

import (
	"encoding/json"

	"github.com/boardroomdb/boardroom/boardroom/journal"
)

// Journal record kinds owned by the coordinator.
const (
	kindBegin journal.Kind = iota + 1
	kindIntents
	kindPrepared
	kindDecisionCommit
	kindDecisionAbort
	kindParticipantDone
	kindCompleted
	kindSagaBegin
	kindSagaStepDone
	kindSagaStepCompensated
	kindSagaCompleted
)

type beginPayload struct {
	StartedAt int64  `json:"started_at"`
	Seq       uint64 `json:"seq"`
}

type intentsPayload struct {
	Intents []Intent `json:"intents"`
}

type participantDonePayload struct {
	Domain  string `json:"domain"`
	Outcome string `json:"outcome"`
}

type sagaBeginPayload struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
}

type sagaStepPayload struct {
	Step int `json:"step"`
}

type sagaCompletedPayload struct {
	Status string `json:"status"`
}

func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
