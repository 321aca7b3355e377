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

package cmdsetup

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/boardroomdb/boardroom/boardroom/compliance"
	"github.com/boardroomdb/boardroom/boardroom/coordinator"
	"github.com/boardroomdb/boardroom/boardroom/flows"
	liaisonhttp "github.com/boardroomdb/boardroom/boardroom/liaison/http"
	"github.com/boardroomdb/boardroom/boardroom/meeting"
	"github.com/boardroomdb/boardroom/boardroom/observability"
	"github.com/boardroomdb/boardroom/boardroom/storage"
	"github.com/boardroomdb/boardroom/boardroom/vault"
	"github.com/boardroomdb/boardroom/boardroom/voting"
	"github.com/boardroomdb/boardroom/pkg/bus"
	"github.com/boardroomdb/boardroom/pkg/logger"
	"github.com/boardroomdb/boardroom/pkg/run"
	"github.com/boardroomdb/boardroom/pkg/version"
)

func newStandaloneCmd(runners ...run.Unit) *cobra.Command {
	pipeline := bus.NewBus()
	storageSvc := storage.NewService()
	coordSvc := coordinator.NewService(pipeline)
	vaultSvc := vault.NewService(storageSvc, coordSvc)
	meetingSvc := meeting.NewService(storageSvc, coordSvc)
	votingSvc := voting.NewService(storageSvc, coordSvc)
	complianceSvc := compliance.NewService(storageSvc, coordSvc, pipeline)
	flowSvc := flows.NewService(coordSvc, vaultSvc, votingSvc, meetingSvc)
	metricSvc := observability.NewMetricService(pipeline, coordSvc)
	httpServer := liaisonhttp.NewServer(liaisonhttp.Deps{
		Coordinator: coordSvc,
		Flows:       flowSvc,
		Vaults:      vaultSvc,
		Meetings:    meetingSvc,
		Voting:      votingSvc,
		Compliance:  complianceSvc,
	})

	var units []run.Unit
	units = append(units, runners...)
	// Participants and sagas must register before the coordinator pre-runs,
	// so journal recovery finds every domain it needs to redeliver to.
	units = append(units,
		storageSvc,
		vaultSvc,
		meetingSvc,
		votingSvc,
		complianceSvc,
		flowSvc,
		coordSvc,
		metricSvc,
		httpServer,
	)
	standaloneGroup := run.NewGroup("standalone")
	standaloneGroup.Register(units...)

	standaloneCmd := &cobra.Command{
		Use:     "standalone",
		Version: version.Build(),
		Short:   "Run as the standalone server",
		RunE: func(_ *cobra.Command, _ []string) (err error) {
			logger.GetLogger().Info().Msg("starting as a standalone server")
			// Spawn our go routines and wait for shutdown.
			if err := standaloneGroup.Run(context.Background()); err != nil {
				logger.GetLogger().Error().Err(err).Stack().Str("name", standaloneGroup.Name()).Msg("Exit")
				os.Exit(-1)
			}
			return nil
		},
	}
	standaloneCmd.Flags().AddFlagSet(standaloneGroup.RegisterFlags().FlagSet)
	return standaloneCmd
}
