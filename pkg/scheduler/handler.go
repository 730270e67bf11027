// Copyright (c) 2020 The Strider Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scheduler

import (
	"context"

	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/striderproject/strider/pkg/storage"
)

// ErrSchedulerActorTimeout is returned to API callers when the scheduler
// actor does not answer within the configured coordination timeout.
var ErrSchedulerActorTimeout = errors.New("timed out waiting for scheduler actor")

// Handler is the surface consumed by the HTTP API and other peers. It
// forwards commands to the scheduler actor and reads app state directly,
// both bounded by the coordination timeout.
type Handler struct {
	actor    *Actor
	appStore storage.AppStore
	cfg      *Config
}

// NewHandler creates the exposed service handler.
func NewHandler(actor *Actor, appStore storage.AppStore, cfg *Config) *Handler {
	return &Handler{
		actor:    actor,
		appStore: appStore,
		cfg:      cfg,
	}
}

// Deploy submits a deployment plan. It resolves once the deployment has
// started, and fails with the original cause when the command fails.
func (h *Handler) Deploy(ctx context.Context, plan *DeploymentPlan, force bool) error {
	if plan.ID == "" {
		plan.ID = uuid.New()
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.ZKTimeout)
	defer cancel()

	req := &deployRequest{plan: plan, force: force, resp: make(chan error, 1)}
	select {
	case h.actor.inbox <- req:
	case <-ctx.Done():
		h.actor.metrics.ActorAskTimeout.Inc(1)
		return ErrSchedulerActorTimeout
	}
	select {
	case err := <-req.resp:
		return err
	case <-ctx.Done():
		h.actor.metrics.ActorAskTimeout.Inc(1)
		return ErrSchedulerActorTimeout
	}
}

// CancelDeployment removes a running deployment. Fire-and-forget.
func (h *Handler) CancelDeployment(id string) {
	h.actor.Tell(&CancelDeployment{ID: id})
}

// ListRunningDeployments returns the deployments currently in flight. On
// scheduler-actor timeout it fails with ErrSchedulerActorTimeout.
func (h *Handler) ListRunningDeployments(ctx context.Context) ([]*DeploymentStepInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.ZKTimeout)
	defer cancel()

	req := &listDeploymentsRequest{resp: make(chan []*DeploymentStepInfo, 1)}
	select {
	case h.actor.inbox <- req:
	case <-ctx.Done():
		h.actor.metrics.ActorAskTimeout.Inc(1)
		return nil, ErrSchedulerActorTimeout
	}
	select {
	case infos := <-req.resp:
		return infos, nil
	case <-ctx.Done():
		h.actor.metrics.ActorAskTimeout.Inc(1)
		return nil, ErrSchedulerActorTimeout
	}
}

// GetApp returns the app definition: the current one when version is
// empty, a stored version otherwise.
func (h *Handler) GetApp(
	ctx context.Context,
	id string,
	version string) (*storage.AppDefinition, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.ZKTimeout)
	defer cancel()

	if version == "" {
		return h.appStore.GetApp(ctx, id)
	}
	return h.appStore.GetAppVersion(ctx, id, version)
}

// ListAppVersions returns all stored version names of the app.
func (h *Handler) ListAppVersions(ctx context.Context, id string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, h.cfg.ZKTimeout)
	defer cancel()

	return h.appStore.ListAppVersions(ctx, id)
}

// KillTasks kills the given tasks of an app and echoes them back.
// Fire-and-forget.
func (h *Handler) KillTasks(appID string, tasks []string) []string {
	log.WithFields(log.Fields{
		"app_id": appID,
		"count":  len(tasks),
	}).Info("Kill tasks requested")
	h.actor.Tell(&KillTasks{AppID: appID, Tasks: tasks})
	return tasks
}
