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

package storage

import (
	"context"
)

// AppDefinition is the persisted definition of a long-running application.
type AppDefinition struct {
	ID        string  `json:"id"`
	Cmd       string  `json:"cmd"`
	Instances int     `json:"instances"`
	CPUs      float64 `json:"cpus"`
	Mem       float64 `json:"mem"`
	Version   string  `json:"version"`
}

// AppStore stores app definitions and their versions.
type AppStore interface {
	// CreateApp stores the app as a new version and makes it current.
	CreateApp(ctx context.Context, app *AppDefinition) error
	// GetApp returns the current definition of the app.
	GetApp(ctx context.Context, id string) (*AppDefinition, error)
	// GetAppVersion returns a specific stored version of the app.
	GetAppVersion(ctx context.Context, id string, version string) (*AppDefinition, error)
	// ListAppVersions returns all stored version names of the app.
	ListAppVersions(ctx context.Context, id string) ([]string, error)
	// ListApps returns the current definition of every app.
	ListApps(ctx context.Context) ([]*AppDefinition, error)
}

// FrameworkInfoStore persists the framework registration state handed out
// by the resource-offer master.
type FrameworkInfoStore interface {
	GetFrameworkID(ctx context.Context, frameworkName string) (string, error)
	SetFrameworkID(ctx context.Context, frameworkName string, frameworkID string) error
	GetMesosStreamID(ctx context.Context, frameworkName string) (string, error)
	SetMesosStreamID(ctx context.Context, frameworkName string, streamID string) error
}

// Migrator runs the idempotent schema/state migration performed by a newly
// elected leader before it activates.
type Migrator interface {
	Migrate(ctx context.Context) error
}
