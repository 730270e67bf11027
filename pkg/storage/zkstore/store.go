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

package zkstore

import (
	"context"
	"encoding/json"
	"path"
	"sort"
	"strings"
	"time"

	kvstore "github.com/docker/libkv/store"
	"github.com/docker/libkv/store/zookeeper"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"

	"github.com/striderproject/strider/pkg/storage"
)

const (
	// schemaVersion is the state layout version this build writes and
	// understands. The migration refuses to run against a newer layout.
	schemaVersion = "1"

	_schemaKey     = "schema-version"
	_appsPrefix    = "apps"
	_currentNode   = "current"
	_versionsNode  = "versions"
	_fwPrefix      = "frameworks"
	_frameworkNode = "framework-id"
	_streamNode    = "stream-id"
)

// ErrAppNotFound is returned when an app or app version does not exist.
var ErrAppNotFound = errors.New("app not found")

// Config is the ZooKeeper-backed storage configuration.
type Config struct {
	// ZK servers holding scheduler state. Often the same ensemble as the
	// election config.
	ZKServers []string `yaml:"zk_servers"`
	// Root path for all scheduler state, e.g. /strider/YOURCLUSTERHERE.
	Root string `yaml:"root"`
	// Connection timeout for the ZK session.
	ConnTimeout time.Duration `yaml:"conn_timeout"`
}

// Store persists app definitions, framework registration state and the
// schema version in ZooKeeper. It implements storage.AppStore,
// storage.FrameworkInfoStore and storage.Migrator.
type Store struct {
	client  kvstore.Store
	root    string
	metrics *Metrics
}

// New connects to ZooKeeper and returns a Store.
func New(cfg *Config, parent tally.Scope) (*Store, error) {
	timeout := cfg.ConnTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client, err := zookeeper.New(
		cfg.ZKServers,
		&kvstore.Config{ConnectionTimeout: timeout},
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to storage ZK")
	}
	return NewWithClient(client, cfg.Root, parent), nil
}

// NewWithClient wraps an existing libkv store. Used by tests.
func NewWithClient(client kvstore.Store, root string, parent tally.Scope) *Store {
	return &Store{
		client:  client,
		root:    root,
		metrics: NewMetrics(parent.SubScope("zkstore")),
	}
}

// Migrate brings the persisted state layout up to the version this build
// understands. It is idempotent: re-running against an already migrated
// root is a no-op.
func (s *Store) Migrate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	current, err := s.get(s.key(_schemaKey))
	if err != nil && err != kvstore.ErrKeyNotFound {
		s.metrics.MigrateFail.Inc(1)
		return errors.Wrap(err, "failed to read schema version")
	}

	if err == kvstore.ErrKeyNotFound || len(current) == 0 {
		if err := s.put(s.key(_schemaKey), []byte(schemaVersion)); err != nil {
			s.metrics.MigrateFail.Inc(1)
			return errors.Wrap(err, "failed to write schema version")
		}
		log.WithField("schema_version", schemaVersion).
			Info("Initialized storage schema")
		s.metrics.Migrate.Inc(1)
		return nil
	}

	if string(current) > schemaVersion {
		s.metrics.MigrateFail.Inc(1)
		return errors.Errorf(
			"storage schema %s is newer than supported %s",
			string(current), schemaVersion)
	}

	log.WithField("schema_version", string(current)).
		Debug("Storage schema already migrated")
	s.metrics.Migrate.Inc(1)
	return nil
}

// CreateApp stores the app as a new version and makes it current.
func (s *Store) CreateApp(ctx context.Context, app *storage.AppDefinition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if app.ID == "" {
		return errors.New("app id cannot be empty")
	}
	if app.Version == "" {
		app.Version = time.Now().UTC().Format(time.RFC3339)
	}

	data, err := json.Marshal(app)
	if err != nil {
		return errors.Wrap(err, "failed to marshal app")
	}

	versionKey := s.appVersionKey(app.ID, app.Version)
	if err := s.put(versionKey, data); err != nil {
		s.metrics.AppWriteFail.Inc(1)
		return errors.Wrapf(err, "failed to store app %s version %s", app.ID, app.Version)
	}
	if err := s.put(s.appCurrentKey(app.ID), data); err != nil {
		s.metrics.AppWriteFail.Inc(1)
		return errors.Wrapf(err, "failed to store current app %s", app.ID)
	}
	s.metrics.AppWrite.Inc(1)
	return nil
}

// GetApp returns the current definition of the app.
func (s *Store) GetApp(ctx context.Context, id string) (*storage.AppDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.readApp(s.appCurrentKey(id))
}

// GetAppVersion returns a specific stored version of the app.
func (s *Store) GetAppVersion(
	ctx context.Context,
	id string,
	version string) (*storage.AppDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.readApp(s.appVersionKey(id, version))
}

// ListAppVersions returns all stored version names of the app, sorted.
func (s *Store) ListAppVersions(ctx context.Context, id string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := s.key(_appsPrefix, id, _versionsNode)
	pairs, err := s.client.List(prefix)
	if err == kvstore.ErrKeyNotFound {
		return nil, ErrAppNotFound
	}
	if err != nil {
		s.metrics.AppReadFail.Inc(1)
		return nil, errors.Wrapf(err, "failed to list versions of app %s", id)
	}

	versions := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		versions = append(versions, path.Base(pair.Key))
	}
	sort.Strings(versions)
	s.metrics.AppRead.Inc(1)
	return versions, nil
}

// ListApps returns the current definition of every app.
func (s *Store) ListApps(ctx context.Context) ([]*storage.AppDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// ZK listings are shallow: children of the apps node are the app ids.
	pairs, err := s.client.List(s.key(_appsPrefix))
	if err == kvstore.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		s.metrics.AppReadFail.Inc(1)
		return nil, errors.Wrap(err, "failed to list apps")
	}

	var apps []*storage.AppDefinition
	for _, pair := range pairs {
		app, err := s.readApp(s.appCurrentKey(path.Base(pair.Key)))
		if err != nil {
			log.WithError(err).WithField("key", pair.Key).
				Error("Skipping unreadable app definition")
			continue
		}
		apps = append(apps, app)
	}
	s.metrics.AppRead.Inc(1)
	return apps, nil
}

// GetFrameworkID returns the persisted framework ID, or "" when this
// framework has never registered.
func (s *Store) GetFrameworkID(ctx context.Context, frameworkName string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	value, err := s.get(s.key(_fwPrefix, frameworkName, _frameworkNode))
	if err == kvstore.ErrKeyNotFound {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to read framework ID of %s", frameworkName)
	}
	return string(value), nil
}

// SetFrameworkID persists the framework ID assigned at registration.
func (s *Store) SetFrameworkID(
	ctx context.Context,
	frameworkName string,
	frameworkID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.put(s.key(_fwPrefix, frameworkName, _frameworkNode), []byte(frameworkID))
}

// GetMesosStreamID returns the persisted event stream ID.
func (s *Store) GetMesosStreamID(ctx context.Context, frameworkName string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	value, err := s.get(s.key(_fwPrefix, frameworkName, _streamNode))
	if err == kvstore.ErrKeyNotFound {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to read stream ID of %s", frameworkName)
	}
	return string(value), nil
}

// SetMesosStreamID persists the event stream ID of the current subscription.
func (s *Store) SetMesosStreamID(
	ctx context.Context,
	frameworkName string,
	streamID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.put(s.key(_fwPrefix, frameworkName, _streamNode), []byte(streamID))
}

func (s *Store) readApp(key string) (*storage.AppDefinition, error) {
	value, err := s.get(key)
	if err == kvstore.ErrKeyNotFound {
		return nil, ErrAppNotFound
	}
	if err != nil {
		s.metrics.AppReadFail.Inc(1)
		return nil, errors.Wrapf(err, "failed to read app at %s", key)
	}

	var app storage.AppDefinition
	if err := json.Unmarshal(value, &app); err != nil {
		s.metrics.AppReadFail.Inc(1)
		return nil, errors.Wrapf(err, "failed to decode app at %s", key)
	}
	s.metrics.AppRead.Inc(1)
	return &app, nil
}

func (s *Store) get(key string) ([]byte, error) {
	pair, err := s.client.Get(key)
	if err != nil {
		return nil, err
	}
	return pair.Value, nil
}

func (s *Store) put(key string, value []byte) error {
	return s.client.Put(key, value, nil)
}

func (s *Store) appCurrentKey(id string) string {
	return s.key(_appsPrefix, id, _currentNode)
}

func (s *Store) appVersionKey(id, version string) string {
	return s.key(_appsPrefix, id, _versionsNode, version)
}

// key joins path elements under the configured root.
// NOTE: remember, there cannot be a leading / for libkv.
func (s *Store) key(elem ...string) string {
	parts := append([]string{s.root}, elem...)
	return strings.TrimPrefix(path.Join(parts...), "/")
}
