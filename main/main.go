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

package main

import (
	"encoding/json"
	"fmt"
	nethttp "net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	_ "go.uber.org/automaxprocs"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/striderproject/strider/pkg/common"
	"github.com/striderproject/strider/pkg/common/config"
	"github.com/striderproject/strider/pkg/common/eventbus"
	"github.com/striderproject/strider/pkg/common/leader"
	"github.com/striderproject/strider/pkg/common/logging"
	"github.com/striderproject/strider/pkg/common/metrics"
	"github.com/striderproject/strider/pkg/driver"
	"github.com/striderproject/strider/pkg/health"
	"github.com/striderproject/strider/pkg/scheduler"
	"github.com/striderproject/strider/pkg/storage/zkstore"
	"github.com/striderproject/strider/pkg/tasktracker"
)

// Config holds the full scheduler daemon configuration.
type Config struct {
	Scheduler scheduler.Config      `yaml:"scheduler"`
	Mesos     driver.Config         `yaml:"mesos"`
	Election  leader.ElectionConfig `yaml:"election"`
	Storage   zkstore.Config        `yaml:"storage"`
	Metrics   metrics.Config        `yaml:"metrics"`
	Health    health.Config         `yaml:"health"`
}

var (
	version string
	app     = kingpin.New(common.StriderScheduler, "Strider Scheduler")

	debug = app.Flag(
		"debug", "enable debug logging").
		Short('d').
		Default("false").
		Envar("ENABLE_DEBUG_LOGGING").
		Bool()

	configFiles = app.Flag(
		"config",
		"YAML config files (can be provided multiple times to merge configs)").
		Short('c').
		Required().
		ExistingFiles()

	electionZkServers = app.Flag(
		"election-zk-server",
		"Election Zookeeper servers. Specify multiple times for multiple servers "+
			"(election.zk_servers override) (set $ELECTION_ZK_SERVERS to override)").
		Envar("ELECTION_ZK_SERVERS").
		Strings()

	storageZkServers = app.Flag(
		"storage-zk-server",
		"Storage Zookeeper servers. Specify multiple times for multiple servers "+
			"(storage.zk_servers override) (set $STORAGE_ZK_SERVERS to override)").
		Envar("STORAGE_ZK_SERVERS").
		Strings()

	mesosMaster = app.Flag(
		"mesos-master",
		"Mesos master address (mesos.master override) (set $MESOS_MASTER to override)").
		Envar("MESOS_MASTER").
		String()

	httpPort = app.Flag(
		"http-port", "Scheduler HTTP port (scheduler.http_port override) "+
			"(set $HTTP_PORT to override)").
		Envar("HTTP_PORT").
		Int()
)

func main() {
	app.Version(version)
	app.HelpFlag.Short('h')
	kingpin.MustParse(app.Parse(os.Args[1:]))

	log.SetFormatter(&log.JSONFormatter{})

	initialLevel := log.InfoLevel
	if *debug {
		initialLevel = log.DebugLevel
	}
	log.SetLevel(initialLevel)

	log.WithField("files", *configFiles).Info("Loading scheduler config")
	var cfg Config
	if err := config.Parse(&cfg, *configFiles...); err != nil {
		log.WithField("error", err).Fatal("Cannot parse yaml config")
	}

	// now, override any CLI flags in the loaded config
	if len(*electionZkServers) > 0 {
		cfg.Election.ZKServers = *electionZkServers
	}
	if len(*storageZkServers) > 0 {
		cfg.Storage.ZKServers = *storageZkServers
	}
	if *mesosMaster != "" {
		cfg.Mesos.Master = *mesosMaster
	}
	if *httpPort != 0 {
		cfg.Scheduler.HTTPPort = *httpPort
	}

	log.WithField("config", cfg).Debug("Loaded scheduler config")

	rootScope, scopeCloser, mux := metrics.InitMetricScope(
		&cfg.Metrics,
		common.StriderScheduler,
		metrics.TallyFlushInterval,
	)
	defer scopeCloser.Close()

	mux.Handle(
		logging.LevelOverwrite,
		logging.NewHandler(initialLevel, rootScope))

	rootScope.Counter("boot").Inc(1)

	store, err := zkstore.New(&cfg.Storage, rootScope)
	if err != nil {
		log.WithError(err).Fatal("Cannot initialize storage")
	}

	tracker := tasktracker.New(store, rootScope)
	bus := eventbus.NewBus(rootScope)

	driverFactory := driver.NewFactory(&cfg.Mesos, store, tracker, rootScope)

	// The actor reads the driver through the server; the server is
	// created afterwards, so bind the provider late.
	var server *scheduler.Server
	actor := scheduler.NewActor(
		store,
		tracker,
		nil, // health-check execution lives outside the scheduler daemon
		func() driver.Driver {
			if server == nil {
				return nil
			}
			return server.CurrentDriver()
		},
		bus,
		rootScope,
	)

	server = scheduler.NewServer(
		rootScope,
		&cfg.Scheduler,
		driverFactory,
		store,
		scheduler.NewLeadershipCoordinator(actor),
		nil,
		actor,
		tracker,
		bus,
		version,
	)

	var candidate leader.Candidate
	if len(cfg.Election.ZKServers) > 0 {
		candidate, err = leader.NewCandidate(
			cfg.Election,
			rootScope,
			common.SchedulerRole,
			server,
		)
	} else {
		candidate, err = leader.NewSoloCandidate(
			rootScope,
			common.SchedulerRole,
			server,
		)
	}
	if err != nil {
		log.WithError(err).Fatal("Unable to create leader candidate")
	}
	server.SetCandidate(candidate)

	handler := scheduler.NewHandler(actor, store, &cfg.Scheduler)
	registerHandlers(mux, handler)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Scheduler.HTTPPort)
		log.WithField("addr", addr).Info("Serving scheduler HTTP endpoints")
		if err := nethttp.ListenAndServe(addr, mux); err != nil {
			log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	server.Start()
	if err := candidate.Start(); err != nil {
		log.WithError(err).Fatal("Unable to start leader candidate")
	}

	health.InitHeartbeat(rootScope, cfg.Health, candidate)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.WithField("signal", sig).Info("Shutting down on signal")
		if err := candidate.Stop(); err != nil {
			log.WithError(err).Error("Error stopping candidate")
		}
	}()

	log.WithField("http_port", cfg.Scheduler.HTTPPort).
		Info("Started strider scheduler")

	// blocks until shutdown releases the latch
	server.Run()
}

// registerHandlers mounts the exposed scheduler surface on the mux.
func registerHandlers(mux *nethttp.ServeMux, handler *scheduler.Handler) {
	mux.HandleFunc(common.StriderEndpointPath+"/deployments",
		func(w nethttp.ResponseWriter, r *nethttp.Request) {
			infos, err := handler.ListRunningDeployments(r.Context())
			if err != nil {
				nethttp.Error(w, err.Error(), nethttp.StatusGatewayTimeout)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(infos)
		})

	mux.HandleFunc(common.StriderEndpointPath+"/apps/",
		func(w nethttp.ResponseWriter, r *nethttp.Request) {
			id := strings.TrimPrefix(r.URL.Path, common.StriderEndpointPath+"/apps/")
			if id == "" {
				nethttp.Error(w, "app id required", nethttp.StatusBadRequest)
				return
			}
			if strings.HasSuffix(id, "/versions") {
				id = strings.TrimSuffix(id, "/versions")
				versions, err := handler.ListAppVersions(r.Context(), id)
				if err != nil {
					nethttp.Error(w, err.Error(), nethttp.StatusNotFound)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(versions)
				return
			}
			app, err := handler.GetApp(r.Context(), id, r.URL.Query().Get("version"))
			if err != nil {
				nethttp.Error(w, err.Error(), nethttp.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(app)
		})
}
