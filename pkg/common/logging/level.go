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

package logging

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/uber-go/tally"
)

const (
	// LevelOverwrite is the endpoint for the overwrite level handler.
	LevelOverwrite = "/logging-level"

	_usage = "usage: GET `/logging-level?level=[info|debug]&duration=<duration>`"
)

// Handler serves temporary logging-level overrides, typically to turn on
// debug logging while chasing a leadership or driver problem. An override
// applies for the requested duration and then reverts to the level the
// daemon booted with. A new override replaces the pending revert instead
// of racing it, so the last request always wins.
type Handler struct {
	sync.Mutex

	initial log.Level
	revert  *time.Timer
	metrics *Metrics
}

// NewHandler creates the override handler and pins the initial level.
func NewHandler(initial log.Level, parent tally.Scope) *Handler {
	log.SetLevel(initial)
	return &Handler{
		initial: initial,
		metrics: NewMetrics(parent.SubScope("logging")),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	level, err := log.ParseLevel(query.Get("level"))
	if err != nil || (level != log.InfoLevel && level != log.DebugLevel) {
		h.reject(w, fmt.Errorf("level must be info or debug, got %q", query.Get("level")))
		return
	}

	duration, err := time.ParseDuration(query.Get("duration"))
	if err != nil || duration <= 0 {
		h.reject(w, fmt.Errorf("duration must be a positive duration, got %q", query.Get("duration")))
		return
	}

	h.Lock()
	defer h.Unlock()

	log.WithFields(log.Fields{
		"level":    level,
		"duration": duration,
	}).Info("Overriding logging level")
	log.SetLevel(level)
	h.metrics.Overrides.Inc(1)

	// Replace any pending revert so the latest override alone decides
	// when the level reverts.
	if h.revert != nil {
		h.revert.Stop()
	}
	h.revert = time.AfterFunc(duration, h.revertLevel)

	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "Level changed to %s for the next %v.\n", level, duration)
}

func (h *Handler) revertLevel() {
	h.Lock()
	defer h.Unlock()

	log.WithField("level", h.initial).Info("Reverting logging level")
	log.SetLevel(h.initial)
	h.metrics.Reverts.Inc(1)
	h.revert = nil
}

func (h *Handler) reject(w http.ResponseWriter, err error) {
	h.metrics.BadRequests.Inc(1)
	w.WriteHeader(http.StatusBadRequest)
	fmt.Fprintln(w, err.Error())
	fmt.Fprintln(w, _usage)
}
