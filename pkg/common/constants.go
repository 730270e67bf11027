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

package common

const (
	// StriderScheduler is the service name of the scheduler daemon.
	StriderScheduler = "strider-scheduler"

	// SchedulerRole is the role the scheduler campaigns for in the
	// coordination service.
	SchedulerRole = "scheduler"

	// StriderEndpointPath is the base path for the scheduler HTTP endpoints.
	StriderEndpointPath = "/api/v1"
)
