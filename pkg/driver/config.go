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

package driver

// Config for Mesos specific configuration.
type Config struct {
	// Master address: host:port or zk://host1:port1,.../mesos.
	Master    string           `yaml:"master"`
	Framework *FrameworkConfig `yaml:"framework"`
	// How long declined offers are withheld from this framework.
	OfferRefuseSeconds float64 `yaml:"offer_refuse_seconds"`
}

// FrameworkConfig for framework specific configuration.
type FrameworkConfig struct {
	User            string  `yaml:"user"`
	Name            string  `yaml:"name"`
	Role            string  `yaml:"role"`
	Principal       string  `yaml:"principal"`
	FailoverTimeout float64 `yaml:"failover_timeout"`
	Checkpoint      bool    `yaml:"checkpoint"`
}
