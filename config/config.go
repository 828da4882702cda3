// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package config

import (
	"fmt"
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

// serviceConfig carries the top-level identity, binding, and resource-limit
// parameters for one Librarian instance (spec §6).
type serviceConfig struct {
	// Name is this instance's federation-visible identity, returned by ping().
	Name string `yaml:"name"`
	// DisplayedSiteName and DisplayedSiteDescription are presentation-only.
	DisplayedSiteName        string `yaml:"displayed_site_name,omitempty"`
	DisplayedSiteDescription string `yaml:"displayed_site_description,omitempty"`

	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// MaxConnections caps concurrently-served HTTP connections.
	// default: 100
	MaxConnections int `yaml:"max_connections,omitempty"`

	// DataDirectory names a directory for persistent process-local state.
	// No package reads it: the metadata database path (database.name) and
	// the encryption key file (encryption_key_file) are configured on their
	// own and are used as given.
	DataDirectory string `yaml:"data_dir"`

	// EncryptionKeyFile names a file holding the symmetric key used to
	// encrypt and decrypt Peer authenticators at rest (spec §4.4, §9).
	EncryptionKeyFile string `yaml:"encryption_key_file"`

	// MaxSearchResults caps search_files results for non-admin callers.
	// default: 1000
	MaxSearchResults int `yaml:"max_search_results,omitempty"`

	// MaximalUploadSizeBytes is the per-upload ceiling enforced pre-stream.
	MaximalUploadSizeBytes int64 `yaml:"maximal_upload_size_bytes,omitempty"`

	// BackgroundConfigFile points at the JSON background-task
	// configuration document (spec §4.6, §6 LIBRARIAN_BACKGROUND_CONFIG).
	BackgroundConfigFile string `yaml:"background_config_file,omitempty"`

	// Debug toggles verbose (debug-level) structured logging.
	Debug bool `yaml:"debug,omitempty"`
}

// global config variables, populated by Init.
var Service serviceConfig
var Database databaseConfig
var Stores map[string]storeConfig
var Peers map[string]peerConfig
var Slack slackConfig

// configFile performs the unmarshalling from the YAML config file; its
// fields are copied into the package globals above.
type configFile struct {
	Service  serviceConfig         `yaml:"service"`
	Database databaseConfig        `yaml:"database"`
	Stores   map[string]storeConfig `yaml:"add_stores"`
	Peers    map[string]peerConfig  `yaml:"add_librarians"`
	Slack    slackConfig           `yaml:"slack_webhook,omitempty"`
}

// readConfig locates and parses configuration bytes, expanding any
// ${ENV_VAR} references before unmarshalling, and applies defaults for
// fields the document omits.
func readConfig(bytes []byte) error {
	bytes = []byte(os.ExpandEnv(string(bytes)))

	var conf configFile
	conf.Service.Port = 8080
	conf.Service.MaxConnections = 100
	conf.Service.MaxSearchResults = 1000
	conf.Database.Driver = "sqlite"

	err := yaml.Unmarshal(bytes, &conf)
	if err != nil {
		log.Printf("Couldn't parse configuration data: %s\n", err)
		return err
	}

	Service = conf.Service
	Database = conf.Database
	Stores = conf.Stores
	Peers = conf.Peers
	Slack = conf.Slack

	return nil
}

// validateConfig rejects configurations that are structurally present but
// semantically invalid (out-of-range ports, missing required fields, and so
// on). It does not attempt to contact any store, peer, or database --
// that's the job of the packages that consume this configuration.
func validateConfig() error {
	if Service.Name == "" {
		return fmt.Errorf("service.name is required")
	}
	if Service.Port < 0 || Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 0-65535)", Service.Port)
	}
	if Service.MaxConnections <= 0 {
		return fmt.Errorf("invalid max_connections: %d (must be positive)", Service.MaxConnections)
	}
	if Service.EncryptionKeyFile == "" {
		return fmt.Errorf("service.encryption_key_file is required")
	}
	if err := validateDatabase(Database); err != nil {
		return err
	}
	if err := validateStores(Stores); err != nil {
		return err
	}
	if err := validatePeers(Peers); err != nil {
		return err
	}
	return nil
}

// Init parses and validates the given YAML configuration document,
// populating the package's global configuration variables.
func Init(yamlData []byte) error {
	if err := readConfig(yamlData); err != nil {
		return err
	}
	return validateConfig()
}
