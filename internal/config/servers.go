// Package config resolves appliance credentials from servers.yaml and the
// tool settings from flags, environment and an optional settings file.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/Sternrassler/atp-events/pkg/client"
	"gopkg.in/yaml.v3"
)

var (
	ErrNoServers     = errors.New("no servers configured")
	ErrUnknownServer = errors.New("server not configured")
	ErrMissingField  = errors.New("missing field")
)

// ConfigError reports a problem with the servers file. It is raised before
// any network activity.
type ConfigError struct {
	Path   string
	Server string
	Field  string
	Err    error
}

func (e *ConfigError) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("check your %s file: server %s is missing %q", e.Path, e.Server, e.Field)
	case e.Server != "":
		return fmt.Sprintf("check your %s file: %s: %v", e.Path, e.Server, e.Err)
	default:
		return fmt.Sprintf("servers file %s: %v", e.Path, e.Err)
	}
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ServerEntry is the credential block of one appliance.
type ServerEntry struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// Servers maps appliance host name or IP to its credentials.
type Servers struct {
	path    string
	entries map[string]*ServerEntry
}

// LoadServers reads the servers file:
//
//	10.0.0.5:
//	  client_id: "O2ID.example..."
//	  client_secret: "..."
//	atp2.example.com:
//	  client_id: "..."
//	  client_secret: "..."
func LoadServers(path string) (*Servers, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is chosen by the operator.
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &ConfigError{Path: path, Err: fmt.Errorf("file not found, please create it: %w", err)}
		}
		return nil, &ConfigError{Path: path, Err: err}
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, &ConfigError{Path: path, Err: ErrNoServers}
	}

	entries := make(map[string]*ServerEntry)
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, &ConfigError{Path: path, Err: fmt.Errorf("malformed YAML: %w", err)}
	}
	if len(entries) == 0 {
		return nil, &ConfigError{Path: path, Err: ErrNoServers}
	}

	return &Servers{path: path, entries: entries}, nil
}

// Names returns the configured servers in sorted order.
func (s *Servers) Names() []string {
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Credentials resolves the credentials of the selected server, or of every
// configured server when selector is empty. Every selected entry is validated
// before anything is returned.
func (s *Servers) Credentials(selector string) ([]client.ServerCredential, error) {
	names := s.Names()
	if selector = strings.TrimSpace(selector); selector != "" {
		if _, ok := s.entries[selector]; !ok {
			return nil, &ConfigError{Path: s.path, Server: selector, Err: ErrUnknownServer}
		}
		names = []string{selector}
	}

	creds := make([]client.ServerCredential, 0, len(names))
	for _, name := range names {
		entry := s.entries[name]
		if entry == nil || strings.TrimSpace(entry.ClientID) == "" {
			return nil, &ConfigError{Path: s.path, Server: name, Field: "client_id", Err: ErrMissingField}
		}
		if strings.TrimSpace(entry.ClientSecret) == "" {
			return nil, &ConfigError{Path: s.path, Server: name, Field: "client_secret", Err: ErrMissingField}
		}
		creds = append(creds, client.NewServerCredential(name, entry.ClientID, entry.ClientSecret))
	}
	return creds, nil
}
