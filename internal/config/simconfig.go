package config

import (
	"encoding/json"
	"os"
	"strings"
)

// SimulationFile is the JSON file handed out per simulation. It substitutes
// the domain/ID triple; credentials still come from the environment.
type SimulationFile struct {
	UUID                string `json:"uuid"`
	DomainName          string `json:"domain_name"`
	WebSocketDomainName string `json:"web_socket_domain_name"`
}

// ApplySimulationFile overlays the triple from the JSON file onto the
// config. Empty fields in the file leave the config untouched.
func ApplySimulationFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var file SimulationFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if v := strings.TrimSpace(file.UUID); v != "" {
		cfg.API.SimulationID = v
	}
	if v := strings.TrimSpace(file.DomainName); v != "" {
		cfg.API.DomainName = v
	}
	if v := strings.TrimSpace(file.WebSocketDomainName); v != "" {
		cfg.API.WebsocketDomainName = v
	}
	return nil
}
