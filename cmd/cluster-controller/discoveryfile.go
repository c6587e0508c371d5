package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/carmesh/cc/discovery"
	"github.com/carmesh/cc/persistence"
)

// discoveryFileEntry is the JSON shape of one row in a discoveryEntries.json
// file passed via -d: statically provisioned providers the controller
// should know about before any runtime discovery happens.
type discoveryFileEntry struct {
	Domain            string                  `json:"domain"`
	InterfaceName     string                  `json:"interfaceName"`
	ParticipantID     string                  `json:"participantId"`
	Address           persistence.WireAddress `json:"address"`
	MajorVersion      int                     `json:"majorVersion"`
	MinorVersion      int                     `json:"minorVersion"`
	IsGloballyVisible bool                    `json:"isGloballyVisible"`
}

// loadDiscoveryEntries reads path as a JSON array of discoveryFileEntry and
// provisions each one into client.
func loadDiscoveryEntries(path string, client *discovery.Client) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading discovery entries file: %w", err)
	}

	var rows []discoveryFileEntry
	if err := json.Unmarshal(data, &rows); err != nil {
		return fmt.Errorf("parsing discovery entries file: %w", err)
	}

	for _, row := range rows {
		addr, err := persistence.DecodeAddress(row.Address)
		if err != nil {
			return fmt.Errorf("discovery entry %s: %w", row.ParticipantID, err)
		}
		entry := discovery.Entry{
			ParticipantID:     row.ParticipantID,
			Address:           addr,
			Version:           discovery.Version{Major: row.MajorVersion, Minor: row.MinorVersion},
			IsGloballyVisible: row.IsGloballyVisible,
		}
		if err := client.Provision(row.Domain, row.InterfaceName, entry); err != nil {
			return fmt.Errorf("provisioning %s: %w", row.ParticipantID, err)
		}
	}
	return nil
}
