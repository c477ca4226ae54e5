package main

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/coalition-io/fedhub/pkg/clearance"
	"github.com/coalition-io/fedhub/pkg/config"
)

func TestIndustryCapsOverlayFromProfiles(t *testing.T) {
	logger := slog.Default()

	caps := industryCaps(map[string]*config.RealmProfile{
		"FRA": {Code: "FRA", IndustryCeiling: "restricted"},
		"DEU": {Code: "DEU", IndustryCeiling: "not-a-level"},
	}, logger)

	assert.Equal(t, clearance.Restricted, caps["FRA"])
	// Invalid ceilings keep the default.
	assert.Equal(t, clearance.Confidential, caps["DEU"])
	// Realms without a profile keep the default too.
	assert.Equal(t, clearance.Secret, caps["USA"])
}

func TestLoadExchangePeersHonorsNetworkingPolicy(t *testing.T) {
	cfg := &config.Config{Peers: []config.Peer{
		{Code: "USA", Endpoint: "https://usa.example.org:8443"},
		{Code: "FRA", Endpoint: "https://fra.example.org"},
		{Code: "DEU", Endpoint: "https://deu.example.org"},
	}}
	profiles := map[string]*config.RealmProfile{
		"FRA": {Code: "FRA", Networking: config.NetworkPolicy{IslandMode: true}},
		"DEU": {Code: "DEU", Networking: config.NetworkPolicy{
			OutboundMode: "allowlist",
			Allowlist:    []string{"deu.example.org"},
		}},
	}

	peers := loadExchangePeers(cfg, profiles, slog.Default())

	assert.Equal(t, []string{"USA", "DEU"}, peerCodes(peers))
}
