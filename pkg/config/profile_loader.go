package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// RealmProfile is a per-nation federation profile: the operational
// ground rules the hub applies when dealing with that realm's spokes
// and subjects.
type RealmProfile struct {
	Name            string          `yaml:"name" json:"name"`
	Code            string          `yaml:"code" json:"code"`
	DataResidency   string          `yaml:"data_residency" json:"data_residency"`
	Compliance      []string        `yaml:"compliance" json:"compliance"` // e.g. ACP-240, STANAG 4774
	IndustryCeiling string          `yaml:"industry_ceiling" json:"industry_ceiling"`
	DefaultScopes   []string        `yaml:"default_scopes" json:"default_scopes"`
	Networking      NetworkPolicy   `yaml:"networking" json:"networking"`
	Retention       RetentionPolicy `yaml:"retention" json:"retention"`
}

// NetworkPolicy controls which peer hosts the hub will dial for this
// realm.
type NetworkPolicy struct {
	OutboundMode string   `yaml:"outbound_mode" json:"outbound_mode"` // "allowlist" | "denylist" | "island"
	Allowlist    []string `yaml:"allowlist,omitempty" json:"allowlist,omitempty"`
	Denylist     []string `yaml:"denylist,omitempty" json:"denylist,omitempty"`
	IslandMode   bool     `yaml:"island_mode" json:"island_mode"` // if true, block all outbound
}

// RetentionPolicy defines per-realm data retention.
type RetentionPolicy struct {
	AuditLogDays int `yaml:"audit_log_days" json:"audit_log_days"`
	SyncLogDays  int `yaml:"sync_log_days" json:"sync_log_days"`
}

// LoadProfile loads one realm profile YAML by instance code. It
// searches the profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*RealmProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile RealmProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = strings.ToUpper(code)
	}

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles
// directory, keyed by uppercased instance code.
func LoadAllProfiles(profilesDir string) (map[string]*RealmProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*RealmProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile RealmProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			// profile_fra.yaml -> FRA
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profile.Code = strings.ToUpper(profile.Code)

		profiles[profile.Code] = &profile
	}

	return profiles, nil
}

// IsIslandMode reports whether the profile blocks all outbound
// networking toward this realm.
func (p *RealmProfile) IsIslandMode() bool {
	return p.Networking.IslandMode || p.Networking.OutboundMode == "island"
}

// IsAllowed checks a peer hostname against the networking policy.
func (p *RealmProfile) IsAllowed(hostname string) bool {
	if p.IsIslandMode() {
		return false
	}

	switch p.Networking.OutboundMode {
	case "allowlist":
		for _, h := range p.Networking.Allowlist {
			if h == hostname {
				return true
			}
		}
		return false
	case "denylist":
		for _, h := range p.Networking.Denylist {
			if h == hostname {
				return false
			}
		}
		return true
	default:
		return true
	}
}
