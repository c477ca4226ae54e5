package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeProfile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "profile_fra.yaml", `
name: France
code: FRA
data_residency: eu-west
compliance:
  - ACP-240
  - STANAG 4774
industry_ceiling: SECRET
default_scopes:
  - policy:nato
networking:
  outbound_mode: allowlist
  allowlist:
    - spoke.fra.example
retention:
  audit_log_days: 90
  sync_log_days: 30
`)

	p, err := LoadProfile(dir, "FRA")
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if p.Name != "France" {
		t.Errorf("name = %q, want France", p.Name)
	}
	if p.IndustryCeiling != "SECRET" {
		t.Errorf("industry ceiling = %q, want SECRET", p.IndustryCeiling)
	}
	if len(p.Compliance) != 2 || p.Compliance[0] != "ACP-240" {
		t.Errorf("compliance = %v", p.Compliance)
	}
	if p.Retention.AuditLogDays != 90 {
		t.Errorf("audit retention = %d, want 90", p.Retention.AuditLogDays)
	}
	if p.IsIslandMode() {
		t.Error("FRA should not be island mode")
	}
}

func TestLoadProfileMissingCodeDefaultsFromArg(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "profile_gbr.yaml", `
name: United Kingdom
`)

	p, err := LoadProfile(dir, "gbr")
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if p.Code != "GBR" {
		t.Errorf("code = %q, want GBR", p.Code)
	}
}

func TestLoadProfileNotFound(t *testing.T) {
	if _, err := LoadProfile(t.TempDir(), "zzz"); err == nil {
		t.Fatal("expected error for missing profile")
	}
}

func TestLoadAllProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "profile_usa.yaml", "name: United States\ncode: usa\n")
	writeProfile(t, dir, "profile_fra.yaml", "name: France\n")
	writeProfile(t, dir, "unrelated.yaml", "name: ignored\n")

	profiles, err := LoadAllProfiles(dir)
	if err != nil {
		t.Fatalf("LoadAllProfiles: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("got %d profiles, want 2", len(profiles))
	}
	if _, ok := profiles["USA"]; !ok {
		t.Error("missing USA profile (code should be uppercased)")
	}
	if p, ok := profiles["FRA"]; !ok || p.Name != "France" {
		t.Errorf("FRA profile = %+v (code derived from filename)", p)
	}
}

func TestIsAllowedAllowlist(t *testing.T) {
	p := &RealmProfile{
		Networking: NetworkPolicy{
			OutboundMode: "allowlist",
			Allowlist:    []string{"spoke.fra.example"},
		},
	}
	if !p.IsAllowed("spoke.fra.example") {
		t.Error("should allow listed host")
	}
	if p.IsAllowed("other.example") {
		t.Error("should deny unlisted host")
	}
}

func TestIsAllowedDenylist(t *testing.T) {
	p := &RealmProfile{
		Networking: NetworkPolicy{
			OutboundMode: "denylist",
			Denylist:     []string{"blocked.example"},
		},
	}
	if p.IsAllowed("blocked.example") {
		t.Error("should deny listed host")
	}
	if !p.IsAllowed("other.example") {
		t.Error("should allow unlisted host")
	}
}

func TestIsAllowedIslandMode(t *testing.T) {
	p := &RealmProfile{
		Networking: NetworkPolicy{OutboundMode: "island"},
	}
	if p.IsAllowed("anything.example") {
		t.Error("island mode should deny all outbound")
	}
}
