// Package attributes normalizes external identity-provider claims into
// the canonical subject attribute set shared across the federation.
package attributes

import (
	"github.com/coalition-io/fedhub/pkg/clearance"
)

// UserType classifies the subject's relationship to the coalition.
type UserType string

const (
	UserTypeMilitary      UserType = "military"
	UserTypeCivilian      UserType = "civilian"
	UserTypeContractor    UserType = "contractor"
	UserTypeAdministrator UserType = "administrator"
)

// SubjectAttributes is the wire contract for subjects. UniqueID is the
// only required field; everything else degrades to safe defaults.
type SubjectAttributes struct {
	UniqueID             string               `json:"uniqueID"`
	Email                string               `json:"email,omitempty"`
	Clearance            clearance.Level      `json:"clearance"`
	ClearanceConfidence  clearance.Confidence `json:"clearanceConfidence,omitempty"`
	CountryOfAffiliation string               `json:"countryOfAffiliation,omitempty"`
	ACPCOI               []string             `json:"acpCOI,omitempty"`
	Organization         string               `json:"organization,omitempty"`
	Rank                 string               `json:"rank,omitempty"`
	Unit                 string               `json:"unit,omitempty"`
	UserType             UserType             `json:"userType,omitempty"`
	IdPAlias             string               `json:"idpAlias,omitempty"`
}

// alpha2to3 normalizes ISO-3166-1 alpha-2 codes to alpha-3. Values
// already in alpha-3 pass through untouched.
var alpha2to3 = map[string]string{
	"US": "USA", "FR": "FRA", "CA": "CAN", "DE": "DEU", "GB": "GBR",
	"IT": "ITA", "ES": "ESP", "NL": "NLD", "NO": "NOR", "PL": "POL",
	"BE": "BEL", "DK": "DNK", "PT": "PRT", "TR": "TUR", "GR": "GRC",
	"AU": "AUS", "NZ": "NZL",
}
