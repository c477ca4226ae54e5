package attributes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coalition-io/fedhub/pkg/clearance"
)

func newTestNormalizer() *Normalizer {
	return NewNormalizer(clearance.NewResolver(clearance.DefaultMappings()), nil)
}

func TestNormalizeFranceSAML(t *testing.T) {
	n := newTestNormalizer()

	attrs, err := n.Normalize("france-idp", map[string]any{
		"uid":                "pierre.dubois@defense.gouv.fr",
		"niveauHabilitation": "TRÈS_SECRET_DÉFENSE",
		"paysAffiliation":    "FRA",
		"groupeInteret":      []any{"NATO-COSMIC", "EU-SECRET"},
		"organisation":       "DGA",
		"grade":              "Colonel",
	})
	require.NoError(t, err)

	assert.Equal(t, "pierre.dubois@defense.gouv.fr", attrs.UniqueID)
	assert.Equal(t, clearance.TopSecret, attrs.Clearance)
	assert.Equal(t, "FRA", attrs.CountryOfAffiliation)
	assert.Equal(t, []string{"NATO-COSMIC", "EU-SECRET"}, attrs.ACPCOI)
	assert.Equal(t, "DGA", attrs.Organization)
	assert.Equal(t, "Colonel", attrs.Rank)
}

func TestNormalizeUSACanonicalPassThrough(t *testing.T) {
	n := newTestNormalizer()

	attrs, err := n.Normalize("usa-oidc", map[string]any{
		"preferred_username":   "jsmith",
		"email":                "jsmith@army.mil",
		"clearance":            "SECRET",
		"countryOfAffiliation": "US",
		"userType":             "military",
	})
	require.NoError(t, err)

	assert.Equal(t, "jsmith", attrs.UniqueID)
	assert.Equal(t, clearance.Secret, attrs.Clearance)
	// alpha-2 normalized to alpha-3
	assert.Equal(t, "USA", attrs.CountryOfAffiliation)
	assert.Equal(t, UserTypeMilitary, attrs.UserType)
}

func TestNormalizeUSAInvalidClearanceDropped(t *testing.T) {
	n := newTestNormalizer()

	attrs, err := n.Normalize("usa-oidc", map[string]any{
		"uniqueID":  "u1",
		"clearance": "ULTRA-VIOLET",
	})
	require.NoError(t, err)
	assert.Equal(t, clearance.Unclassified, attrs.Clearance)
	assert.Equal(t, clearance.ConfidenceFallback, attrs.ClearanceConfidence)
	assert.Equal(t, "USA", attrs.CountryOfAffiliation)
}

func TestNormalizeIndustryCap(t *testing.T) {
	n := newTestNormalizer()

	attrs, err := n.Normalize("industry-oidc", map[string]any{
		"email":     "alice@raytheon.com",
		"clearance": "TOP_SECRET",
	})
	require.NoError(t, err)

	assert.Equal(t, "alice@raytheon.com", attrs.UniqueID)
	assert.Equal(t, "USA", attrs.CountryOfAffiliation)
	assert.Equal(t, "Raytheon", attrs.Organization)
	// TOP_SECRET capped to the USA industry ceiling
	assert.Equal(t, clearance.Secret, attrs.Clearance)
	assert.Equal(t, UserTypeContractor, attrs.UserType)
}

func TestNormalizeIndustryFrenchDomain(t *testing.T) {
	n := newTestNormalizer()

	attrs, err := n.Normalize("industry-saml", map[string]any{
		"email":     "bob@thalesgroup.com",
		"clearance": "SECRET",
	})
	require.NoError(t, err)
	assert.Equal(t, "FRA", attrs.CountryOfAffiliation)
	// FRA industry ceiling is CONFIDENTIAL
	assert.Equal(t, clearance.Confidential, attrs.Clearance)
}

func TestNormalizeGermanyOIDC(t *testing.T) {
	n := newTestNormalizer()

	attrs, err := n.Normalize("germany-oidc", map[string]any{
		"preferred_username": "hmueller",
		"clearance":          "GEHEIM",
	})
	require.NoError(t, err)
	assert.Equal(t, clearance.Secret, attrs.Clearance)
	assert.Equal(t, "DEU", attrs.CountryOfAffiliation)
}

func TestNormalizeUniqueIDFallbackChain(t *testing.T) {
	n := newTestNormalizer()

	attrs, err := n.Normalize("usa-oidc", map[string]any{"email": "only@example.mil"})
	require.NoError(t, err)
	assert.Equal(t, "only@example.mil", attrs.UniqueID)

	_, err = n.Normalize("usa-oidc", map[string]any{"clearance": "SECRET"})
	require.ErrorIs(t, err, ErrNoUniqueID)
}

func TestNormalizeUnknownAliasGeneric(t *testing.T) {
	n := newTestNormalizer()

	attrs, err := n.Normalize("partner-xyz", map[string]any{
		"uniqueID":             "x1",
		"countryOfAffiliation": "NLD",
		"clearance":            "CONFIDENTIAL",
	})
	require.NoError(t, err)
	assert.Equal(t, "NLD", attrs.CountryOfAffiliation)
	assert.Equal(t, clearance.Confidential, attrs.Clearance)
}

func TestEnrichFillsDefaultsOnly(t *testing.T) {
	n := newTestNormalizer()

	out := n.Enrich(SubjectAttributes{UniqueID: "u1"}, "france-idp")
	assert.Equal(t, clearance.Unclassified, out.Clearance)
	assert.Equal(t, "FRA", out.CountryOfAffiliation)
	assert.Equal(t, UserTypeCivilian, out.UserType)

	// existing values are never overwritten
	out = n.Enrich(SubjectAttributes{
		UniqueID:             "u2",
		Clearance:            clearance.Secret,
		CountryOfAffiliation: "CAN",
		UserType:             UserTypeMilitary,
	}, "france-idp")
	assert.Equal(t, clearance.Secret, out.Clearance)
	assert.Equal(t, "CAN", out.CountryOfAffiliation)
	assert.Equal(t, UserTypeMilitary, out.UserType)
}

func TestACPCOIFromCommaSeparatedString(t *testing.T) {
	n := newTestNormalizer()
	attrs, err := n.Normalize("canada-oidc", map[string]any{
		"uniqueID": "c1",
		"acpCOI":   "FVEY, NATO",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"FVEY", "NATO"}, attrs.ACPCOI)
}
