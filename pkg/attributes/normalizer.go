package attributes

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/coalition-io/fedhub/pkg/clearance"
)

// ErrNoUniqueID is returned when no stable identifier can be derived
// from the raw claims (fallback chain exhausted).
var ErrNoUniqueID = errors.New("cannot derive uniqueID from claims")

// family identifies a known normalization rule set. Dispatch happens
// once, on the IdP alias prefix, never on strings deeper in the path.
type family int

const (
	familyGeneric family = iota
	familyUSA
	familyFrance
	familyCanada
	familyGermany
	familyIndustry
)

var familyPrefixes = []struct {
	prefix string
	fam    family
}{
	{"usa-", familyUSA},
	{"france-", familyFrance},
	{"fra-", familyFrance},
	{"canada-", familyCanada},
	{"can-", familyCanada},
	{"germany-", familyGermany},
	{"deu-", familyGermany},
	{"industry-", familyIndustry},
}

func familyFor(alias string) family {
	lower := strings.ToLower(alias)
	for _, fp := range familyPrefixes {
		if strings.HasPrefix(lower, fp.prefix) {
			return fp.fam
		}
	}
	return familyGeneric
}

// Normalizer maps raw IdP claims into SubjectAttributes.
type Normalizer struct {
	resolver     *clearance.Resolver
	industryCaps map[string]clearance.Level
	domains      map[string]industryDomain
	logger       *slog.Logger
}

type industryDomain struct {
	country string
	company string
}

// DefaultIndustryCaps is the per-country ceiling applied to industry
// subjects regardless of what their IdP asserts.
func DefaultIndustryCaps() map[string]clearance.Level {
	return map[string]clearance.Level{
		"USA": clearance.Secret,
		"FRA": clearance.Confidential,
		"CAN": clearance.Confidential,
		"DEU": clearance.Confidential,
		"GBR": clearance.Secret,
	}
}

func defaultIndustryDomains() map[string]industryDomain {
	return map[string]industryDomain{
		"raytheon.com":      {"USA", "Raytheon"},
		"lockheedmartin.com": {"USA", "Lockheed Martin"},
		"boeing.com":        {"USA", "Boeing"},
		"thalesgroup.com":   {"FRA", "Thales Group"},
		"airbus.com":        {"FRA", "Airbus"},
		"baesystems.com":    {"GBR", "BAE Systems"},
		"rheinmetall.com":   {"DEU", "Rheinmetall"},
		"cae.com":           {"CAN", "CAE"},
	}
}

// NewNormalizer builds a normalizer over the given clearance resolver.
// Nil caps fall back to DefaultIndustryCaps.
func NewNormalizer(resolver *clearance.Resolver, caps map[string]clearance.Level) *Normalizer {
	if caps == nil {
		caps = DefaultIndustryCaps()
	}
	return &Normalizer{
		resolver:     resolver,
		industryCaps: caps,
		domains:      defaultIndustryDomains(),
		logger:       slog.Default().With("component", "attributes"),
	}
}

// Normalize maps raw claims from the given IdP into canonical subject
// attributes. It fails only when no stable identifier can be derived.
func (n *Normalizer) Normalize(idpAlias string, raw map[string]any) (SubjectAttributes, error) {
	var attrs SubjectAttributes
	attrs.IdPAlias = idpAlias

	switch familyFor(idpAlias) {
	case familyUSA:
		n.normalizeUSA(&attrs, raw)
	case familyFrance:
		n.normalizeFrance(&attrs, raw)
	case familyCanada:
		n.normalizeCountryOIDC(&attrs, raw, "CAN")
	case familyGermany:
		n.normalizeCountryOIDC(&attrs, raw, "DEU")
	case familyIndustry:
		n.normalizeIndustry(&attrs, raw)
	default:
		n.normalizeGeneric(&attrs, raw)
	}

	if attrs.UniqueID == "" {
		return SubjectAttributes{}, fmt.Errorf("%w: idp=%s", ErrNoUniqueID, idpAlias)
	}
	return attrs, nil
}

// Enrich fills minimal defaults on a partially populated attribute set
// without overwriting anything already present.
func (n *Normalizer) Enrich(partial SubjectAttributes, idpAlias string) SubjectAttributes {
	out := partial
	if out.IdPAlias == "" {
		out.IdPAlias = idpAlias
	}
	if out.Clearance == "" {
		out.Clearance = clearance.Unclassified
		out.ClearanceConfidence = clearance.ConfidenceFallback
	}
	if out.CountryOfAffiliation == "" {
		switch familyFor(idpAlias) {
		case familyUSA:
			out.CountryOfAffiliation = "USA"
		case familyFrance:
			out.CountryOfAffiliation = "FRA"
		case familyCanada:
			out.CountryOfAffiliation = "CAN"
		case familyGermany:
			out.CountryOfAffiliation = "DEU"
		}
	}
	if out.UserType == "" {
		out.UserType = UserTypeCivilian
	}
	return out
}

func (n *Normalizer) normalizeUSA(attrs *SubjectAttributes, raw map[string]any) {
	attrs.UniqueID = firstString(raw, "uniqueID", "preferred_username", "email", "sub")
	attrs.Email = stringClaim(raw, "email")
	attrs.CountryOfAffiliation = normalizeCountry(stringClaim(raw, "countryOfAffiliation"), "USA")
	attrs.ACPCOI = stringSliceClaim(raw, "acpCOI")
	attrs.Organization = stringClaim(raw, "organization")
	attrs.Rank = stringClaim(raw, "rank")
	attrs.Unit = stringClaim(raw, "unit")
	attrs.UserType = userTypeClaim(raw)

	// Claims are expected canonical; invalid clearances drop silently.
	if c := clearance.Level(stringClaim(raw, "clearance")); clearance.Valid(c) {
		attrs.Clearance = c
		attrs.ClearanceConfidence = clearance.ConfidenceExact
	} else {
		attrs.Clearance = clearance.Unclassified
		attrs.ClearanceConfidence = clearance.ConfidenceFallback
	}
}

func (n *Normalizer) normalizeFrance(attrs *SubjectAttributes, raw map[string]any) {
	attrs.UniqueID = firstString(raw, "uid", "uniqueID", "preferred_username", "email", "sub")
	attrs.Email = firstString(raw, "email", "mail")
	attrs.CountryOfAffiliation = normalizeCountry(stringClaim(raw, "paysAffiliation"), "FRA")
	attrs.ACPCOI = stringSliceClaim(raw, "groupeInteret")
	attrs.Organization = stringClaim(raw, "organisation")
	attrs.Rank = stringClaim(raw, "grade")
	attrs.Unit = stringClaim(raw, "unite")
	attrs.UserType = userTypeClaim(raw)

	res := n.resolver.Normalize(stringClaim(raw, "niveauHabilitation"), attrs.CountryOfAffiliation)
	attrs.Clearance = res.Normalized
	attrs.ClearanceConfidence = res.Confidence
}

func (n *Normalizer) normalizeCountryOIDC(attrs *SubjectAttributes, raw map[string]any, defaultCountry string) {
	attrs.UniqueID = firstString(raw, "uniqueID", "preferred_username", "email", "sub")
	attrs.Email = stringClaim(raw, "email")
	attrs.CountryOfAffiliation = normalizeCountry(stringClaim(raw, "countryOfAffiliation"), defaultCountry)
	attrs.ACPCOI = stringSliceClaim(raw, "acpCOI")
	attrs.Organization = stringClaim(raw, "organization")
	attrs.Rank = stringClaim(raw, "rank")
	attrs.Unit = stringClaim(raw, "unit")
	attrs.UserType = userTypeClaim(raw)

	res := n.resolver.Normalize(stringClaim(raw, "clearance"), attrs.CountryOfAffiliation)
	attrs.Clearance = res.Normalized
	attrs.ClearanceConfidence = res.Confidence
}

func (n *Normalizer) normalizeIndustry(attrs *SubjectAttributes, raw map[string]any) {
	attrs.UniqueID = firstString(raw, "uniqueID", "preferred_username", "email", "sub")
	attrs.Email = stringClaim(raw, "email")
	attrs.UserType = UserTypeContractor

	country, company := n.inferFromDomain(attrs.Email)
	attrs.CountryOfAffiliation = country
	if attrs.Organization = stringClaim(raw, "organization"); attrs.Organization == "" {
		attrs.Organization = company
	}

	res := n.resolver.Normalize(stringClaim(raw, "clearance"), country)
	attrs.Clearance = res.Normalized
	attrs.ClearanceConfidence = res.Confidence

	// Industry ceiling dominates whatever the IdP asserted.
	if ceiling, ok := n.industryCaps[country]; ok && !clearance.Dominates(ceiling, attrs.Clearance) {
		n.logger.Debug("industry clearance capped",
			"subject", attrs.UniqueID, "country", country,
			"asserted", attrs.Clearance, "cap", ceiling)
		attrs.Clearance = ceiling
		attrs.ClearanceConfidence = clearance.ConfidenceMapped
	}
}

func (n *Normalizer) normalizeGeneric(attrs *SubjectAttributes, raw map[string]any) {
	attrs.UniqueID = firstString(raw, "uniqueID", "preferred_username", "email", "sub")
	attrs.Email = stringClaim(raw, "email")
	attrs.CountryOfAffiliation = normalizeCountry(stringClaim(raw, "countryOfAffiliation"), "")
	attrs.ACPCOI = stringSliceClaim(raw, "acpCOI")
	attrs.Organization = stringClaim(raw, "organization")
	attrs.Rank = stringClaim(raw, "rank")
	attrs.Unit = stringClaim(raw, "unit")
	attrs.UserType = userTypeClaim(raw)

	if c := clearance.Level(stringClaim(raw, "clearance")); clearance.Valid(c) {
		attrs.Clearance = c
		attrs.ClearanceConfidence = clearance.ConfidenceExact
	} else {
		attrs.Clearance = clearance.Unclassified
		attrs.ClearanceConfidence = clearance.ConfidenceFallback
	}
}

func (n *Normalizer) inferFromDomain(email string) (country, company string) {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return "USA", ""
	}
	domain := strings.ToLower(email[at+1:])
	if d, ok := n.domains[domain]; ok {
		return d.country, d.company
	}
	switch {
	case strings.HasSuffix(domain, ".fr"):
		return "FRA", ""
	case strings.HasSuffix(domain, ".de"):
		return "DEU", ""
	case strings.HasSuffix(domain, ".ca"):
		return "CAN", ""
	case strings.HasSuffix(domain, ".uk"):
		return "GBR", ""
	default:
		return "USA", ""
	}
}

func normalizeCountry(code, fallback string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return fallback
	}
	if a3, ok := alpha2to3[code]; ok {
		return a3
	}
	if len(code) == 3 {
		return code
	}
	return fallback
}

func stringClaim(raw map[string]any, key string) string {
	if v, ok := raw[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func firstString(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		if v := stringClaim(raw, k); v != "" {
			return v
		}
	}
	return ""
}

func stringSliceClaim(raw map[string]any, key string) []string {
	switch v := raw[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	default:
		return nil
	}
}

func userTypeClaim(raw map[string]any) UserType {
	switch UserType(strings.ToLower(stringClaim(raw, "userType"))) {
	case UserTypeMilitary:
		return UserTypeMilitary
	case UserTypeContractor:
		return UserTypeContractor
	case UserTypeAdministrator:
		return UserTypeAdministrator
	case UserTypeCivilian:
		return UserTypeCivilian
	default:
		return ""
	}
}
