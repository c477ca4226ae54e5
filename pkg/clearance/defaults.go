package clearance

// DefaultMappings is the shipped equivalency table for the founding
// coalition countries. Admins extend it per country at runtime.
func DefaultMappings() []Mapping {
	build := func(level Level, countries map[string]CountryTerms) Mapping {
		return Mapping{StandardLevel: level, Countries: countries}
	}
	return []Mapping{
		build(TopSecret, map[string]CountryTerms{
			"USA": {Terms: []string{"TOP SECRET", "TS"}, MFARequired: true, AALLevel: 3, ACRLevel: "high"},
			"FRA": {Terms: []string{"TRÈS SECRET DÉFENSE", "TRES SECRET"}, MFARequired: true, AALLevel: 3, ACRLevel: "high"},
			"CAN": {Terms: []string{"TOP SECRET"}, MFARequired: true, AALLevel: 3, ACRLevel: "high"},
			"DEU": {Terms: []string{"STRENG GEHEIM"}, MFARequired: true, AALLevel: 3, ACRLevel: "high"},
			"GBR": {Terms: []string{"TOP SECRET"}, MFARequired: true, AALLevel: 3, ACRLevel: "high"},
		}),
		build(Secret, map[string]CountryTerms{
			"USA": {Terms: []string{"SECRET"}, MFARequired: true, AALLevel: 2, ACRLevel: "high"},
			"FRA": {Terms: []string{"SECRET DÉFENSE"}, MFARequired: true, AALLevel: 2, ACRLevel: "high"},
			"CAN": {Terms: []string{"SECRET"}, MFARequired: true, AALLevel: 2, ACRLevel: "high"},
			"DEU": {Terms: []string{"GEHEIM"}, MFARequired: true, AALLevel: 2, ACRLevel: "high"},
			"GBR": {Terms: []string{"SECRET"}, MFARequired: true, AALLevel: 2, ACRLevel: "high"},
		}),
		build(Confidential, map[string]CountryTerms{
			"USA": {Terms: []string{"CONFIDENTIAL"}, MFARequired: false, AALLevel: 2, ACRLevel: "medium"},
			"FRA": {Terms: []string{"CONFIDENTIEL DÉFENSE"}, MFARequired: false, AALLevel: 2, ACRLevel: "medium"},
			"CAN": {Terms: []string{"CONFIDENTIAL"}, MFARequired: false, AALLevel: 2, ACRLevel: "medium"},
			"DEU": {Terms: []string{"VS-VERTRAULICH"}, MFARequired: false, AALLevel: 2, ACRLevel: "medium"},
			"GBR": {Terms: []string{"CONFIDENTIAL"}, MFARequired: false, AALLevel: 2, ACRLevel: "medium"},
		}),
		build(Restricted, map[string]CountryTerms{
			"USA": {Terms: []string{"RESTRICTED", "CUI"}, MFARequired: false, AALLevel: 1, ACRLevel: "low"},
			"FRA": {Terms: []string{"DIFFUSION RESTREINTE"}, MFARequired: false, AALLevel: 1, ACRLevel: "low"},
			"CAN": {Terms: []string{"PROTECTED B"}, MFARequired: false, AALLevel: 1, ACRLevel: "low"},
			"DEU": {Terms: []string{"VS-NUR FÜR DEN DIENSTGEBRAUCH"}, MFARequired: false, AALLevel: 1, ACRLevel: "low"},
			"GBR": {Terms: []string{"OFFICIAL-SENSITIVE"}, MFARequired: false, AALLevel: 1, ACRLevel: "low"},
		}),
		build(Unclassified, map[string]CountryTerms{
			"USA": {Terms: []string{"UNCLASSIFIED", "U"}, AALLevel: 1, ACRLevel: "low"},
			"FRA": {Terms: []string{"NON PROTÉGÉ"}, AALLevel: 1, ACRLevel: "low"},
			"CAN": {Terms: []string{"UNCLASSIFIED"}, AALLevel: 1, ACRLevel: "low"},
			"DEU": {Terms: []string{"OFFEN"}, AALLevel: 1, ACRLevel: "low"},
			"GBR": {Terms: []string{"OFFICIAL"}, AALLevel: 1, ACRLevel: "low"},
		}),
	}
}
