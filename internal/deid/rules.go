package deid

import (
	"regexp"
	"strings"
	"unicode"
)

// Action is the transformation applied to a classified field.
type Action string

const (
	ActionRedact     Action = "redact"
	ActionHash       Action = "hash"
	ActionMask       Action = "mask"
	ActionGeneralize Action = "generalize"
)

// Rule classifies a field by name. Pattern is matched against the flattened
// field name (see FlattenField), never against the value. Ignore, if set,
// lists look-alike words that are cut out of the key before Pattern is
// tried, so "ethnicity" does not hit "city" while "ethnicitycity" still does.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Ignore  *regexp.Regexp
	Action  Action
}

// DefaultRules is evaluated top to bottom; the first match wins.
var DefaultRules = []Rule{
	{Name: "ssn", Action: ActionRedact,
		Pattern: regexp.MustCompile(`ssn|socialsecurity|socsec`),
		Ignore:  regexp.MustCompile(`business|witness|class|gross|loss|access|process|address|pass|press|boss|mass`)},
	// tin only counts at the end of the key: "providertin", "tinnumber".
	{Name: "tax-id", Action: ActionHash,
		Pattern: regexp.MustCompile(`taxid|taxpayer|tin(id|no|num|number)?$`),
		Ignore:  regexp.MustCompile(`martin|latin|austin|satin`)},
	// A bare "patient" is a name; "patientid" falls through to member-id.
	{Name: "name", Action: ActionMask,
		Pattern: regexp.MustCompile(`name|^patient$`),
		Ignore:  regexp.MustCompile(`filename|namespace|nameserver|hostname|tablename|typename|classname|columnname|fieldname`)},
	{Name: "member-id", Action: ActionHash,
		Pattern: regexp.MustCompile(`memberid|membernumber|memberno|subscriber|enrollee|beneficiary|userid|subjectid|patientid|patientnumber`)},
	{Name: "provider-id", Action: ActionHash,
		Pattern: regexp.MustCompile(`providerid|providernumber|providerno`)},
	{Name: "mrn", Action: ActionHash,
		Pattern: regexp.MustCompile(`mrn|medicalrecord`)},
	{Name: "birth-date", Action: ActionGeneralize,
		Pattern: regexp.MustCompile(`dob|birth`),
		Ignore:  regexp.MustCompile(`adobe`)},
	{Name: "address", Action: ActionRedact,
		Pattern: regexp.MustCompile(`addr|street|city|state|zip|postal|postcode`),
		Ignore:  regexp.MustCompile(`icity|acity|ocity|statement|statistic|stateless|stateful|gzip|unzip`)},
	{Name: "contact", Action: ActionRedact,
		Pattern: regexp.MustCompile(`phone|fax|mobile|contact|email`),
		Ignore:  regexp.MustCompile(`microphone|headphone|automobile`)},
}

// Classify returns the first rule matching field.
func Classify(rules []Rule, field string) (Rule, bool) {
	key := FlattenField(field)
	if key == "" {
		return Rule{}, false
	}
	for _, r := range rules {
		k := key
		if r.Ignore != nil {
			k = r.Ignore.ReplaceAllString(k, "")
		}
		if r.Pattern.MatchString(k) {
			return r, true
		}
	}
	return Rule{}, false
}

// FlattenField lowercases a field name and drops everything but letters
// and digits, so "memberID", "member_id", "Member-Id" and "MEMBERID" all
// become "memberid".
func FlattenField(field string) string {
	var b strings.Builder
	for _, r := range field {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}
