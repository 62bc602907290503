package intake

import (
	"regexp"
	"strings"
)

// PolicyFields is the subset of a policy schedule the intake pipeline can
// recover from text.
type PolicyFields struct {
	PolicyNumber  string `json:"policyNumber"`
	Insurer       string `json:"insurer"`
	CustomerName  string `json:"customerName"`
	VehicleNumber string `json:"vehicleNumber,omitempty"`
	Premium       string `json:"premium,omitempty"`
	StartDate     string `json:"startDate,omitempty"`
	EndDate       string `json:"endDate,omitempty"`
}

// Fields converts the extracted values into a record payload, omitting blanks.
func (p PolicyFields) Fields() map[string]any {
	out := map[string]any{}
	set := func(name, value string) {
		if value = strings.TrimSpace(value); value != "" {
			out[name] = value
		}
	}
	set("policyNumber", p.PolicyNumber)
	set("insurer", p.Insurer)
	set("customerName", p.CustomerName)
	set("vehicleNumber", p.VehicleNumber)
	set("premium", p.Premium)
	set("startDate", p.StartDate)
	set("endDate", p.EndDate)
	return out
}

type Extractor interface {
	ExtractPolicyFields(rawText, insurerHint string) PolicyFields
}

type ExtractorFunc func(rawText, insurerHint string) PolicyFields

func (f ExtractorFunc) ExtractPolicyFields(rawText, insurerHint string) PolicyFields {
	return f(rawText, insurerHint)
}

var (
	policyNumberPattern  = regexp.MustCompile(`(?i)policy\s*(?:no|number|#)\.?\s*[:\-]?\s*([A-Z0-9][A-Z0-9/\-]{3,})`)
	customerNamePattern  = regexp.MustCompile(`(?i)(?:name\s+of\s+(?:the\s+)?insured|insured\s*name|proposer\s*name)\s*[:\-]?\s*([A-Za-z][A-Za-z .']{1,80})`)
	vehicleNumberPattern = regexp.MustCompile(`(?i)(?:registration|vehicle)\s*(?:no|number)\.?\s*[:\-]?\s*([A-Z]{2}[\s\-]?[0-9]{1,2}[\s\-]?[A-Z]{0,3}[\s\-]?[0-9]{1,4})`)
	premiumPattern       = regexp.MustCompile(`(?i)(?:total|net|gross)\s+premium[^0-9]{0,20}([0-9][0-9,]*(?:\.[0-9]{1,2})?)`)
	periodPattern        = regexp.MustCompile(`(?i)(?:from|period\s+of\s+insurance)[^0-9]{0,20}([0-9]{1,2}[/\-.][0-9]{1,2}[/\-.][0-9]{2,4})[^0-9]{1,40}?([0-9]{1,2}[/\-.][0-9]{1,2}[/\-.][0-9]{2,4})`)
	insurerPattern       = regexp.MustCompile(`(?i)\b([A-Za-z&.]+(?:\s+[A-Za-z&.]+){0,4}\s+(?:general\s+)?insurance(?:\s+company)?(?:\s+(?:ltd|limited)\.?)?)`)
)

// RegexExtractor recognises the labelled fields common to motor and health
// policy schedules. An insurer hint, when given, wins over text detection.
type RegexExtractor struct{}

func (RegexExtractor) ExtractPolicyFields(rawText, insurerHint string) PolicyFields {
	text := strings.Join(strings.Fields(rawText), " ")
	fields := PolicyFields{
		PolicyNumber:  strings.ToUpper(firstMatch(policyNumberPattern, text)),
		CustomerName:  strings.TrimSpace(firstMatch(customerNamePattern, text)),
		VehicleNumber: strings.ToUpper(firstMatch(vehicleNumberPattern, text)),
		Premium:       strings.ReplaceAll(firstMatch(premiumPattern, text), ",", ""),
		Insurer:       strings.TrimSpace(insurerHint),
	}
	if fields.Insurer == "" {
		fields.Insurer = strings.TrimSpace(firstMatch(insurerPattern, text))
	}
	if m := periodPattern.FindStringSubmatch(text); m != nil {
		fields.StartDate, fields.EndDate = m[1], m[2]
	}
	fields.CustomerName = trimAtLabel(fields.CustomerName)
	return fields
}

func firstMatch(pattern *regexp.Regexp, text string) string {
	m := pattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// trimAtLabel cuts a greedy name capture at the next capitalised label word.
func trimAtLabel(name string) string {
	for _, label := range []string{" Address", " Policy", " Vehicle", " Registration", " Period", " Mobile", " Email", " Total", " From"} {
		if i := strings.Index(name, label); i > 0 {
			name = name[:i]
		}
	}
	return strings.TrimSpace(name)
}
