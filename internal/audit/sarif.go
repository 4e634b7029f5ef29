package audit

import (
	"sort"
)

// SARIF structures cover just the subset the export emits. The document is a
// read-only projection of the chain; nothing here participates in hashing.

type SARIFDocument struct {
	Version string     `json:"version"`
	Schema  string     `json:"$schema"`
	Runs    []SARIFRun `json:"runs"`
}

type SARIFRun struct {
	Tool    SARIFTool     `json:"tool"`
	Results []SARIFResult `json:"results"`
}

type SARIFTool struct {
	Driver SARIFDriver `json:"driver"`
}

type SARIFDriver struct {
	Name           string      `json:"name"`
	InformationURI string      `json:"informationUri"`
	Rules          []SARIFRule `json:"rules"`
}

type SARIFRule struct {
	ID string `json:"id"`
}

type SARIFResult struct {
	RuleID     string            `json:"ruleId"`
	Level      string            `json:"level"`
	Message    SARIFMessage      `json:"message"`
	Properties map[string]string `json:"properties"`
}

type SARIFMessage struct {
	Text string `json:"text"`
}

const sarifSchema = "https://docs.oasis-open.org/sarif/sarif/v2.1.0/errata01/os/schemas/sarif-schema-2.1.0.json"

// ExportSARIF summarizes every non-allow record in the chain as a SARIF run.
func ExportSARIF(path string) (SARIFDocument, error) {
	records, err := ReadAll(path)
	if err != nil {
		return SARIFDocument{}, err
	}

	ruleIDs := map[string]struct{}{}
	var results []SARIFResult
	for _, rec := range records {
		if !rec.IsNonAllow() {
			continue
		}
		level := "warning"
		if rec.Action == "block" {
			level = "error"
		}
		primary := "unspecified"
		if len(rec.RuleIDs) > 0 {
			primary = rec.RuleIDs[0]
		}
		for _, id := range rec.RuleIDs {
			ruleIDs[id] = struct{}{}
		}
		results = append(results, SARIFResult{
			RuleID:  primary,
			Level:   level,
			Message: SARIFMessage{Text: "policy " + rec.Action + " on " + rec.Endpoint},
			Properties: map[string]string{
				"timestamp":  rec.Timestamp,
				"request_id": rec.RequestID,
				"endpoint":   rec.Endpoint,
				"direction":  rec.Direction,
				"action":     rec.Action,
			},
		})
	}

	var rules []SARIFRule
	for id := range ruleIDs {
		rules = append(rules, SARIFRule{ID: id})
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	if results == nil {
		results = []SARIFResult{}
	}
	if rules == nil {
		rules = []SARIFRule{}
	}

	return SARIFDocument{
		Version: "2.1.0",
		Schema:  sarifSchema,
		Runs: []SARIFRun{{
			Tool:    SARIFTool{Driver: SARIFDriver{Name: "jimini", InformationURI: "https://github.com/jglowsoap/jimini", Rules: rules}},
			Results: results,
		}},
	}, nil
}
