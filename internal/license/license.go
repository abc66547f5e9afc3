// Package license checks resolved dependencies against a license allow-list.
package license

import (
	"fmt"
	"sort"
	"strings"

	"github.com/github/go-spdx/v2/spdxexp"
)

// Record is one resolved dependency and the licenses it declares.
type Record struct {
	Name     string   `json:"name" yaml:"name"`
	Version  string   `json:"version" yaml:"version"`
	Licenses []string `json:"licenses" yaml:"licenses"`
}

// ID renders name@version.
func (r Record) ID() string {
	if r.Version == "" {
		return r.Name
	}
	return r.Name + "@" + r.Version
}

// Violation is a dependency whose licenses are not allowed.
type Violation struct {
	Package  string   `json:"package"`
	Version  string   `json:"version"`
	Licenses []string `json:"licenses"`
	Reason   string   `json:"reason"`
}

func (v Violation) String() string {
	id := v.Package
	if v.Version != "" {
		id += "@" + v.Version
	}
	if len(v.Licenses) == 0 {
		return id + " (" + v.Reason + ")"
	}
	return id + " (" + strings.Join(v.Licenses, ", ") + ")"
}

// ComplianceResult is the outcome of CheckLicenses.
type ComplianceResult struct {
	Pass       bool        `json:"pass"`
	Checked    int         `json:"checked"`
	Violations []Violation `json:"violations,omitempty"`
}

const (
	reasonNoLicense  = "no license declared"
	reasonNotAllowed = "license not allowed"
)

// CheckLicenses passes a record when at least one declared license is on
// the allow-list. A declared value may be a plain identifier or an SPDX
// expression such as "MIT OR GPL-3.0-only". Violations are sorted by
// package then version.
func CheckLicenses(records []Record, allow []string) ComplianceResult {
	allowSet := make(map[string]struct{}, len(allow))
	var spdxAllow []string
	for _, a := range allow {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		allowSet[strings.ToLower(a)] = struct{}{}
		if valid, _ := spdxexp.ValidateLicenses([]string{a}); valid {
			spdxAllow = append(spdxAllow, a)
		}
	}

	res := ComplianceResult{Checked: len(records)}
	for _, r := range records {
		declared := cleanLicenses(r.Licenses)
		if len(declared) == 0 {
			res.Violations = append(res.Violations, Violation{
				Package: r.Name,
				Version: r.Version,
				Reason:  reasonNoLicense,
			})
			continue
		}
		if !anyAllowed(declared, allowSet, spdxAllow) {
			res.Violations = append(res.Violations, Violation{
				Package:  r.Name,
				Version:  r.Version,
				Licenses: declared,
				Reason:   reasonNotAllowed,
			})
		}
	}

	sort.Slice(res.Violations, func(i, j int) bool {
		a, b := res.Violations[i], res.Violations[j]
		if a.Package != b.Package {
			return a.Package < b.Package
		}
		return a.Version < b.Version
	})
	res.Pass = len(res.Violations) == 0
	return res
}

func anyAllowed(declared []string, allowSet map[string]struct{}, spdxAllow []string) bool {
	for _, l := range declared {
		if _, ok := allowSet[strings.ToLower(l)]; ok {
			return true
		}
		if len(spdxAllow) == 0 {
			continue
		}
		// Unparseable expressions are unrecognized, not errors.
		if ok, err := spdxexp.Satisfies(l, spdxAllow); err == nil && ok {
			return true
		}
	}
	return false
}

func cleanLicenses(in []string) []string {
	var out []string
	for _, l := range in {
		l = strings.TrimSpace(l)
		switch strings.ToUpper(l) {
		case "", "UNKNOWN", "NONE", "NOASSERTION", "UNLICENSED":
			continue
		}
		out = append(out, l)
	}
	return out
}

// Summary renders violations one per line for reports and logs.
func (r ComplianceResult) Summary() string {
	if r.Pass {
		return fmt.Sprintf("%d dependencies checked, all licenses allowed", r.Checked)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d dependencies violate the license policy:", len(r.Violations), r.Checked)
	for _, v := range r.Violations {
		b.WriteString("\n  ")
		b.WriteString(v.String())
	}
	return b.String()
}
