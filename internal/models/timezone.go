package models

import (
	"strings"
	"time"
)

// Vendor clients send abbreviations and Windows zone names alongside IANA
// names; these are the ones seen in practice.
var zoneAliases = map[string]string{
	"UTC":  "UTC",
	"GMT":  "UTC",
	"Z":    "UTC",
	"EST":  "America/New_York",
	"EDT":  "America/New_York",
	"CST":  "America/Chicago",
	"CDT":  "America/Chicago",
	"MST":  "America/Denver",
	"MDT":  "America/Denver",
	"PST":  "America/Los_Angeles",
	"PDT":  "America/Los_Angeles",
	"BST":  "Europe/London",
	"CET":  "Europe/Berlin",
	"CEST": "Europe/Berlin",
	"JST":  "Asia/Tokyo",
	"KST":  "Asia/Seoul",
	"IST":  "Asia/Kolkata",
	"AEST": "Australia/Sydney",

	"Eastern Standard Time":   "America/New_York",
	"Central Standard Time":   "America/Chicago",
	"Mountain Standard Time":  "America/Denver",
	"Pacific Standard Time":   "America/Los_Angeles",
	"GMT Standard Time":       "Europe/London",
	"W. Europe Standard Time": "Europe/Berlin",
}

// LookupLocation resolves an IANA zone name or a known vendor alias.
func LookupLocation(name string) (*time.Location, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false
	}
	if alias, ok := zoneAliases[name]; ok {
		name = alias
	} else if alias, ok := zoneAliases[strings.ToUpper(name)]; ok {
		name = alias
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, false
	}
	return loc, true
}
