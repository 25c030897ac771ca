package models

import (
	"fmt"
	"strings"
)

// Gender is the closed set of genders a profile or a filter can carry.
// The zero value means "unset" on a profile and "any" in a filter.
type Gender string

const (
	GenderAny    Gender = ""
	GenderMale   Gender = "Male"
	GenderFemale Gender = "Female"
)

// Genders lists the selectable values in display order.
var Genders = []Gender{GenderMale, GenderFemale}

func (g Gender) Valid() bool {
	switch g {
	case GenderAny, GenderMale, GenderFemale:
		return true
	}
	return false
}

// Name is the stable upper-case identifier used in callback payloads.
func (g Gender) Name() string {
	if g == GenderAny {
		return "ANY"
	}
	return strings.ToUpper(string(g))
}

// ParseGender accepts a display value ("Male"), a name ("MALE") or "ANY".
func ParseGender(s string) (Gender, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "ANY":
		return GenderAny, nil
	case "MALE":
		return GenderMale, nil
	case "FEMALE":
		return GenderFemale, nil
	}
	return GenderAny, fmt.Errorf("unknown gender %q", s)
}

// AgeGroup is the closed set of age brackets.
type AgeGroup string

const (
	AgeAny     AgeGroup = ""
	AgeUnder18 AgeGroup = "Under 18"
	Age18to24  AgeGroup = "18-24"
	Age25to34  AgeGroup = "25-34"
	Age35to44  AgeGroup = "35-44"
	Age45Plus  AgeGroup = "45+"
)

// AgeGroups lists the selectable values in display order.
var AgeGroups = []AgeGroup{AgeUnder18, Age18to24, Age25to34, Age35to44, Age45Plus}

var ageGroupNames = map[AgeGroup]string{
	AgeAny:     "ANY",
	AgeUnder18: "UNDER_18",
	Age18to24:  "AGE_18_24",
	Age25to34:  "AGE_25_34",
	Age35to44:  "AGE_35_44",
	Age45Plus:  "AGE_45_PLUS",
}

func (a AgeGroup) Valid() bool {
	_, ok := ageGroupNames[a]
	return ok
}

func (a AgeGroup) Name() string {
	return ageGroupNames[a]
}

// ParseAgeGroup accepts a display value ("18-24"), a name ("AGE_18_24") or "ANY".
func ParseAgeGroup(s string) (AgeGroup, error) {
	trimmed := strings.TrimSpace(s)
	for group, name := range ageGroupNames {
		if trimmed == string(group) || strings.EqualFold(trimmed, name) {
			return group, nil
		}
	}
	return AgeAny, fmt.Errorf("unknown age group %q", s)
}
