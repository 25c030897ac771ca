package models

// Filter narrows a pool search. Zero fields match anyone.
type Filter struct {
	Gender   Gender   `json:"gender,omitempty"`
	AgeGroup AgeGroup `json:"age_group,omitempty"`
}

func (f Filter) Matches(u *User) bool {
	if f.Gender != GenderAny && u.Gender != f.Gender {
		return false
	}
	if f.AgeGroup != AgeAny && u.AgeGroup != f.AgeGroup {
		return false
	}
	return true
}

// Available reports whether u can be offered as a partner right now.
func Available(u *User) bool {
	return u.InPool && !u.InConversation && u.ProfileComplete
}
