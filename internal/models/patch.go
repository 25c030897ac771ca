package models

// UserPatch is a partial update of a User. Nil fields are left untouched.
type UserPatch struct {
	Nickname          *string
	Language          *string
	Points            *int64
	ProfileComplete   *bool
	InPool            *bool
	Gender            *Gender
	AgeGroup          *AgeGroup
	PreferredGender   *Gender
	PreferredAgeGroup *AgeGroup
	ConversationCount *int
	TotalChars        *int64

	binding *Binding
	unbind  bool
}

// Bind sets all binding columns at once and takes the user out of the pool.
func (p UserPatch) Bind(b Binding) UserPatch {
	p.binding = &b
	p.unbind = false
	p.InPool = Ptr(false)
	return p
}

// Unbind clears all binding columns at once.
func (p UserPatch) Unbind() UserPatch {
	p.binding = nil
	p.unbind = true
	return p
}

// Empty reports whether the patch would change nothing.
func (p UserPatch) Empty() bool {
	return len(p.Columns()) == 0
}

// Apply merges the patch into u.
func (p UserPatch) Apply(u *User) {
	if p.Nickname != nil {
		u.Nickname = *p.Nickname
	}
	if p.Language != nil {
		u.Language = *p.Language
	}
	if p.Points != nil {
		u.Points = *p.Points
	}
	if p.ProfileComplete != nil {
		u.ProfileComplete = *p.ProfileComplete
	}
	if p.InPool != nil {
		u.InPool = *p.InPool
	}
	if p.Gender != nil {
		u.Gender = *p.Gender
	}
	if p.AgeGroup != nil {
		u.AgeGroup = *p.AgeGroup
	}
	if p.PreferredGender != nil {
		u.PreferredGender = *p.PreferredGender
	}
	if p.PreferredAgeGroup != nil {
		u.PreferredAgeGroup = *p.PreferredAgeGroup
	}
	if p.ConversationCount != nil {
		u.ConversationCount = *p.ConversationCount
	}
	if p.TotalChars != nil {
		u.TotalChars = *p.TotalChars
	}

	switch {
	case p.binding != nil:
		u.InConversation = true
		u.PartnerID = Ptr(p.binding.PartnerID)
		u.IsInitiator = Ptr(p.binding.Initiator)
		u.ConversationID = Ptr(p.binding.ConversationID)
	case p.unbind:
		u.InConversation = false
		u.PartnerID = nil
		u.IsInitiator = nil
		u.ConversationID = nil
	}
}

// Columns returns the patch as a column map for gorm's Updates.
func (p UserPatch) Columns() map[string]interface{} {
	cols := make(map[string]interface{})
	if p.Nickname != nil {
		cols["nickname"] = *p.Nickname
	}
	if p.Language != nil {
		cols["language"] = *p.Language
	}
	if p.Points != nil {
		cols["points"] = *p.Points
	}
	if p.ProfileComplete != nil {
		cols["profile_complete"] = *p.ProfileComplete
	}
	if p.InPool != nil {
		cols["in_pool"] = *p.InPool
	}
	if p.Gender != nil {
		cols["gender"] = string(*p.Gender)
	}
	if p.AgeGroup != nil {
		cols["age_group"] = string(*p.AgeGroup)
	}
	if p.PreferredGender != nil {
		cols["preferred_gender"] = string(*p.PreferredGender)
	}
	if p.PreferredAgeGroup != nil {
		cols["preferred_age_group"] = string(*p.PreferredAgeGroup)
	}
	if p.ConversationCount != nil {
		cols["conversation_count"] = *p.ConversationCount
	}
	if p.TotalChars != nil {
		cols["total_chars"] = *p.TotalChars
	}

	switch {
	case p.binding != nil:
		cols["in_conversation"] = true
		cols["partner_id"] = p.binding.PartnerID
		cols["is_initiator"] = p.binding.Initiator
		cols["conversation_id"] = p.binding.ConversationID
	case p.unbind:
		cols["in_conversation"] = false
		cols["partner_id"] = nil
		cols["is_initiator"] = nil
		cols["conversation_id"] = nil
	}
	return cols
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
