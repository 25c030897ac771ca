package matchmaking

import (
	"lomitalk/backend/internal/apperr"
	"unicode/utf8"
)

type UnitKind string

const (
	UnitText  UnitKind = "text"
	UnitPhoto UnitKind = "photo"
	UnitVideo UnitKind = "video"
)

// Unit is one billable piece of communication.
type Unit struct {
	Kind UnitKind
	Text string
}

// Tariff prices units. Text is priced per character (rune), media at a
// flat rate per item.
type Tariff struct {
	PerChar int64
	Photo   int64
	Video   int64
}

// Cost returns the price of u and the number of characters it carries.
func (t Tariff) Cost(u Unit) (cost, chars int64, err error) {
	switch u.Kind {
	case UnitText:
		chars = int64(utf8.RuneCountInString(u.Text))
		return t.PerChar * chars, chars, nil
	case UnitPhoto:
		return t.Photo, 0, nil
	case UnitVideo:
		return t.Video, 0, nil
	}
	return 0, 0, apperr.Wrap(apperr.ErrUnsupportedUnit, "unit kind %q", u.Kind)
}
