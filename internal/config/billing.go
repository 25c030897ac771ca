package config

const (
	// Billing
	InitialPoints = 1000
	PointsPerChar = 1
	PhotoCost     = 150
	VideoCost     = 250

	// Pairing
	MaxPairAttempts = 5

	// Reports
	MaxReportReasonLength = 500
	ReportListLimit       = 50
)

// ReportReasons are the choices offered by the Telegram /report flow.
var ReportReasons = []string{
	"spam",
	"abuse",
	"explicit",
	"other",
}
