// Package complaint handles abuse reports filed from inside a conversation.
// A report is stored for review and ends the conversation for both sides.
package complaint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"lomitalk/backend/internal/apperr"
	"lomitalk/backend/internal/config"
	"lomitalk/backend/internal/matchmaking"
	"lomitalk/backend/internal/models"
	"lomitalk/backend/internal/storage"
	"slices"
	"strings"
	"unicode/utf8"
)

// Service handles the business logic for reports.
type Service struct {
	Storage  storage.Storage
	Sessions *matchmaking.Sessions
	log      *slog.Logger
}

// NewService creates a new report service.
func NewService(s storage.Storage, sessions *matchmaking.Sessions, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{Storage: s, Sessions: sessions, log: log}
}

// Result describes a filed report. Ended is false when the partner had
// already left by the time the conversation was torn down.
type Result struct {
	Report *models.Report
	Ended  bool
}

// Report files a complaint against the reporter's current partner and ends
// the conversation. No points move.
func (s *Service) Report(ctx context.Context, reporterID, reason string) (Result, error) {
	binding, err := s.Sessions.Binding(ctx, reporterID)
	if err != nil {
		return Result{}, err
	}

	report := &models.Report{
		ReporterID:     reporterID,
		ReportedUserID: binding.PartnerID,
		ConversationID: models.Ptr(binding.ConversationID),
		Reason:         NormalizeReason(reason),
		Status:         models.ReportPending,
	}
	if err := s.Storage.SaveReport(ctx, report); err != nil {
		return Result{}, fmt.Errorf("save report: %w", err)
	}

	_, err = s.Sessions.End(ctx, reporterID)
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrNotBound), errors.Is(err, apperr.ErrBrokenSession):
		s.log.Info("reported conversation already over", slog.String("reporter_id", reporterID))
		return Result{Report: report}, nil
	default:
		return Result{Report: report}, err
	}

	s.log.Warn("user reported",
		slog.String("reporter_id", reporterID),
		slog.String("reported_user_id", report.ReportedUserID),
		slog.String("reason", report.Reason),
	)
	return Result{Report: report, Ended: true}, nil
}

// List returns the newest reports, optionally filtered by status.
func (s *Service) List(ctx context.Context, status models.ReportStatus, limit int) ([]models.Report, error) {
	if limit <= 0 {
		limit = config.ReportListLimit
	}
	return s.Storage.ListReports(ctx, status, limit)
}

// Review marks a report as handled.
func (s *Service) Review(ctx context.Context, id uint) error {
	return s.Storage.UpdateReportStatus(ctx, id, models.ReportReviewed)
}

// NormalizeReason trims free text and caps its length. Empty input becomes
// "other".
func NormalizeReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "other"
	}
	if slices.Contains(config.ReportReasons, strings.ToLower(reason)) {
		return strings.ToLower(reason)
	}
	if utf8.RuneCountInString(reason) > config.MaxReportReasonLength {
		reason = string([]rune(reason)[:config.MaxReportReasonLength])
	}
	return reason
}
