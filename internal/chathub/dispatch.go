package chathub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"lomitalk/backend/internal/apperr"
	"lomitalk/backend/internal/matchmaking"
	"lomitalk/backend/internal/metrics"
	"lomitalk/backend/internal/models"
)

// Dispatch handles one incoming message: a command is run against the
// engine, a unit is billed and then forwarded. The sender is told about any
// failure; the error is returned as well.
func (m *ManagerService) Dispatch(ctx context.Context, msg models.ChatMessage) error {
	if msg.SenderID == "" {
		return errors.New("message without sender")
	}

	var err error
	switch msg.Type {
	case models.CmdJoin:
		err = m.handleJoin(ctx, msg.SenderID)
	case models.CmdLeave:
		err = m.handleLeave(ctx, msg.SenderID)
	case models.CmdFind:
		err = m.handleFind(ctx, msg)
	case models.CmdEnd:
		err = m.handleEnd(ctx, msg.SenderID)
	case models.CmdReport:
		err = m.handleReport(ctx, msg)
	default:
		err = m.handleUnit(ctx, msg)
	}
	return err
}

func (m *ManagerService) handleJoin(ctx context.Context, userID string) error {
	user, err := m.Engine.Profile(ctx, userID)
	if err == nil && user.InPool {
		m.Notify(ctx, userID, models.SysInfo, "pool_already_joined")
		return nil
	}
	if err == nil {
		err = m.Engine.Pool.Join(ctx, userID)
	}
	if err != nil {
		m.fail(ctx, userID, err)
		return err
	}
	m.Notify(ctx, userID, models.SysInfo, "pool_joined")
	return nil
}

func (m *ManagerService) handleLeave(ctx context.Context, userID string) error {
	user, err := m.Engine.Profile(ctx, userID)
	if err == nil && !user.InPool {
		m.Notify(ctx, userID, models.SysInfo, "pool_not_joined")
		return nil
	}
	if err == nil {
		err = m.Engine.Pool.Leave(ctx, userID)
	}
	if err != nil {
		m.fail(ctx, userID, err)
		return err
	}
	m.Notify(ctx, userID, models.SysInfo, "pool_left")
	return nil
}

func (m *ManagerService) handleFind(ctx context.Context, msg models.ChatMessage) error {
	seekerID := msg.SenderID
	filter := models.Filter{Gender: msg.Gender, AgeGroup: msg.AgeGroup}
	if !filter.Gender.Valid() || !filter.AgeGroup.Valid() {
		err := apperr.Wrap(apperr.ErrInvalidFilter, "filter %q/%q", filter.Gender, filter.AgeGroup)
		m.fail(ctx, seekerID, err)
		return err
	}

	partnerID, err := m.Engine.Matcher.TryPair(ctx, seekerID, filter)
	if err != nil {
		m.fail(ctx, seekerID, err)
		return err
	}

	seeker, seekerErr := m.Engine.Profile(ctx, seekerID)
	partner, partnerErr := m.Engine.Profile(ctx, partnerID)
	if err := errors.Join(seekerErr, partnerErr); err != nil {
		// The pair is bound; only the greeting lacks nicknames.
		m.log.Warn("match greeting without profiles", slog.Any("error", err))
		seeker, partner = &models.User{}, &models.User{}
	}

	m.notify(ctx, seekerID, models.ChatMessage{Type: models.SysMatchFound, Balance: models.Ptr(seeker.Points)},
		"match_found_initiator", partner.Nickname, m.Engine.Sessions.Tariff.PerChar)
	m.notify(ctx, partnerID, models.ChatMessage{Type: models.SysMatchFound, Balance: models.Ptr(partner.Points)},
		"match_found_responder", seeker.Nickname)
	return nil
}

func (m *ManagerService) handleEnd(ctx context.Context, userID string) error {
	outcome, err := m.Engine.Sessions.End(ctx, userID)
	if err != nil {
		m.fail(ctx, userID, err)
		return err
	}
	m.notify(ctx, userID, models.ChatMessage{Type: models.SysEndedSelf, Balance: models.Ptr(outcome.RequesterPoints)},
		"conversation_ended_self")
	m.notify(ctx, outcome.PartnerID, models.ChatMessage{Type: models.SysEndedPartner, Balance: models.Ptr(outcome.PartnerPoints)},
		"conversation_ended_partner")
	return nil
}

func (m *ManagerService) handleReport(ctx context.Context, msg models.ChatMessage) error {
	if m.Complaints == nil {
		return errors.New("reports are not configured")
	}
	res, err := m.Complaints.Report(ctx, msg.SenderID, msg.Content)
	if errors.Is(err, apperr.ErrNotBound) {
		m.Notify(ctx, msg.SenderID, models.SysError, "report_not_in_chat")
		return err
	}
	if err != nil {
		m.fail(ctx, msg.SenderID, err)
		return err
	}

	m.Notify(ctx, msg.SenderID, models.SysEndedSelf, "report_received")
	if res.Ended {
		m.Notify(ctx, res.Report.ReportedUserID, models.SysEndedPartner, "report_partner_notified")
	}
	return nil
}

func unitFromMessage(msg models.ChatMessage) (matchmaking.Unit, error) {
	switch msg.Type {
	case models.MsgText:
		return matchmaking.Unit{Kind: matchmaking.UnitText, Text: msg.Content}, nil
	case models.MsgPhoto:
		return matchmaking.Unit{Kind: matchmaking.UnitPhoto}, nil
	case models.MsgVideo:
		return matchmaking.Unit{Kind: matchmaking.UnitVideo}, nil
	}
	return matchmaking.Unit{}, apperr.Wrap(apperr.ErrUnsupportedUnit, "message type %q", msg.Type)
}

// handleUnit bills the unit and forwards it only after billing succeeded.
// A forward that fails after billing ends the conversation; the points
// stay with the recipient.
func (m *ManagerService) handleUnit(ctx context.Context, msg models.ChatMessage) error {
	senderID := msg.SenderID
	unit, err := unitFromMessage(msg)
	if err != nil {
		m.fail(ctx, senderID, err)
		return err
	}

	receipt, err := m.Engine.Sessions.SendUnit(ctx, senderID, unit)
	if errors.Is(err, apperr.ErrNotBound) {
		m.Notify(ctx, senderID, models.SysInfo, "not_in_chat")
		return err
	}
	if errors.Is(err, apperr.ErrInsufficientFunds) {
		m.insufficient(ctx, senderID, unit)
		return err
	}
	if err != nil {
		m.fail(ctx, senderID, err)
		return err
	}

	out := models.ChatMessage{
		SenderID:    senderID,
		RecipientID: receipt.PartnerID,
		Content:     msg.Content,
		Caption:     msg.Caption,
		Type:        msg.Type,
		Cost:        receipt.Cost,
	}
	if err := m.deliver(ctx, out); err != nil {
		return m.deliveryFailed(ctx, receipt, senderID, err)
	}
	return nil
}

func (m *ManagerService) insufficient(ctx context.Context, senderID string, unit matchmaking.Unit) {
	cost, _, _ := m.Engine.Sessions.Tariff.Cost(unit)
	balance, err := m.Engine.Ledger.Balance(ctx, senderID)
	if err != nil {
		m.fail(ctx, senderID, err)
		return
	}

	msg := models.ChatMessage{Type: models.SysError, Code: apperr.ErrInsufficientFunds.Code, Balance: models.Ptr(balance), Cost: cost}
	if unit.Kind == matchmaking.UnitText {
		m.notify(ctx, senderID, msg, "insufficient_text")
		return
	}
	m.notify(ctx, senderID, msg, "insufficient_media", cost, balance)
}

func (m *ManagerService) deliveryFailed(ctx context.Context, receipt matchmaking.Receipt, senderID string, cause error) error {
	err := &DeliveryError{
		SenderID:       senderID,
		RecipientID:    receipt.PartnerID,
		ConversationID: receipt.ConversationID,
		Charged:        receipt.Cost,
		Err:            cause,
	}
	metrics.RecordDeliveryFailure()
	m.capture(senderID, err)

	if _, endErr := m.Engine.Sessions.End(ctx, senderID); endErr != nil && !errors.Is(endErr, apperr.ErrNotBound) {
		m.log.Error("end after delivery failure", slog.String("user_id", senderID), slog.Any("error", endErr))
	}
	m.notify(ctx, senderID, models.ChatMessage{Type: models.SysEndedSelf, Code: apperr.ErrDeliveryFailed.Code, Cost: receipt.Cost},
		"delivery_failed")
	m.Notify(ctx, receipt.PartnerID, models.SysEndedPartner, "conversation_ended_partner")
	return fmt.Errorf("forward unit: %w", err)
}
