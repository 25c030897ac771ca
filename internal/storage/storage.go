package storage

import (
	"context"
	"errors"
	"fmt"
	"lomitalk/backend/internal/models"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrReportNotFound       = errors.New("report not found")
	ErrDuplicate            = errors.New("record already exists")
)

// Storage is the profile store and its satellite records. All writes made
// inside WithTx commit together or not at all.
type Storage interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByTelegramID(ctx context.Context, telegramID int64) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error
	// UpdateUser merges patch into the stored user.
	UpdateUser(ctx context.Context, id string, patch models.UserPatch) error
	// ScanUsers visits users in insertion order until fn returns false.
	// poolOnly is a hint; callers must still check InPool themselves.
	ScanUsers(ctx context.Context, poolOnly bool, fn func(*models.User) bool) error

	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id uint) (*models.Conversation, error)
	RecordConversationUnit(ctx context.Context, id uint, chars, points int64) error
	CloseConversation(ctx context.Context, id uint, endedBy string) error

	AppendTransaction(ctx context.Context, tx *models.Transaction) error
	ListTransactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error)

	SaveReport(ctx context.Context, report *models.Report) error
	ListReports(ctx context.Context, status models.ReportStatus, limit int) ([]models.Report, error)
	UpdateReportStatus(ctx context.Context, id uint, status models.ReportStatus) error

	WithTx(ctx context.Context, fn func(Storage) error) error
}

// Service is the PostgreSQL-backed Storage.
type Service struct {
	DB *gorm.DB

	// inTx makes user reads take row locks, so instances sharing the
	// database serialize on the same users.
	inTx bool
}

// NewStorageService Constructor
func NewStorageService(db *gorm.DB) *Service {
	return &Service{DB: db}
}

// Migrate creates or updates the tables for all persisted models.
func (s *Service) Migrate() error {
	return s.DB.AutoMigrate(
		&models.User{},
		&models.Conversation{},
		&models.Transaction{},
		&models.Report{},
	)
}

func (s *Service) query(ctx context.Context) *gorm.DB {
	db := s.DB.WithContext(ctx)
	if s.inTx {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return db
}

func (s *Service) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := s.query(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return &user, nil
}

func (s *Service) GetUserByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	var user models.User
	if err := s.query(ctx).Where("telegram_id = ?", telegramID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user by telegram id %d: %w", telegramID, err)
	}
	return &user, nil
}

func (s *Service) CreateUser(ctx context.Context, user *models.User) error {
	if err := s.DB.WithContext(ctx).Create(user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *Service) UpdateUser(ctx context.Context, id string, patch models.UserPatch) error {
	cols := patch.Columns()
	if len(cols) == 0 {
		return nil
	}
	result := s.DB.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Updates(cols)
	if result.Error != nil {
		return fmt.Errorf("update user %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ScanUsers streams rows so a search that stops at the first candidate does
// not load the whole table.
func (s *Service) ScanUsers(ctx context.Context, poolOnly bool, fn func(*models.User) bool) error {
	query := s.DB.WithContext(ctx).Model(&models.User{}).Order("created_at asc, id asc")
	if poolOnly {
		query = query.Where("in_pool = ? AND in_conversation = ?", true, false)
	}

	rows, err := query.Rows()
	if err != nil {
		return fmt.Errorf("scan users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var user models.User
		if err := s.DB.ScanRows(rows, &user); err != nil {
			return fmt.Errorf("scan user row: %w", err)
		}
		if !fn(&user) {
			return nil
		}
	}
	return rows.Err()
}

func (s *Service) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv.StartedAt.IsZero() {
		conv.StartedAt = time.Now()
	}
	if err := s.DB.WithContext(ctx).Create(conv).Error; err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *Service) GetConversation(ctx context.Context, id uint) (*models.Conversation, error) {
	var conv models.Conversation
	if err := s.DB.WithContext(ctx).First(&conv, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("get conversation %d: %w", id, err)
	}
	return &conv, nil
}

func (s *Service) RecordConversationUnit(ctx context.Context, id uint, chars, points int64) error {
	result := s.DB.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"units_billed":       gorm.Expr("units_billed + 1"),
			"chars_billed":       gorm.Expr("chars_billed + ?", chars),
			"points_transferred": gorm.Expr("points_transferred + ?", points),
		})
	if result.Error != nil {
		return fmt.Errorf("record unit for conversation %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// CloseConversation marks the conversation ended. Closing an already closed
// conversation is a no-op.
func (s *Service) CloseConversation(ctx context.Context, id uint, endedBy string) error {
	return s.DB.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ? AND is_active = ?", id, true).
		Updates(map[string]interface{}{
			"is_active": false,
			"ended_at":  time.Now(),
			"ended_by":  endedBy,
		}).Error
}

func (s *Service) AppendTransaction(ctx context.Context, tx *models.Transaction) error {
	if err := s.DB.WithContext(ctx).Create(tx).Error; err != nil {
		return fmt.Errorf("append transaction for %s: %w", tx.UserID, err)
	}
	return nil
}

func (s *Service) ListTransactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	var txs []models.Transaction
	query := s.DB.WithContext(ctx).Where("user_id = ?", userID).Order("id desc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&txs).Error; err != nil {
		return nil, fmt.Errorf("list transactions for %s: %w", userID, err)
	}
	return txs, nil
}

func (s *Service) SaveReport(ctx context.Context, report *models.Report) error {
	if report.Status == "" {
		report.Status = models.ReportPending
	}
	if err := s.DB.WithContext(ctx).Create(report).Error; err != nil {
		return fmt.Errorf("save report against %s: %w", report.ReportedUserID, err)
	}
	return nil
}

// ListReports returns the newest reports first. An empty status lists all.
func (s *Service) ListReports(ctx context.Context, status models.ReportStatus, limit int) ([]models.Report, error) {
	var reports []models.Report
	query := s.DB.WithContext(ctx).Order("id desc")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&reports).Error; err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	return reports, nil
}

func (s *Service) UpdateReportStatus(ctx context.Context, id uint, status models.ReportStatus) error {
	result := s.DB.WithContext(ctx).Model(&models.Report{}).Where("id = ?", id).Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("update report %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrReportNotFound
	}
	return nil
}

func (s *Service) WithTx(ctx context.Context, fn func(Storage) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Service{DB: tx, inTx: true})
	})
}
