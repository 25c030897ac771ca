package storage

import (
	"context"
	"lomitalk/backend/internal/models"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Storage used by tests and local runs.
// Transactions stage their writes and apply them under one lock on commit.
type MemoryStore struct {
	mu sync.RWMutex

	users      map[string]*models.User
	order      []string
	byTelegram map[int64]string

	conversations map[uint]*models.Conversation
	transactions  []models.Transaction
	reports       []models.Report

	nextConvID   uint
	nextTxID     uint
	nextReportID uint

	// Fault, when set, is consulted before every write. A non-nil result
	// fails that write. Tests use it to simulate an unavailable store.
	Fault func(op string) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]*models.User),
		byTelegram:    make(map[int64]string),
		conversations: make(map[uint]*models.Conversation),
	}
}

func (m *MemoryStore) fault(op string) error {
	m.mu.RLock()
	f := m.Fault
	m.mu.RUnlock()
	if f == nil {
		return nil
	}
	return f(op)
}

// SetFault swaps the fault hook while other goroutines may be running.
func (m *MemoryStore) SetFault(f func(op string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fault = f
}

func cloneUser(u *models.User) *models.User {
	c := *u
	if u.TelegramID != nil {
		c.TelegramID = models.Ptr(*u.TelegramID)
	}
	if u.PartnerID != nil {
		c.PartnerID = models.Ptr(*u.PartnerID)
	}
	if u.IsInitiator != nil {
		c.IsInitiator = models.Ptr(*u.IsInitiator)
	}
	if u.ConversationID != nil {
		c.ConversationID = models.Ptr(*u.ConversationID)
	}
	return &c
}

func cloneConversation(c *models.Conversation) *models.Conversation {
	cc := *c
	if c.EndedAt != nil {
		cc.EndedAt = models.Ptr(*c.EndedAt)
	}
	return &cc
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (m *MemoryStore) GetUserByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byTelegram[telegramID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return cloneUser(m.users[id]), nil
}

func (m *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	return m.WithTx(ctx, func(tx Storage) error { return tx.CreateUser(ctx, user) })
}

func (m *MemoryStore) UpdateUser(ctx context.Context, id string, patch models.UserPatch) error {
	return m.WithTx(ctx, func(tx Storage) error { return tx.UpdateUser(ctx, id, patch) })
}

// ScanUsers snapshots the id order and releases the lock before each
// callback, so fn may call back into the store.
func (m *MemoryStore) ScanUsers(ctx context.Context, poolOnly bool, fn func(*models.User) bool) error {
	m.mu.RLock()
	ids := append([]string(nil), m.order...)
	m.mu.RUnlock()

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		u, err := m.GetUser(ctx, id)
		if err != nil {
			continue
		}
		if poolOnly && !u.InPool {
			continue
		}
		if !fn(u) {
			return nil
		}
	}
	return nil
}

func (m *MemoryStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	return m.WithTx(ctx, func(tx Storage) error { return tx.CreateConversation(ctx, conv) })
}

func (m *MemoryStore) GetConversation(ctx context.Context, id uint) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return cloneConversation(c), nil
}

func (m *MemoryStore) RecordConversationUnit(ctx context.Context, id uint, chars, points int64) error {
	return m.WithTx(ctx, func(tx Storage) error { return tx.RecordConversationUnit(ctx, id, chars, points) })
}

func (m *MemoryStore) CloseConversation(ctx context.Context, id uint, endedBy string) error {
	return m.WithTx(ctx, func(tx Storage) error { return tx.CloseConversation(ctx, id, endedBy) })
}

func (m *MemoryStore) AppendTransaction(ctx context.Context, t *models.Transaction) error {
	return m.WithTx(ctx, func(tx Storage) error { return tx.AppendTransaction(ctx, t) })
}

func (m *MemoryStore) ListTransactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Transaction
	for i := len(m.transactions) - 1; i >= 0; i-- {
		if m.transactions[i].UserID != userID {
			continue
		}
		out = append(out, m.transactions[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveReport(ctx context.Context, report *models.Report) error {
	return m.WithTx(ctx, func(tx Storage) error { return tx.SaveReport(ctx, report) })
}

func (m *MemoryStore) ListReports(ctx context.Context, status models.ReportStatus, limit int) ([]models.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Report
	for i := len(m.reports) - 1; i >= 0; i-- {
		if status != "" && m.reports[i].Status != status {
			continue
		}
		out = append(out, m.reports[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateReportStatus(ctx context.Context, id uint, status models.ReportStatus) error {
	if err := m.fault("UpdateReportStatus"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.reports {
		if m.reports[i].ID == id {
			m.reports[i].Status = status
			return nil
		}
	}
	return ErrReportNotFound
}

// WithTx runs fn against a staging view and commits its writes atomically.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(Storage) error) error {
	tx := &memTx{
		parent: m,
		users:  make(map[string]*models.User),
		convs:  make(map[uint]*models.Conversation),
	}
	if err := fn(tx); err != nil {
		return err
	}
	m.commit(tx)
	return nil
}

func (m *MemoryStore) commit(tx *memTx) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range tx.created {
		m.order = append(m.order, id)
	}
	for id, u := range tx.users {
		u.UpdatedAt = time.Now()
		m.users[id] = u
		if u.TelegramID != nil {
			m.byTelegram[*u.TelegramID] = id
		}
	}
	for id, c := range tx.convs {
		m.conversations[id] = c
	}
	for _, t := range tx.txs {
		m.nextTxID++
		t.ID = m.nextTxID
		m.transactions = append(m.transactions, t)
	}
	for _, r := range tx.reports {
		m.nextReportID++
		r.ID = m.nextReportID
		m.reports = append(m.reports, r)
	}
}

func (m *MemoryStore) allocConversationID() uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextConvID++
	return m.nextConvID
}

// memTx overlays staged records on top of the parent store.
type memTx struct {
	parent  *MemoryStore
	users   map[string]*models.User
	created []string
	convs   map[uint]*models.Conversation
	txs     []models.Transaction
	reports []models.Report
}

func (t *memTx) GetUser(ctx context.Context, id string) (*models.User, error) {
	if u, ok := t.users[id]; ok {
		return cloneUser(u), nil
	}
	return t.parent.GetUser(ctx, id)
}

func (t *memTx) GetUserByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	for _, u := range t.users {
		if u.TelegramID != nil && *u.TelegramID == telegramID {
			return cloneUser(u), nil
		}
	}
	return t.parent.GetUserByTelegramID(ctx, telegramID)
}

func (t *memTx) CreateUser(ctx context.Context, user *models.User) error {
	if err := t.parent.fault("CreateUser"); err != nil {
		return err
	}
	if err := user.BeforeCreate(nil); err != nil {
		return err
	}
	if _, err := t.GetUser(ctx, user.ID); err == nil {
		return ErrDuplicate
	}
	if user.TelegramID != nil {
		if _, err := t.GetUserByTelegramID(ctx, *user.TelegramID); err == nil {
			return ErrDuplicate
		}
	}
	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now
	if user.Language == "" {
		user.Language = "en"
	}
	t.users[user.ID] = cloneUser(user)
	t.created = append(t.created, user.ID)
	return nil
}

func (t *memTx) UpdateUser(ctx context.Context, id string, patch models.UserPatch) error {
	if err := t.parent.fault("UpdateUser"); err != nil {
		return err
	}
	u, err := t.GetUser(ctx, id)
	if err != nil {
		return err
	}
	patch.Apply(u)
	t.users[id] = u
	return nil
}

func (t *memTx) ScanUsers(ctx context.Context, poolOnly bool, fn func(*models.User) bool) error {
	t.parent.mu.RLock()
	ids := append([]string(nil), t.parent.order...)
	t.parent.mu.RUnlock()
	ids = append(ids, t.created...)

	for _, id := range ids {
		u, err := t.GetUser(ctx, id)
		if err != nil {
			continue
		}
		if poolOnly && !u.InPool {
			continue
		}
		if !fn(u) {
			return nil
		}
	}
	return nil
}

func (t *memTx) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if err := t.parent.fault("CreateConversation"); err != nil {
		return err
	}
	conv.ID = t.parent.allocConversationID()
	if conv.StartedAt.IsZero() {
		conv.StartedAt = time.Now()
	}
	t.convs[conv.ID] = cloneConversation(conv)
	return nil
}

func (t *memTx) GetConversation(ctx context.Context, id uint) (*models.Conversation, error) {
	if c, ok := t.convs[id]; ok {
		return cloneConversation(c), nil
	}
	return t.parent.GetConversation(ctx, id)
}

func (t *memTx) RecordConversationUnit(ctx context.Context, id uint, chars, points int64) error {
	if err := t.parent.fault("RecordConversationUnit"); err != nil {
		return err
	}
	c, err := t.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	c.UnitsBilled++
	c.CharsBilled += chars
	c.PointsTransferred += points
	t.convs[id] = c
	return nil
}

func (t *memTx) CloseConversation(ctx context.Context, id uint, endedBy string) error {
	if err := t.parent.fault("CloseConversation"); err != nil {
		return err
	}
	c, err := t.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if !c.IsActive {
		return nil
	}
	c.IsActive = false
	c.EndedAt = models.Ptr(time.Now())
	c.EndedBy = endedBy
	t.convs[id] = c
	return nil
}

func (t *memTx) AppendTransaction(ctx context.Context, tx *models.Transaction) error {
	if err := t.parent.fault("AppendTransaction"); err != nil {
		return err
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	t.txs = append(t.txs, *tx)
	return nil
}

func (t *memTx) ListTransactions(ctx context.Context, userID string, limit int) ([]models.Transaction, error) {
	return t.parent.ListTransactions(ctx, userID, limit)
}

func (t *memTx) SaveReport(ctx context.Context, report *models.Report) error {
	if err := t.parent.fault("SaveReport"); err != nil {
		return err
	}
	if report.Status == "" {
		report.Status = models.ReportPending
	}
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now()
	}
	t.reports = append(t.reports, *report)
	return nil
}

func (t *memTx) ListReports(ctx context.Context, status models.ReportStatus, limit int) ([]models.Report, error) {
	return t.parent.ListReports(ctx, status, limit)
}

func (t *memTx) UpdateReportStatus(ctx context.Context, id uint, status models.ReportStatus) error {
	return t.parent.UpdateReportStatus(ctx, id, status)
}

// WithTx inside a transaction joins the outer one.
func (t *memTx) WithTx(ctx context.Context, fn func(Storage) error) error {
	return fn(t)
}

// Users returns a snapshot of all users in insertion order.
func (m *MemoryStore) Users() []models.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.User, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *cloneUser(m.users[id]))
	}
	return out
}

// TotalPoints sums all balances.
func (m *MemoryStore) TotalPoints() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, u := range m.users {
		total += u.Points
	}
	return total
}

// Conversations returns all conversation records ordered by id.
func (m *MemoryStore) Conversations() []models.Conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Conversation, 0, len(m.conversations))
	for _, c := range m.conversations {
		out = append(out, *cloneConversation(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
