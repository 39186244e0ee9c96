// Package penalty implements C4: the progressive penalty state machine
// (warn → temp-block → extended-block → permanent-ban) plus whitelist,
// blacklist, and appeal handling.
package penalty

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/jordigilh/kubernaut-resilience/internal/errors"
)

type Status string

const (
	StatusNormal      Status = "NORMAL"
	StatusWhitelisted Status = "WHITELISTED"
	StatusWarned      Status = "WARNED"
	StatusTempBlocked Status = "TEMP_BLOCKED"
	StatusPermBanned  Status = "PERM_BANNED"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

type PenaltyType string

const (
	PenaltyWarning        PenaltyType = "WARNING"
	PenaltyTemporaryBlock PenaltyType = "TEMPORARY_BLOCK"
	PenaltyExtendedBlock  PenaltyType = "EXTENDED_BLOCK"
	PenaltyPermanentBan   PenaltyType = "PERMANENT_BAN"
)

// PenaltyRecord is one entry in a user's penalty history.
type PenaltyRecord struct {
	ID         string
	Type       PenaltyType
	Severity   Severity
	Reason     string
	IssuedAt   time.Time
	ExpiresAt  *time.Time
	IsActive   bool
	Appealable bool
	Appealed   bool
	RevokedAt  *time.Time
	RevokedBy  string
	Metadata   map[string]string
}

// Appeal is a user-submitted request to revoke an active penalty.
type Appeal struct {
	ID          string
	PenaltyID   string
	UserID      string
	Reason      string
	SubmittedAt time.Time
	Resolved    bool
	Approved    bool
	ResolvedAt  *time.Time
	ResolvedBy  string
}

// UserState is the full per-user penalty status.
type UserState struct {
	UserID          string
	Status          Status
	WarningCount    int
	BlockCount      int
	TotalViolations int
	CurrentPenalty  *PenaltyRecord
	BlockedUntil    *time.Time
	AppealCount     int
	History         []PenaltyRecord
}

// Config holds the escalation durations and thresholds.
type Config struct {
	BaseTimeout           time.Duration
	EscalationMultiplier  float64
	MaxTimeout            time.Duration
	PermanentBanThreshold int
	MaxAppealsPerUser     int
}

var DefaultConfig = Config{
	BaseTimeout:           time.Minute,
	EscalationMultiplier:  2.0,
	MaxTimeout:            24 * time.Hour,
	PermanentBanThreshold: 5,
	MaxAppealsPerUser:     3,
}

// Manager is the C4 penalty state machine, holding all user state
// in-process (penalty records are not expected to survive a restart; the
// counter store, not this manager, is the durable layer).
type Manager struct {
	cfg   Config
	mu    sync.Mutex
	users map[string]*UserState
	white map[string]bool
	black map[string]bool
}

func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:   cfg,
		users: make(map[string]*UserState),
		white: make(map[string]bool),
		black: make(map[string]bool),
	}
}

func (m *Manager) stateFor(userID string) *UserState {
	s, ok := m.users[userID]
	if !ok {
		s = &UserState{UserID: userID, Status: StatusNormal}
		m.users[userID] = s
	}
	return s
}

func (m *Manager) Whitelist(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.white[userID] = true
	delete(m.black, userID)
}

func (m *Manager) Blacklist(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.black[userID] = true
	delete(m.white, userID)
}

// IsUserAllowed checks whitelist/blacklist first, then the current
// penalty, clearing an expired one in place.
func (m *Manager) IsUserAllowed(userID string) (bool, *UserState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.white[userID] {
		return true, m.stateFor(userID)
	}
	if m.black[userID] {
		s := m.stateFor(userID)
		s.Status = StatusPermBanned
		return false, s
	}

	s := m.stateFor(userID)
	if s.CurrentPenalty != nil {
		if s.CurrentPenalty.ExpiresAt != nil && !s.CurrentPenalty.ExpiresAt.After(time.Now()) {
			s.CurrentPenalty.IsActive = false
			s.CurrentPenalty = nil
			s.BlockedUntil = nil
			s.Status = StatusNormal
			return true, s
		}
		return false, s
	}
	return true, s
}

// ApplyPenalty escalates the user's status given a severity, per the
// escalation table: CRITICAL with blockCount>=2 or totalViolations over
// threshold bans permanently; otherwise CRITICAL/repeat-HIGH extends the
// block; first HIGH or repeat-MEDIUM temp-blocks; everything else warns.
func (m *Manager) ApplyPenalty(userID string, severity Severity, reason string) *PenaltyRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stateFor(userID)
	s.TotalViolations++

	ptype := m.escalationType(s, severity)

	rec := &PenaltyRecord{
		ID:         uuid.NewString(),
		Type:       ptype,
		Severity:   severity,
		Reason:     reason,
		IssuedAt:   time.Now(),
		IsActive:   true,
		Appealable: ptype != PenaltyWarning,
	}

	switch ptype {
	case PenaltyWarning:
		s.WarningCount++
		s.Status = StatusWarned
	case PenaltyTemporaryBlock:
		s.BlockCount++
		d := m.blockDuration(s.BlockCount, 0)
		exp := rec.IssuedAt.Add(d)
		rec.ExpiresAt = &exp
		s.BlockedUntil = &exp
		s.Status = StatusTempBlocked
	case PenaltyExtendedBlock:
		s.BlockCount++
		// Open question (a): kept verbatim — extended blocks use
		// blockCount+2 where temporary blocks use blockCount alone.
		d := m.blockDuration(s.BlockCount, 2)
		exp := rec.IssuedAt.Add(d)
		rec.ExpiresAt = &exp
		s.BlockedUntil = &exp
		s.Status = StatusTempBlocked
	case PenaltyPermanentBan:
		s.Status = StatusPermBanned
		m.black[userID] = true
	}

	s.CurrentPenalty = rec
	s.History = append(s.History, *rec)
	return rec
}

func (m *Manager) escalationType(s *UserState, severity Severity) PenaltyType {
	switch severity {
	case SeverityCritical:
		if s.BlockCount >= 2 || s.TotalViolations >= m.cfg.PermanentBanThreshold {
			return PenaltyPermanentBan
		}
		return PenaltyExtendedBlock
	case SeverityHigh:
		if s.BlockCount >= 1 {
			return PenaltyExtendedBlock
		}
		return PenaltyTemporaryBlock
	case SeverityMedium:
		if s.WarningCount >= 2 {
			return PenaltyTemporaryBlock
		}
		return PenaltyWarning
	default: // LOW
		return PenaltyWarning
	}
}

func (m *Manager) blockDuration(blockCount, offset int) time.Duration {
	exp := math.Pow(m.cfg.EscalationMultiplier, float64(blockCount+offset))
	d := time.Duration(float64(m.cfg.BaseTimeout) * exp)
	if d > m.cfg.MaxTimeout {
		d = m.cfg.MaxTimeout
	}
	return d
}

// SubmitAppeal registers an appeal for the user's current penalty. Appeals
// are only permitted for non-warning, non-already-appealed penalties, and
// are bounded per user by MaxAppealsPerUser.
func (m *Manager) SubmitAppeal(userID, reason string) (*Appeal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stateFor(userID)
	if s.CurrentPenalty == nil {
		return nil, apperrors.New(apperrors.ErrorTypeValidation, "no active penalty to appeal")
	}
	if !s.CurrentPenalty.Appealable || s.CurrentPenalty.Appealed {
		return nil, apperrors.New(apperrors.ErrorTypeValidation, "penalty is not appealable")
	}
	if s.AppealCount >= m.cfg.MaxAppealsPerUser {
		return nil, apperrors.New(apperrors.ErrorTypeValidation, "appeal limit reached")
	}

	s.AppealCount++
	s.CurrentPenalty.Appealed = true

	return &Appeal{
		ID:          uuid.NewString(),
		PenaltyID:   s.CurrentPenalty.ID,
		UserID:      userID,
		Reason:      reason,
		SubmittedAt: time.Now(),
	}, nil
}

// ResolveAppeal applies an appeal decision. Approval revokes the penalty
// and resets the user's status to NORMAL.
func (m *Manager) ResolveAppeal(userID string, appeal *Appeal, approve bool, resolvedBy string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	appeal.Resolved = true
	appeal.Approved = approve
	appeal.ResolvedAt = &now
	appeal.ResolvedBy = resolvedBy

	if !approve {
		return
	}

	s := m.stateFor(userID)
	if s.CurrentPenalty != nil && s.CurrentPenalty.ID == appeal.PenaltyID {
		s.CurrentPenalty.IsActive = false
		s.CurrentPenalty.RevokedAt = &now
		s.CurrentPenalty.RevokedBy = resolvedBy
		s.CurrentPenalty = nil
		s.BlockedUntil = nil
		s.Status = StatusNormal
		delete(m.black, userID)
	}
}

// GetUserState returns a copy of the user's current state.
func (m *Manager) GetUserState(userID string) UserState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stateFor(userID)
	cp := *s
	return cp
}
