package credits

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rapidalle/rapidalle/internal/models"
	internalsettings "github.com/rapidalle/rapidalle/internal/settings"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrUserNotFound is returned by operations that never provision users.
	ErrUserNotFound = errors.New("credits: user not found")
	// ErrInsufficientCredits is returned by Charge when the balance cannot cover the amount.
	ErrInsufficientCredits = errors.New("credits: insufficient credits")
	// ErrEmptyUserID rejects blank user identifiers.
	ErrEmptyUserID = errors.New("credits: empty user id")
)

// Profile carries optional defaults applied when a user row is provisioned.
type Profile struct {
	Name  string
	Email string
}

// Ledger owns every mutation of users.credits. Each mutation is a single
// conditional UPDATE so concurrent callers serialize in the database rather
// than through a read-modify-write in memory.
type Ledger struct {
	db             *gorm.DB
	initialCredits int64
}

// NewLedger constructs a Ledger. initialCredits seeds lazily provisioned users
// unless DEFAULT_USER_CREDITS overrides it at runtime.
func NewLedger(db *gorm.DB, initialCredits int64) *Ledger {
	if initialCredits < 0 {
		initialCredits = 0
	}
	return &Ledger{db: db, initialCredits: initialCredits}
}

// EnsureUser returns the user row, creating it with the default balance when absent.
// Concurrent first calls for the same id converge on one row.
func (l *Ledger) EnsureUser(ctx context.Context, userID string, profile Profile) (models.User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return models.User{}, ErrEmptyUserID
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var user models.User
	errFind := l.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error
	if errFind == nil {
		return user, nil
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		return models.User{}, fmt.Errorf("credits: load user: %w", errFind)
	}

	user = models.User{
		ID:          userID,
		Name:        strings.TrimSpace(profile.Name),
		Email:       strings.TrimSpace(profile.Email),
		Credits:     l.defaultCredits(),
		BillingTier: models.BillingTierFree,
	}
	if user.Name == "" {
		user.Name = "User " + userID
	}
	if user.Email == "" {
		user.Email = userID + "@example.com"
	}
	if errCreate := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&user).Error; errCreate != nil {
		return models.User{}, fmt.Errorf("credits: provision user: %w", errCreate)
	}
	if errReload := l.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error; errReload != nil {
		return models.User{}, fmt.Errorf("credits: reload user: %w", errReload)
	}
	return user, nil
}

// Balance returns the current balance, provisioning the user if needed.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	user, err := l.EnsureUser(ctx, userID, Profile{})
	if err != nil {
		return 0, err
	}
	return user.Credits, nil
}

// Debit subtracts amount, clamping the balance at zero, and returns the new balance.
// A non-positive amount is a no-op that returns the current balance.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64) (int64, error) {
	userID = strings.TrimSpace(userID)
	if amount <= 0 {
		return l.Balance(ctx, userID)
	}
	return l.apply(ctx, userID, func(tx *gorm.DB) *gorm.DB {
		return tx.Model(&models.User{}).
			Where("id = ?", userID).
			Update("credits", gorm.Expr("CASE WHEN credits > ? THEN credits - ? ELSE 0 END", amount, amount))
	})
}

// Credit adds amount and returns the new balance. A non-positive amount is a
// no-op that returns the current balance.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64) (int64, error) {
	userID = strings.TrimSpace(userID)
	if amount <= 0 {
		return l.Balance(ctx, userID)
	}
	return l.apply(ctx, userID, func(tx *gorm.DB) *gorm.DB {
		return tx.Model(&models.User{}).
			Where("id = ?", userID).
			Update("credits", gorm.Expr("credits + ?", amount))
	})
}

// SetBalance sets an absolute balance, clamped to zero, and returns it.
func (l *Ledger) SetBalance(ctx context.Context, userID string, amount int64) (int64, error) {
	userID = strings.TrimSpace(userID)
	if amount < 0 {
		amount = 0
	}
	return l.apply(ctx, userID, func(tx *gorm.DB) *gorm.DB {
		return tx.Model(&models.User{}).
			Where("id = ?", userID).
			Update("credits", amount)
	})
}

// Charge subtracts amount only if the balance covers it. Unlike Debit it never
// clamps: a balance that cannot pay is left untouched and ErrInsufficientCredits
// is returned.
func (l *Ledger) Charge(ctx context.Context, userID string, amount int64) (int64, error) {
	userID = strings.TrimSpace(userID)
	if amount <= 0 {
		return l.Balance(ctx, userID)
	}
	if _, errEnsure := l.EnsureUser(ctx, userID, Profile{}); errEnsure != nil {
		return 0, errEnsure
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var balance int64
	errTx := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.User{}).
			Where("id = ? AND credits >= ?", userID, amount).
			Update("credits", gorm.Expr("credits - ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInsufficientCredits
		}
		return tx.Model(&models.User{}).Where("id = ?", userID).Pluck("credits", &balance).Error
	})
	if errTx != nil {
		if errors.Is(errTx, ErrInsufficientCredits) {
			return 0, ErrInsufficientCredits
		}
		return 0, fmt.Errorf("credits: charge: %w", errTx)
	}
	return balance, nil
}

// apply provisions the user, runs the write as the first statement of a
// transaction and reads the resulting balance inside the same transaction.
func (l *Ledger) apply(ctx context.Context, userID string, write func(tx *gorm.DB) *gorm.DB) (int64, error) {
	if _, errEnsure := l.EnsureUser(ctx, userID, Profile{}); errEnsure != nil {
		return 0, errEnsure
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var balance int64
	errTx := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := write(tx)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrUserNotFound
		}
		return tx.Model(&models.User{}).Where("id = ?", userID).Pluck("credits", &balance).Error
	})
	if errTx != nil {
		if errors.Is(errTx, ErrUserNotFound) {
			return 0, ErrUserNotFound
		}
		return 0, fmt.Errorf("credits: update balance: %w", errTx)
	}
	return balance, nil
}

func (l *Ledger) defaultCredits() int64 {
	n := internalsettings.Int(internalsettings.DefaultUserCreditsKey, l.initialCredits)
	if n < 0 {
		return 0
	}
	return n
}
