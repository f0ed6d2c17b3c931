package accounts

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/hanifr/go-storefront-orders/internal/notify"
	"github.com/hanifr/go-storefront-orders/internal/store"
)

var (
	ErrNotVerified    = errors.New("accounts: email not verified")
	ErrNoChallenge    = errors.New("accounts: no active verification challenge")
	ErrCodeExpired    = errors.New("accounts: verification code expired")
	ErrCodeMismatch   = errors.New("accounts: verification code mismatch")
	ErrInvalidAddress = errors.New("accounts: invalid email address")
)

const challengeTTL = 10 * time.Minute

type UserEmail struct {
	UserID     string    `json:"user_id"`
	Email      string    `json:"email"`
	Verified   bool      `json:"verified"`
	VerifiedAt time.Time `json:"verified_at,omitempty"`
}

// Challenge is the persisted one-time email binding code. It survives a
// restart and is deleted on first correct verification or expiry.
type Challenge struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Service struct {
	DB     store.Store
	Mailer notify.Mailer
}

func sixDigits() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		panic(err)
	}
	return fmt.Sprintf("%06d", n.Int64())
}

// BeginBind stores a fresh challenge and emails the code. A second call
// replaces any earlier challenge for the user.
func (s *Service) BeginBind(ctx context.Context, userID, email string) error {
	if email == "" || !validAddress(email) {
		return ErrInvalidAddress
	}

	ch := Challenge{
		UserID:    userID,
		Email:     email,
		Code:      sixDigits(),
		ExpiresAt: time.Now().UTC().Add(challengeTTL),
	}
	if err := s.DB.Save(ctx, store.ColVerifications, userID, ch); err != nil {
		return fmt.Errorf("accounts: save challenge: %w", err)
	}

	body := fmt.Sprintf("Your verification code is %s. It expires in 10 minutes.", ch.Code)
	if err := s.Mailer.Send(ctx, email, "Email verification code", body); err != nil {
		return fmt.Errorf("accounts: send code: %w", err)
	}
	return nil
}

// Verify consumes the challenge on a single correct code and records the
// binding. Wrong codes leave the challenge in place; expired ones delete it.
func (s *Service) Verify(ctx context.Context, userID, code string) error {
	var ch Challenge
	if err := s.DB.Load(ctx, store.ColVerifications, userID, &ch); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoChallenge
		}
		return err
	}
	if time.Now().UTC().After(ch.ExpiresAt) {
		if err := s.DB.Delete(ctx, store.ColVerifications, userID); err != nil {
			log.Printf("accounts: drop expired challenge %s: %v", userID, err)
		}
		return ErrCodeExpired
	}
	if ch.Code != code {
		return ErrCodeMismatch
	}

	ue := UserEmail{
		UserID:     userID,
		Email:      ch.Email,
		Verified:   true,
		VerifiedAt: time.Now().UTC(),
	}
	if err := s.DB.Save(ctx, store.ColUserEmails, userID, ue); err != nil {
		return fmt.Errorf("accounts: save binding: %w", err)
	}
	if err := s.DB.Delete(ctx, store.ColVerifications, userID); err != nil {
		log.Printf("accounts: drop used challenge %s: %v", userID, err)
	}
	return nil
}

// VerifiedEmail returns the user's verified address or ErrNotVerified.
func (s *Service) VerifiedEmail(ctx context.Context, userID string) (string, error) {
	var ue UserEmail
	if err := s.DB.Load(ctx, store.ColUserEmails, userID, &ue); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrNotVerified
		}
		return "", err
	}
	if !ue.Verified {
		return "", ErrNotVerified
	}
	return ue.Email, nil
}

func validAddress(s string) bool {
	at := -1
	for i, r := range s {
		if r == '@' {
			if at >= 0 {
				return false
			}
			at = i
		}
	}
	return at > 0 && at < len(s)-1
}
