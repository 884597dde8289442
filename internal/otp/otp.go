// Package otp issues and verifies the one-time passcodes students log in
// with. Codes are persisted with an expiry, delivered by email on a best
// effort basis, and consumed exactly once.
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Lexie101/finalyearproject/internal/logger"
	"github.com/Lexie101/finalyearproject/internal/mail"
	"github.com/Lexie101/finalyearproject/internal/model"
	"github.com/Lexie101/finalyearproject/internal/ratelimit"
)

// studentEmailPattern matches institutional student addresses: a local
// part of 2-3 letters followed by 6 or 8 digits, on the fixed domain.
var studentEmailPattern = regexp.MustCompile(`^[A-Za-z]{2,3}\d{6}(\d{2})?@students\.cavendish\.co\.zm$`)

// ErrInvalidEmail rejects addresses outside the institutional pattern.
var ErrInvalidEmail = errors.New("email does not match the student address format")

// RateLimitError reports how long a throttled caller has to wait.
type RateLimitError struct {
	RetryAfter int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many requests, retry in %ds", e.RetryAfter)
}

// Store is the slice of the repository the OTP service needs.
type Store interface {
	CreateOTP(ctx context.Context, otp model.OTP) error
	LatestUnusedOTP(ctx context.Context, email string) (model.OTP, error)
	MarkOTPUsed(ctx context.Context, id string) (bool, error)
}

// Service issues and verifies codes.
type Service struct {
	store   Store
	limiter ratelimit.Limiter
	sender  mail.Sender
	log     *logger.Logger

	expiry      time.Duration
	issueLimit  int
	issueWindow time.Duration
	mailTimeout time.Duration

	now func() time.Time
}

func NewService(store Store, limiter ratelimit.Limiter, sender mail.Sender, log *logger.Logger, expiry time.Duration, issueLimit int, issueWindow, mailTimeout time.Duration) *Service {
	return &Service{
		store:       store,
		limiter:     limiter,
		sender:      sender,
		log:         log,
		expiry:      expiry,
		issueLimit:  issueLimit,
		issueWindow: issueWindow,
		mailTimeout: mailTimeout,
		now:         time.Now,
	}
}

// NormalizeEmail lowercases and trims an address the way every OTP lookup
// expects it.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidEmail reports whether the address matches the institutional
// student pattern.
func ValidEmail(email string) bool {
	return studentEmailPattern.MatchString(strings.TrimSpace(email))
}

// Issue validates the address, applies the per-email issue limit,
// generates and persists a fresh code, and queues delivery. The code stays
// valid even when the email never arrives; delivery failures are logged
// and do not fail issuance.
func (s *Service) Issue(ctx context.Context, email string) (string, error) {
	email = NormalizeEmail(email)
	if !ValidEmail(email) {
		return "", ErrInvalidEmail
	}

	res, err := s.limiter.Check(ctx, "otp:"+email, s.issueWindow, s.issueLimit)
	if err != nil {
		return "", err
	}
	if !res.Allowed {
		return "", &RateLimitError{RetryAfter: res.RetryAfter(s.now())}
	}

	code, err := generateCode()
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}

	now := s.now().UTC()
	record := model.OTP{
		ID:        uuid.NewString(),
		Email:     email,
		Code:      code,
		ExpiresAt: now.Add(s.expiry),
		Used:      false,
		CreatedAt: now,
	}
	if err := s.store.CreateOTP(ctx, record); err != nil {
		return "", fmt.Errorf("persist otp: %w", err)
	}

	// Queue delivery after the transactional work. The request never
	// waits on the mail transport.
	if s.sender != nil {
		go s.deliver(email, code)
	}

	return code, nil
}

// Verify checks a submitted code against the live challenge for the
// email. Expired challenges are consumed on detection; a wrong code leaves
// the challenge live so the student can retry within the window. A match
// consumes the challenge, and only the caller that performs the flip gets
// true.
func (s *Service) Verify(ctx context.Context, email, code string) (bool, error) {
	email = NormalizeEmail(email)
	code = strings.TrimSpace(code)
	if email == "" || code == "" {
		return false, nil
	}

	record, err := s.store.LatestUnusedOTP(ctx, email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}

	if record.Expired(s.now()) {
		if _, err := s.store.MarkOTPUsed(ctx, record.ID); err != nil {
			return false, err
		}
		return false, nil
	}

	// Plain equality: codes are short-lived, rate limited and single
	// use, so the comparison is not a timing target.
	if record.Code != code {
		return false, nil
	}

	flipped, err := s.store.MarkOTPUsed(ctx, record.ID)
	if err != nil {
		return false, err
	}
	return flipped, nil
}

func (s *Service) deliver(email, code string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.mailTimeout)
	defer cancel()

	body := fmt.Sprintf("Your Cavendish bus tracker login code is %s.\r\nIt expires in %d minutes. If you did not request it, ignore this email.", code, int(s.expiry.Minutes()))
	if err := s.sender.Send(ctx, email, "Your login code", body); err != nil {
		s.log.Warn("otp email delivery failed", "email", email, "error", err)
		return
	}
	s.log.Info("otp email sent", "email", email)
}

func generateCode() (string, error) {
	// 100000..999999 inclusive; the range excludes leading zeros so no
	// padding is needed.
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", n.Int64()+100000), nil
}
