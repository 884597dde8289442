package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Lexie101/finalyearproject/internal/model"
)

func newID() string {
	return uuid.NewString()
}

// Store is the single source of truth for credential, OTP, location and
// alert state. All atomicity requirements (OTP single-use, counter
// resets) synchronize through it.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// StaffUpdate carries the optional fields of an admin-surface profile
// edit. Nil fields are left untouched.
type StaffUpdate struct {
	Name         *string
	Phone        *string
	PasswordHash *string
}

func (s *Store) GetStaffByEmail(ctx context.Context, email string) (model.StaffAccount, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, password_hash, role, name, phone, created_at, updated_at
		FROM admins
		WHERE LOWER(email) = LOWER($1)
	`, email)
	return scanStaff(row)
}

// GetStaffByEmailAndRoles looks up a password identity scoped to the roles
// an endpoint accepts. Role mismatch surfaces as pgx.ErrNoRows so callers
// cannot distinguish it from an unknown account.
func (s *Store) GetStaffByEmailAndRoles(ctx context.Context, email string, roles []model.Role) (model.StaffAccount, error) {
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, string(role))
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, password_hash, role, name, phone, created_at, updated_at
		FROM admins
		WHERE LOWER(email) = LOWER($1) AND role = ANY($2)
	`, email, names)
	return scanStaff(row)
}

func (s *Store) CreateStaff(ctx context.Context, account model.StaffAccount) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO admins (id, email, password_hash, role, name, phone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, account.ID, account.Email, account.PasswordHash, string(account.Role), account.Name, account.Phone, account.CreatedAt, account.UpdatedAt)
	return err
}

func (s *Store) ListStaff(ctx context.Context, limit int) ([]model.StaffAccount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, email, password_hash, role, name, phone, created_at, updated_at
		FROM admins
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.StaffAccount
	for rows.Next() {
		account, err := scanStaff(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func (s *Store) DeleteStaffByEmail(ctx context.Context, email string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM admins WHERE LOWER(email) = LOWER($1)`, email)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateStaffPassword persists a migrated or changed password hash.
func (s *Store) UpdateStaffPassword(ctx context.Context, id, passwordHash string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE admins SET password_hash = $1, updated_at = $2 WHERE id = $3
	`, passwordHash, time.Now().UTC(), id)
	return err
}

func (s *Store) UpdateStaff(ctx context.Context, email string, update StaffUpdate) (model.StaffAccount, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE admins
		SET name = COALESCE($2, name),
		    phone = COALESCE($3, phone),
		    password_hash = COALESCE($4, password_hash),
		    updated_at = $5
		WHERE LOWER(email) = LOWER($1)
		RETURNING id, email, password_hash, role, name, phone, created_at, updated_at
	`, email, update.Name, update.Phone, update.PasswordHash, time.Now().UTC())
	return scanStaff(row)
}

func (s *Store) CreateOTP(ctx context.Context, otp model.OTP) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO otps (id, email, code, expires_at, used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, otp.ID, otp.Email, otp.Code, otp.ExpiresAt, otp.Used, otp.CreatedAt)
	return err
}

// LatestUnusedOTP returns the live challenge for an email: the most
// recently created row that has not been consumed. Superseded rows stay
// in the table for audit but are never returned here.
func (s *Store) LatestUnusedOTP(ctx context.Context, email string) (model.OTP, error) {
	var otp model.OTP
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, code, expires_at, used, created_at
		FROM otps
		WHERE LOWER(email) = LOWER($1) AND used = false
		ORDER BY created_at DESC
		LIMIT 1
	`, email)
	err := row.Scan(&otp.ID, &otp.Email, &otp.Code, &otp.ExpiresAt, &otp.Used, &otp.CreatedAt)
	return otp, err
}

// MarkOTPUsed flips a challenge to consumed, conditioned on it still being
// unconsumed. The returned bool reports whether THIS call won the flip;
// concurrent verifications of the same code see false and fail.
func (s *Store) MarkOTPUsed(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE otps SET used = true WHERE id = $1 AND used = false
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// UpsertStudentProfile is the idempotent get-or-create used after a
// successful OTP verification.
func (s *Store) UpsertStudentProfile(ctx context.Context, email string) (model.StudentProfile, error) {
	var profile model.StudentProfile
	var role string
	row := s.pool.QueryRow(ctx, `
		INSERT INTO profiles (id, email, role, is_verified, created_at)
		VALUES ($1, LOWER($2), 'student', true, $3)
		ON CONFLICT (email) DO UPDATE SET is_verified = true
		RETURNING id, email, role, full_name, phone, is_verified, created_at
	`, newID(), email, time.Now().UTC())
	err := row.Scan(&profile.ID, &profile.Email, &role, &profile.FullName, &profile.Phone, &profile.IsVerified, &profile.CreatedAt)
	if err != nil {
		return model.StudentProfile{}, err
	}
	profile.Role, _ = model.NormalizeRole(role)
	return profile, nil
}

// CompleteStudentProfile fills in the name and phone a bare OTP signup
// leaves empty. The id+email match ties the write to the session that
// requested it; pgx.ErrNoRows means no such student profile exists.
func (s *Store) CompleteStudentProfile(ctx context.Context, id, email, fullName, phone string) (model.StudentProfile, error) {
	var profile model.StudentProfile
	var role string
	row := s.pool.QueryRow(ctx, `
		UPDATE profiles
		SET full_name = $3, phone = $4, is_verified = true
		WHERE id = $1 AND email = LOWER($2) AND role = 'student'
		RETURNING id, email, role, full_name, phone, is_verified, created_at
	`, id, email, fullName, phone)
	err := row.Scan(&profile.ID, &profile.Email, &role, &profile.FullName, &profile.Phone, &profile.IsVerified, &profile.CreatedAt)
	if err != nil {
		return model.StudentProfile{}, err
	}
	profile.Role, _ = model.NormalizeRole(role)
	return profile, nil
}

func (s *Store) InsertLocation(ctx context.Context, loc model.Location) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO locations (id, user_id, lat, lng, speed, heading, bus_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, loc.ID, loc.UserID, loc.Latitude, loc.Longitude, loc.Speed, loc.Heading, loc.BusID, loc.CreatedAt)
	return err
}

func (s *Store) LatestLocations(ctx context.Context, limit int) ([]model.Location, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, lat, lng, speed, heading, bus_id, created_at
		FROM locations
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locations []model.Location
	for rows.Next() {
		var loc model.Location
		if err := rows.Scan(&loc.ID, &loc.UserID, &loc.Latitude, &loc.Longitude, &loc.Speed, &loc.Heading, &loc.BusID, &loc.CreatedAt); err != nil {
			return nil, err
		}
		locations = append(locations, loc)
	}
	return locations, rows.Err()
}

func (s *Store) CreateEmergencyAlert(ctx context.Context, alert model.EmergencyAlert) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO emergency_alerts (id, driver_id, driver_email, driver_name, bus_id, lat, lng, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, alert.ID, alert.DriverID, alert.DriverEmail, alert.DriverName, alert.BusID, alert.Latitude, alert.Longitude, alert.Status, alert.CreatedAt)
	return err
}

// ListAlertRecipients returns the admin accounts an emergency should be
// routed to.
func (s *Store) ListAlertRecipients(ctx context.Context) ([]model.StaffAccount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, email, password_hash, role, name, phone, created_at, updated_at
		FROM admins
		WHERE role IN ('admin', 'super_admin')
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var admins []model.StaffAccount
	for rows.Next() {
		account, err := scanStaff(rows)
		if err != nil {
			return nil, err
		}
		admins = append(admins, account)
	}
	return admins, rows.Err()
}

func scanStaff(row pgx.Row) (model.StaffAccount, error) {
	var account model.StaffAccount
	var role string
	err := row.Scan(
		&account.ID,
		&account.Email,
		&account.PasswordHash,
		&role,
		&account.Name,
		&account.Phone,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return model.StaffAccount{}, err
	}
	account.Role, _ = model.NormalizeRole(role)
	return account, nil
}
