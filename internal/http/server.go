package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Lexie101/finalyearproject/internal/config"
	"github.com/Lexie101/finalyearproject/internal/crypto"
	"github.com/Lexie101/finalyearproject/internal/logger"
	"github.com/Lexie101/finalyearproject/internal/model"
	"github.com/Lexie101/finalyearproject/internal/otp"
	"github.com/Lexie101/finalyearproject/internal/ratelimit"
	"github.com/Lexie101/finalyearproject/internal/repository"
	"github.com/Lexie101/finalyearproject/internal/session"
)

const sessionCookie = "cavendish_session"

// minLoginPasswordLen is a shape check on login input, looser than the
// bcrypt bounds enforced when a password is set.
const minLoginPasswordLen = 6

// Store is the slice of the repository the HTTP layer depends on.
type Store interface {
	GetStaffByEmail(ctx context.Context, email string) (model.StaffAccount, error)
	GetStaffByEmailAndRoles(ctx context.Context, email string, roles []model.Role) (model.StaffAccount, error)
	CreateStaff(ctx context.Context, account model.StaffAccount) error
	ListStaff(ctx context.Context, limit int) ([]model.StaffAccount, error)
	DeleteStaffByEmail(ctx context.Context, email string) (bool, error)
	UpdateStaffPassword(ctx context.Context, id, passwordHash string) error
	UpdateStaff(ctx context.Context, email string, update repository.StaffUpdate) (model.StaffAccount, error)
	UpsertStudentProfile(ctx context.Context, email string) (model.StudentProfile, error)
	CompleteStudentProfile(ctx context.Context, id, email, fullName, phone string) (model.StudentProfile, error)
	InsertLocation(ctx context.Context, loc model.Location) error
	LatestLocations(ctx context.Context, limit int) ([]model.Location, error)
	CreateEmergencyAlert(ctx context.Context, alert model.EmergencyAlert) error
	ListAlertRecipients(ctx context.Context) ([]model.StaffAccount, error)
}

type Server struct {
	cfg       config.Config
	store     Store
	codec     *session.Codec
	limiter   ratelimit.Limiter
	otps      *otp.Service
	log       *logger.Logger
	mailReady bool
}

func NewServer(cfg config.Config, store Store, codec *session.Codec, limiter ratelimit.Limiter, otps *otp.Service, log *logger.Logger, mailReady bool) *Server {
	return &Server{
		cfg:       cfg,
		store:     store,
		codec:     codec,
		limiter:   limiter,
		otps:      otps,
		log:       log,
		mailReady: mailReady,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/auth/login", s.handleLogin)
	r.With(s.authMiddleware).Post("/auth/change-password", s.handleChangePassword)
	r.With(s.authMiddleware, s.requireRoles(model.RoleStudent)).Post("/auth/complete-profile", s.handleCompleteProfile)

	r.Post("/otp/send", s.handleSendOTP)
	r.Post("/otp/verify", s.handleVerifyOTP)

	r.Get("/session", s.handleSession)
	r.Post("/logout", s.handleLogout)

	r.With(s.authMiddleware, s.requireRoles(model.RoleAdmin, model.RoleSuperAdmin)).Post("/admin/manage", s.handleAdminManage)

	r.With(s.authMiddleware).Post("/location/update", s.handleLocationUpdate)
	r.With(s.authMiddleware).Get("/location/latest", s.handleLatestLocations)
	r.With(s.authMiddleware, s.requireRoles(model.RoleDriver)).Post("/emergency", s.handleEmergency)

	return r
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

type userSummary struct {
	ID    string  `json:"id,omitempty"`
	Email string  `json:"email"`
	Role  string  `json:"role"`
	Name  string  `json:"name,omitempty"`
	Phone *string `json:"phone,omitempty"`
}

type sessionResponse struct {
	Authenticated bool         `json:"authenticated"`
	User          *userSummary `json:"user,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing_credentials")
		return
	}
	// Shape checks happen before the throttle so malformed requests
	// never burn login attempts.
	if !strings.Contains(req.Email, "@") {
		writeError(w, http.StatusBadRequest, "invalid_email")
		return
	}
	if len(req.Password) < minLoginPasswordLen {
		writeError(w, http.StatusBadRequest, "invalid_password")
		return
	}

	roles, ok := loginRoles(req.Role)
	if !ok {
		writeError(w, http.StatusBadRequest, "password_login_only")
		return
	}

	if done := s.throttle(w, r, "login:"+req.Email, s.cfg.LoginWindow, s.cfg.LoginLimit); done {
		return
	}

	account, err := s.store.GetStaffByEmailAndRoles(r.Context(), req.Email, roles)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Identical response for unknown email and wrong password.
			writeError(w, http.StatusUnauthorized, "invalid_credentials")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	ok, migrate := verifyCredential(req.Password, account.PasswordHash)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}

	if migrate {
		if hash, err := crypto.HashPassword(req.Password); err == nil {
			if err := s.store.UpdateStaffPassword(r.Context(), account.ID, hash); err != nil {
				s.log.Warn("password migration failed", "email", account.Email, "error", err)
			} else {
				s.log.Info("migrated legacy password", "email", account.Email)
			}
		}
	}

	if err := s.limiter.Reset(r.Context(), "login:"+req.Email); err != nil {
		s.log.Warn("login counter reset failed", "email", req.Email, "error", err)
	}

	token, err := s.codec.Sign(session.Claims{
		Email:  account.Email,
		Role:   account.Role,
		UserID: account.ID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token_error")
		return
	}

	s.setSessionCookie(w, token)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    staffSummary(account),
	})
}

// verifyCredential checks a submitted password against the stored value,
// which is either a bcrypt hash or a legacy plaintext password. The
// second return reports that a matching plaintext credential should be
// re-stored as a hash.
func verifyCredential(password, stored string) (ok, migrate bool) {
	if crypto.IsBcryptHash(stored) {
		return crypto.CheckPassword(password, stored), false
	}
	match := subtle.ConstantTimeCompare([]byte(password), []byte(stored)) == 1
	return match, match
}

// loginRoles maps the optional role hint in a login request to the set
// of roles the lookup accepts. A super admin signing in through the
// admin form is admitted.
func loginRoles(raw string) ([]model.Role, bool) {
	if strings.TrimSpace(raw) == "" {
		return []model.Role{model.RoleDriver, model.RoleAdmin, model.RoleSuperAdmin}, true
	}
	role, ok := model.NormalizeRole(raw)
	if !ok || !role.PasswordRole() {
		return nil, false
	}
	if role == model.RoleAdmin {
		return []model.Role{model.RoleAdmin, model.RoleSuperAdmin}, true
	}
	return []model.Role{role}, true
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if !claims.Role.PasswordRole() {
		writeError(w, http.StatusForbidden, "password_login_only")
		return
	}

	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.OldPassword == "" || req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	account, err := s.store.GetStaffByEmail(r.Context(), claims.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, "invalid_session")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	if ok, _ := verifyCredential(req.OldPassword, account.PasswordHash); !ok {
		writeError(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}

	hash, err := crypto.HashPassword(req.NewPassword)
	if err != nil {
		if errors.Is(err, crypto.ErrPasswordTooShort) || errors.Is(err, crypto.ErrPasswordTooLong) {
			writeError(w, http.StatusBadRequest, "invalid_password_length")
			return
		}
		writeError(w, http.StatusInternalServerError, "password_hash_failed")
		return
	}

	if err := s.store.UpdateStaffPassword(r.Context(), account.ID, hash); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type sendOTPRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleSendOTP(w http.ResponseWriter, r *http.Request) {
	var req sendOTPRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	if s.cfg.Production() && !s.mailReady {
		writeError(w, http.StatusServiceUnavailable, "mail_not_configured")
		return
	}

	code, err := s.otps.Issue(r.Context(), req.Email)
	if err != nil {
		var rl *otp.RateLimitError
		switch {
		case errors.Is(err, otp.ErrInvalidEmail):
			writeError(w, http.StatusBadRequest, "invalid_email")
		case errors.As(err, &rl):
			w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfter))
			writeError(w, http.StatusTooManyRequests, "too_many_requests")
		default:
			s.log.Error("otp issue failed", "error", err)
			writeError(w, http.StatusInternalServerError, "server_error")
		}
		return
	}

	resp := map[string]any{"success": true, "message": "otp sent"}
	if !s.cfg.Production() {
		// Development convenience when no SMTP transport is wired up.
		resp["otp"] = code
	}
	writeJSON(w, http.StatusOK, resp)
}

type verifyOTPRequest struct {
	Email string `json:"email"`
	Code  string `json:"otp"`
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	ok, err := s.otps.Verify(r.Context(), req.Email, req.Code)
	if err != nil {
		s.log.Error("otp verify failed", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_or_expired_otp")
		return
	}

	profile, err := s.store.UpsertStudentProfile(r.Context(), otp.NormalizeEmail(req.Email))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	token, err := s.codec.Sign(session.Claims{
		Email:  profile.Email,
		Role:   model.RoleStudent,
		UserID: profile.ID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token_error")
		return
	}

	s.setSessionCookie(w, token)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user": userSummary{
			ID:    profile.ID,
			Email: profile.Email,
			Role:  string(model.RoleStudent),
		},
	})
}

type completeProfileRequest struct {
	FullName string `json:"fullName"`
	Phone    string `json:"phone"`
}

// handleCompleteProfile fills in the student details an OTP signup
// cannot collect. The target row is pinned to the session identity.
func (s *Server) handleCompleteProfile(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims.UserID == "" {
		writeError(w, http.StatusUnauthorized, "invalid_session")
		return
	}

	var req completeProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.FullName = strings.TrimSpace(req.FullName)
	req.Phone = strings.TrimSpace(req.Phone)
	if req.FullName == "" || req.Phone == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	profile, err := s.store.CompleteStudentProfile(r.Context(), claims.UserID, claims.Email, req.FullName, req.Phone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "profile_not_found")
			return
		}
		s.log.Error("complete profile failed", "email", claims.Email, "error", err)
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	summary := userSummary{
		ID:    profile.ID,
		Email: profile.Email,
		Role:  string(profile.Role),
		Phone: profile.Phone,
	}
	if profile.FullName != nil {
		summary.Name = *profile.FullName
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "profile completed",
		"user":    summary,
	})
}

// handleSession reports the current authentication state. It always
// answers 200 so the frontend can poll it without error handling; an
// absent or invalid cookie is simply an unauthenticated response.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")

	claims := s.cookieClaims(r)
	if claims == nil {
		writeJSON(w, http.StatusOK, sessionResponse{Authenticated: false})
		return
	}

	role, ok := model.NormalizeRole(string(claims.Role))
	if !ok {
		writeJSON(w, http.StatusOK, sessionResponse{Authenticated: false})
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		Authenticated: true,
		User: &userSummary{
			ID:    claims.UserID,
			Email: claims.Email,
			Role:  string(role),
		},
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	s.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type adminManageRequest struct {
	Action   string  `json:"action"`
	Email    string  `json:"email,omitempty"`
	Password string  `json:"password,omitempty"`
	Name     string  `json:"name,omitempty"`
	Phone    *string `json:"phone,omitempty"`
	Role     string  `json:"role,omitempty"`
}

func (s *Server) handleAdminManage(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req adminManageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))

	switch strings.TrimSpace(strings.ToLower(req.Action)) {
	case "create":
		s.adminCreate(w, r, claims, req)
	case "list":
		s.adminList(w, r)
	case "update":
		s.adminUpdate(w, r, claims, req)
	case "delete":
		s.adminDelete(w, r, claims, req)
	default:
		writeError(w, http.StatusBadRequest, "invalid_action")
	}
}

func (s *Server) adminCreate(w http.ResponseWriter, r *http.Request, claims *session.Claims, req adminManageRequest) {
	if req.Email == "" || req.Password == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}

	role := model.RoleDriver
	if req.Role != "" {
		parsed, ok := model.NormalizeRole(req.Role)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_role")
			return
		}
		role = parsed
	}
	if !creatableRole(claims.Role, role) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	if _, err := s.store.GetStaffByEmail(r.Context(), req.Email); err == nil {
		writeError(w, http.StatusBadRequest, "email_exists")
		return
	} else if !errors.Is(err, pgx.ErrNoRows) {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	hash, err := crypto.HashPassword(req.Password)
	if err != nil {
		if errors.Is(err, crypto.ErrPasswordTooShort) || errors.Is(err, crypto.ErrPasswordTooLong) {
			writeError(w, http.StatusBadRequest, "invalid_password_length")
			return
		}
		writeError(w, http.StatusInternalServerError, "password_hash_failed")
		return
	}

	now := time.Now().UTC()
	account := model.StaffAccount{
		ID:           uuid.NewString(),
		Email:        req.Email,
		PasswordHash: hash,
		Role:         role,
		Name:         req.Name,
		Phone:        req.Phone,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateStaff(r.Context(), account); err != nil {
		writeError(w, http.StatusBadRequest, "create_failed")
		return
	}

	writeJSON(w, http.StatusCreated, staffSummary(account))
}

// creatableRole limits what an actor can provision: admins manage the
// driver roster, super admins additionally provision admins. Nobody
// creates super admins through the API.
func creatableRole(actor, target model.Role) bool {
	switch target {
	case model.RoleDriver:
		return true
	case model.RoleAdmin:
		return actor == model.RoleSuperAdmin
	default:
		return false
	}
}

func (s *Server) adminList(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListStaff(r.Context(), 200)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	summaries := make([]userSummary, 0, len(accounts))
	for _, account := range accounts {
		summaries = append(summaries, staffSummary(account))
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) adminUpdate(w http.ResponseWriter, r *http.Request, claims *session.Claims, req adminManageRequest) {
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "missing_email")
		return
	}

	target, err := s.store.GetStaffByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if !manageableAccount(claims, target) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	update := repository.StaffUpdate{}
	if name := strings.TrimSpace(req.Name); name != "" {
		update.Name = &name
	}
	if req.Phone != nil {
		phone := strings.TrimSpace(*req.Phone)
		update.Phone = &phone
	}
	if req.Password != "" {
		hash, err := crypto.HashPassword(req.Password)
		if err != nil {
			if errors.Is(err, crypto.ErrPasswordTooShort) || errors.Is(err, crypto.ErrPasswordTooLong) {
				writeError(w, http.StatusBadRequest, "invalid_password_length")
				return
			}
			writeError(w, http.StatusInternalServerError, "password_hash_failed")
			return
		}
		update.PasswordHash = &hash
	}

	account, err := s.store.UpdateStaff(r.Context(), req.Email, update)
	if err != nil {
		writeError(w, http.StatusBadRequest, "update_failed")
		return
	}

	writeJSON(w, http.StatusOK, staffSummary(account))
}

func (s *Server) adminDelete(w http.ResponseWriter, r *http.Request, claims *session.Claims, req adminManageRequest) {
	if req.Email == "" {
		writeError(w, http.StatusBadRequest, "missing_email")
		return
	}
	if req.Email == strings.ToLower(claims.Email) {
		writeError(w, http.StatusBadRequest, "cannot_delete_self")
		return
	}

	target, err := s.store.GetStaffByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if !manageableAccount(claims, target) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	deleted, err := s.store.DeleteStaffByEmail(r.Context(), req.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// manageableAccount reports whether the actor may modify or delete the
// target. Admins only touch drivers; super admins touch everything below
// their own rank.
func manageableAccount(claims *session.Claims, target model.StaffAccount) bool {
	switch claims.Role {
	case model.RoleSuperAdmin:
		return target.Role != model.RoleSuperAdmin
	case model.RoleAdmin:
		return target.Role == model.RoleDriver
	default:
		return false
	}
}

type locationUpdateRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Speed     float64 `json:"speed,omitempty"`
	Heading   float64 `json:"heading,omitempty"`
	BusID     *string `json:"busId,omitempty"`
}

type locationResponse struct {
	ID        string  `json:"id"`
	UserID    string  `json:"userId"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Speed     float64 `json:"speed"`
	Heading   float64 `json:"heading"`
	BusID     *string `json:"busId,omitempty"`
	CreatedAt string  `json:"createdAt"`
}

func (s *Server) handleLocationUpdate(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req locationUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.Latitude < -90 || req.Latitude > 90 || req.Longitude < -180 || req.Longitude > 180 {
		writeError(w, http.StatusBadRequest, "invalid_coordinates")
		return
	}

	if done := s.throttle(w, r, "loc:"+sessionIdentity(claims), s.cfg.LocationWindow, s.cfg.LocationLimit); done {
		return
	}

	loc := model.Location{
		ID:        uuid.NewString(),
		UserID:    sessionIdentity(claims),
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Speed:     req.Speed,
		Heading:   req.Heading,
		BusID:     req.BusID,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertLocation(r.Context(), loc); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLatestLocations(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	locations, err := s.store.LatestLocations(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	resp := make([]locationResponse, 0, len(locations))
	for _, loc := range locations {
		resp = append(resp, locationResponse{
			ID:        loc.ID,
			UserID:    loc.UserID,
			Latitude:  loc.Latitude,
			Longitude: loc.Longitude,
			Speed:     loc.Speed,
			Heading:   loc.Heading,
			BusID:     loc.BusID,
			CreatedAt: loc.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type emergencyRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	BusID     string  `json:"busId,omitempty"`
}

func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req emergencyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	driverName := ""
	if account, err := s.store.GetStaffByEmail(r.Context(), claims.Email); err == nil {
		driverName = account.Name
	}

	alert := model.EmergencyAlert{
		ID:          uuid.NewString(),
		DriverID:    sessionIdentity(claims),
		DriverEmail: claims.Email,
		DriverName:  driverName,
		BusID:       req.BusID,
		Latitude:    req.Latitude,
		Longitude:   req.Longitude,
		Status:      "active",
		CreatedAt:   time.Now().UTC(),
	}

	// The alert must go out even when the audit row cannot be written.
	if err := s.store.CreateEmergencyAlert(r.Context(), alert); err != nil {
		s.log.Error("emergency alert not persisted", "driver", claims.Email, "error", err)
	}

	recipients, err := s.store.ListAlertRecipients(r.Context())
	if err != nil {
		s.log.Error("emergency recipient lookup failed", "error", err)
	}
	for _, admin := range recipients {
		s.log.Warn("emergency alert",
			"driver", claims.Email,
			"bus", req.BusID,
			"lat", req.Latitude,
			"lng", req.Longitude,
			"notify", admin.Email,
		)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "alert_sent",
		"notified": len(recipients),
	})
}

// throttle counts one attempt against the key and writes the 429 when
// the caller is over the limit. A limiter backend failure lets the
// request through; availability of logins outranks strict counting.
func (s *Server) throttle(w http.ResponseWriter, r *http.Request, key string, window time.Duration, limit int) bool {
	res, err := s.limiter.Check(r.Context(), key, window, limit)
	if err != nil {
		s.log.Warn("rate limit check failed", "key", key, "error", err)
		return false
	}
	if res.Allowed {
		return false
	}
	w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfter(time.Now())))
	writeError(w, http.StatusTooManyRequests, "too_many_attempts")
	return true
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := s.cookieClaims(r)
		if claims == nil {
			writeError(w, http.StatusUnauthorized, "missing_session")
			return
		}
		role, ok := model.NormalizeRole(string(claims.Role))
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid_session")
			return
		}
		claims.Role = role

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireRoles(roles ...model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := claimsFromContext(r.Context())
			if claims == nil {
				writeError(w, http.StatusUnauthorized, "missing_session")
				return
			}
			for _, role := range roles {
				if claims.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "forbidden")
		})
	}
}

func (s *Server) cookieClaims(r *http.Request) *session.Claims {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return nil
	}
	return s.codec.Verify(cookie.Value)
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.cfg.SessionMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.Production(),
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.Production(),
		SameSite: http.SameSiteLaxMode,
	})
}

type claimsKey struct{}

func claimsFromContext(ctx context.Context) *session.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*session.Claims)
	return claims
}

// sessionIdentity picks the stable identifier for per-user limits and
// ownership rows. Accounts that predate profile rows fall back to email.
func sessionIdentity(claims *session.Claims) string {
	if claims.UserID != "" {
		return claims.UserID
	}
	return claims.Email
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func staffSummary(account model.StaffAccount) userSummary {
	return userSummary{
		ID:    account.ID,
		Email: account.Email,
		Role:  string(account.Role),
		Name:  account.Name,
		Phone: account.Phone,
	}
}
