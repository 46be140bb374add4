package services

import (
	"context"
	cryptorand "crypto/rand"
	"database/sql"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/spf13/viper"
	"github.com/yieldvault/backend/internal/models"
	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
)

const maxFailedLogins = 5

type AuthService struct {
	db        *sql.DB
	redis     *redis.Client
	referrals *ReferralService
	validator *validator.Validate
}

// RegisterRequest represents the registration request payload
// @Description Registration request structure
type RegisterRequest struct {
	Email        string `json:"email" validate:"required,email" example:"user@example.com"`
	Password     string `json:"password" validate:"required,min=8" example:"password123"`
	FirstName    string `json:"firstName" validate:"required,min=2" example:"John"`
	LastName     string `json:"lastName" validate:"required,min=2" example:"Doe"`
	ReferralCode string `json:"referralCode,omitempty" example:"7KQX2M4P"` // optional inviter code
}

// LoginRequest represents the login request payload
// @Description Login request structure
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email" example:"user@example.com"`
	Password string `json:"password" validate:"required,min=8" example:"password123"`
}

// AuthResponse represents the authentication response
// @Description Authentication response structure
type AuthResponse struct {
	Token string      `json:"token" example:"eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9..."`
	User  models.User `json:"user"`
}

func NewAuthService(db *sql.DB, redisClient *redis.Client, referrals *ReferralService) *AuthService {
	return &AuthService{
		db:        db,
		redis:     redisClient,
		referrals: referrals,
		validator: validator.New(),
	}
}

// Register handles user registration
// @Summary Register a new user
// @Description Register with email and password; a referral code links the inviter
// @Tags auth
// @Accept json
// @Produce json
// @Param request body RegisterRequest true "Registration request"
// @Success 200 {object} AuthResponse "Registration successful"
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse "Email already exists"
// @Router /auth/register [post]
func (s *AuthService) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !DecodeJSONBody(w, r, &req) {
		return
	}

	if err := s.validator.Struct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	hashedPassword, err := hashPassword(req.Password)
	if err != nil {
		zap.L().Error("password hashing failed", zap.Error(err))
		SendErrorResponseCode(w, "An Internal Error Occurred", CodeInternal, http.StatusInternalServerError, nil)
		return
	}

	user := models.User{
		ID:           uuid.NewString(),
		Email:        strings.ToLower(req.Email),
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Role:         models.RoleUser,
		ReferralCode: generateReferralCode(),
		Status:       models.UserStatusActive,
	}

	var createErr error
	for attempt := 0; attempt < 3; attempt++ {
		createErr = s.createUser(&user, hashedPassword, req.ReferralCode)
		if pqErr, ok := createErr.(*pq.Error); ok && pqErr.Code == "23505" && pqErr.Constraint == "users_referral_code_key" {
			// The random code collided with an existing user; draw another.
			user.ReferralCode = generateReferralCode()
			continue
		}
		break
	}
	if createErr != nil {
		if pqErr, ok := createErr.(*pq.Error); ok && pqErr.Code == "23505" && pqErr.Constraint != "users_referral_code_key" {
			SendErrorResponseCode(w, "Email Already Exists", CodeConflict, http.StatusConflict, nil)
			return
		}
		zap.L().Error("user creation failed", zap.Error(createErr))
		SendErrorResponseCode(w, "Failed to create user", CodeInternal, http.StatusInternalServerError, nil)
		return
	}

	token, err := generateJWT(user.ID, user.Role)
	if err != nil {
		zap.L().Error("jwt generation failed", zap.String("user_id", user.ID), zap.Error(err))
		SendErrorResponseCode(w, "Failed to generate token", CodeInternal, http.StatusInternalServerError, nil)
		return
	}

	zap.L().Info("user registered", zap.String("user_id", user.ID), zap.String("email", user.Email))
	WriteJSON(w, http.StatusOK, AuthResponse{Token: token, User: user})
}

// Login handles user authentication
// @Summary Login user
// @Description Authenticate with email and password
// @Tags auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Login request"
// @Success 200 {object} AuthResponse "Login successful"
// @Failure 401 {object} ErrorResponse "Invalid credentials"
// @Router /auth/login [post]
func (s *AuthService) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !DecodeJSONBody(w, r, &req) {
		return
	}

	if err := s.validator.Struct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	var user models.User
	var hashedPassword string
	var lockedUntil sql.NullTime
	err := s.db.QueryRow(`
		SELECT id, email, first_name, last_name, role, referral_code, COALESCE(wallet_address, ''),
		       status, password, failed_login_attempts, locked_until, created_at
		FROM users WHERE email = $1`, strings.ToLower(req.Email)).
		Scan(&user.ID, &user.Email, &user.FirstName, &user.LastName, &user.Role,
			&user.ReferralCode, &user.WalletAddress, &user.Status, &hashedPassword,
			&user.FailedLoginAttempts, &lockedUntil, &user.CreatedAt)
	if err != nil {
		SendErrorResponseCode(w, "Invalid credentials", CodeValidation, http.StatusUnauthorized, nil)
		return
	}

	if lockedUntil.Valid && time.Now().Before(lockedUntil.Time) {
		SendErrorResponseCode(w, "Account temporarily locked", CodeConflict, http.StatusUnauthorized, nil)
		return
	}
	if user.Status != models.UserStatusActive {
		SendErrorResponseCode(w, "Account suspended", CodeConflict, http.StatusUnauthorized, nil)
		return
	}

	if !verifyPassword(req.Password, hashedPassword) {
		s.recordFailedLogin(&user)
		SendErrorResponseCode(w, "Invalid credentials", CodeValidation, http.StatusUnauthorized, nil)
		return
	}

	_, err = s.db.Exec(`
		UPDATE users SET failed_login_attempts = 0, locked_until = NULL, last_login = NOW() WHERE id = $1`,
		user.ID)
	if err != nil {
		zap.L().Warn("failed to reset login counters", zap.String("user_id", user.ID), zap.Error(err))
	}

	token, err := generateJWT(user.ID, user.Role)
	if err != nil {
		zap.L().Error("jwt generation failed", zap.String("user_id", user.ID), zap.Error(err))
		SendErrorResponseCode(w, "Failed to generate token", CodeInternal, http.StatusInternalServerError, nil)
		return
	}

	zap.L().Info("login successful", zap.String("user_id", user.ID))
	WriteJSON(w, http.StatusOK, AuthResponse{Token: token, User: user})
}

// createUser inserts the user row and the optional referral relationship in
// one transaction. The raw driver error is returned so the caller can see
// which unique constraint fired.
func (s *AuthService) createUser(user *models.User, hashedPassword, referralCode string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.QueryRow(`
		INSERT INTO users (id, email, password, first_name, last_name, role, referral_code, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING created_at`,
		user.ID, user.Email, hashedPassword, user.FirstName, user.LastName,
		user.Role, user.ReferralCode, user.Status).Scan(&user.CreatedAt)
	if err != nil {
		return err
	}

	// Optional; an unknown code registers the user with no referrer.
	if err := s.referrals.AttachReferrerTx(tx, user.ID, referralCode); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *AuthService) recordFailedLogin(user *models.User) {
	attempts := user.FailedLoginAttempts + 1
	if attempts >= maxFailedLogins {
		if _, err := s.db.Exec(`
			UPDATE users SET failed_login_attempts = $1, locked_until = NOW() + INTERVAL '15 minutes' WHERE id = $2`,
			attempts, user.ID); err != nil {
			zap.L().Warn("failed to lock account", zap.String("user_id", user.ID), zap.Error(err))
		}
		zap.L().Warn("account locked after failed logins", zap.String("user_id", user.ID))
		return
	}
	if _, err := s.db.Exec(`UPDATE users SET failed_login_attempts = $1 WHERE id = $2`,
		attempts, user.ID); err != nil {
		zap.L().Warn("failed to record login attempt", zap.String("user_id", user.ID), zap.Error(err))
	}
}

// Logout handles user logout
// @Summary Logout user
// @Description Logout and blacklist the bearer token
// @Tags auth
// @Produce json
// @Success 200 {object} map[string]string "Logout successful"
// @Router /auth/logout [post]
func (s *AuthService) Logout(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("Authorization")
	if token != "" && len(token) > 7 {
		token = token[7:] // Remove "Bearer " prefix

		if s.redis != nil {
			ctx := context.Background()
			key := fmt.Sprintf("blacklist:%s", token)
			// Blacklist token until its expiration
			expiry := time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour
			if err := s.redis.Set(ctx, key, "1", expiry).Err(); err != nil {
				zap.L().Warn("failed to blacklist token", zap.Error(err))
			}
		}
	}

	WriteJSON(w, http.StatusOK, map[string]string{"message": "Logout successful"})
}

// GetUserAccount retrieves user account details from auth token
// @Summary Get user account details
// @Tags auth
// @Produce json
// @Success 200 {object} models.User "User account details"
// @Failure 401 {object} ErrorResponse
// @Router /auth/account [get]
func (s *AuthService) GetUserAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var user models.User
	err := s.db.QueryRow(`
		SELECT id, email, first_name, last_name, role, referral_code, COALESCE(wallet_address, ''),
		       status, last_login, created_at, updated_at
		FROM users WHERE id = $1`, userID).
		Scan(&user.ID, &user.Email, &user.FirstName, &user.LastName, &user.Role,
			&user.ReferralCode, &user.WalletAddress, &user.Status, &user.LastLogin,
			&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			SendEngineError(w, ErrNotFound)
		} else {
			zap.L().Error("failed to fetch user", zap.String("user_id", userID), zap.Error(err))
			SendEngineError(w, err)
		}
		return
	}

	WriteJSON(w, http.StatusOK, user)
}

// UpdateWalletRequest carries the new payout wallet address
type UpdateWalletRequest struct {
	WalletAddress string `json:"walletAddress" validate:"required,alphanum,min=20,max=128"`
}

// UpdateWallet sets the caller's payout wallet address
// @Summary Update payout wallet
// @Description Set the wallet address withdrawals default to
// @Tags auth
// @Accept json
// @Produce json
// @Param request body UpdateWalletRequest true "Wallet update request"
// @Success 200 {object} map[string]string
// @Router /account/wallet [put]
func (s *AuthService) UpdateWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromRequest(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req UpdateWalletRequest
	if !DecodeJSONBody(w, r, &req) {
		return
	}
	if err := s.validator.Struct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	res, err := s.db.Exec(`UPDATE users SET wallet_address = $1, updated_at = NOW() WHERE id = $2`,
		req.WalletAddress, userID)
	if err != nil {
		zap.L().Error("wallet update failed", zap.String("user_id", userID), zap.Error(err))
		SendEngineError(w, err)
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		SendEngineError(w, ErrNotFound)
		return
	}

	zap.L().Info("payout wallet updated", zap.String("user_id", userID))
	WriteJSON(w, http.StatusOK, map[string]string{"message": "Wallet updated"})
}

func generateJWT(userID, role string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"role":    role,
		"exp":     time.Now().Add(time.Duration(viper.GetInt("jwt.expiry_hours")) * time.Hour).Unix(),
	})

	return token.SignedString([]byte(viper.GetString("jwt.secret_key")))
}

func hashPassword(password string) (string, error) {
	salt := make([]byte, viper.GetInt("argon2.salt_length"))
	if _, err := cryptorand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return fmt.Sprintf("%s$%s", base64.StdEncoding.EncodeToString(salt), base64.StdEncoding.EncodeToString(hash)), nil
}

func verifyPassword(password, hashedPassword string) bool {
	parts := strings.Split(hashedPassword, "$")
	if len(parts) != 2 {
		return false
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}

	hash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}

	computedHash := argon2.IDKey([]byte(password), salt,
		uint32(viper.GetInt("argon2.time")),
		uint32(viper.GetInt("argon2.memory")),
		uint8(viper.GetInt("argon2.threads")),
		uint32(viper.GetInt("argon2.key_length")))
	return string(hash) == string(computedHash)
}

// generateReferralCode issues the user's invite code. The alphabet skips
// 0/O/1/I so codes survive being read aloud.
func generateReferralCode() string {
	const alphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"
	b := make([]byte, 8)
	cryptorand.Read(b)
	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return string(b)
}
