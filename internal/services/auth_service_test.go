package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/yieldvault/backend/internal/config"
	"github.com/yieldvault/backend/internal/models"
)

func setArgon2TestParams() {
	viper.Set("argon2.time", 1)
	viper.Set("argon2.memory", 64*1024)
	viper.Set("argon2.threads", 4)
	viper.Set("argon2.key_length", 32)
	viper.Set("argon2.salt_length", 16)
}

func TestPasswordHashing(t *testing.T) {
	setArgon2TestParams()

	t.Run("hash and verify roundtrip", func(t *testing.T) {
		hashed, err := hashPassword("correct horse battery staple")
		assert.NoError(t, err)
		assert.Contains(t, hashed, "$")

		assert.True(t, verifyPassword("correct horse battery staple", hashed))
		assert.False(t, verifyPassword("wrong password", hashed))
	})

	t.Run("same password hashes differently", func(t *testing.T) {
		first, err := hashPassword("password123")
		assert.NoError(t, err)
		second, err := hashPassword("password123")
		assert.NoError(t, err)

		// Different salts, both still verify.
		assert.NotEqual(t, first, second)
		assert.True(t, verifyPassword("password123", first))
		assert.True(t, verifyPassword("password123", second))
	})

	t.Run("malformed hash never verifies", func(t *testing.T) {
		assert.False(t, verifyPassword("password123", "not-a-hash"))
		assert.False(t, verifyPassword("password123", "a$b$c"))
	})
}

func TestGenerateReferralCode(t *testing.T) {
	const alphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code := generateReferralCode()
		assert.Len(t, code, 8)
		for _, ch := range code {
			assert.True(t, strings.ContainsRune(alphabet, ch), "unexpected character %q in %s", ch, code)
		}
		seen[code] = true
	}
	// 100 draws from a 32^8 space colliding would indicate a broken generator.
	assert.Greater(t, len(seen), 95)
}

func TestAuthService_Register(t *testing.T) {
	setArgon2TestParams()
	viper.Set("jwt.secret_key", "test-secret")
	viper.Set("jwt.expiry_hours", 24)
	cfg := config.LoadEngineConfig()

	registerBody := func() *strings.Reader {
		return strings.NewReader(`{"email":"user@example.com","password":"password123","firstName":"John","lastName":"Doe"}`)
	}

	t.Run("referral code collision retries with a fresh code", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewAuthService(db, nil, NewReferralService(db, NewLedgerService(db), cfg))

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO users").
			WillReturnError(&pq.Error{Code: "23505", Constraint: "users_referral_code_key"})
		mock.ExpectRollback()
		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO users").
			WithArgs(sqlmock.AnyArg(), "user@example.com", sqlmock.AnyArg(), "John", "Doe",
				models.RoleUser, sqlmock.AnyArg(), models.UserStatusActive).
			WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
		mock.ExpectCommit()

		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", registerBody())
		service.Register(w, r)

		assert.Equal(t, http.StatusOK, w.Code)

		var response AuthResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.NotEmpty(t, response.Token)
		assert.Len(t, response.User.ReferralCode, 8)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate email conflicts", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewAuthService(db, nil, NewReferralService(db, NewLedgerService(db), cfg))

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO users").
			WillReturnError(&pq.Error{Code: "23505", Constraint: "users_email_key"})
		mock.ExpectRollback()

		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", registerBody())
		service.Register(w, r)

		assert.Equal(t, http.StatusConflict, w.Code)

		var response ErrorResponse
		assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, CodeConflict, response.Code)
		assert.Equal(t, "Email Already Exists", response.Error)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGenerateJWT(t *testing.T) {
	viper.Set("jwt.secret_key", "test-secret")
	viper.Set("jwt.expiry_hours", 24)

	token, err := generateJWT("user-1", "USER")
	assert.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, 3, len(strings.Split(token, ".")))
}
