package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"image/png"

	"github.com/skip2/go-qrcode"
	"github.com/yieldvault/backend/internal/config"
)

// QRService renders a user's referral invite link as a QR image for the
// mobile app's share sheet.
type QRService struct {
	db  *sql.DB
	cfg *config.EngineConfig
}

func NewQRService(db *sql.DB, cfg *config.EngineConfig) *QRService {
	return &QRService{db: db, cfg: cfg}
}

// GenerateInviteQR returns the invite link plus a base64 PNG QR of it.
func (s *QRService) GenerateInviteQR(ctx context.Context, userID string) (string, string, error) {
	var code string
	err := s.db.QueryRowContext(ctx,
		`SELECT referral_code FROM users WHERE id = $1`, userID).Scan(&code)
	if err == sql.ErrNoRows {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", err
	}

	inviteURL := fmt.Sprintf("%s?ref=%s", s.cfg.InviteBaseURL, code)

	qr, err := qrcode.New(inviteURL, qrcode.Medium)
	if err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", "", err
	}

	return inviteURL, base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
