package handlers

import (
	"net/http"

	"github.com/yieldvault/backend/internal/services"
	"go.uber.org/zap"
)

type QRHandler struct {
	service *services.QRService
}

func NewQRHandler(service *services.QRService) *QRHandler {
	return &QRHandler{service: service}
}

// InviteQR returns the caller's referral invite link as a QR image
// @Summary Referral invite QR
// @Description QR code encoding the caller's referral invite link
// @Tags referrals
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{inviteUrl=string,qrImage=string}
// @Failure 401 {object} services.ErrorResponse
// @Router /referrals/qr [get]
func (h *QRHandler) InviteQR(w http.ResponseWriter, r *http.Request) {
	userID, ok := services.UserIDFromRequest(r)
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	inviteURL, qrImage, err := h.service.GenerateInviteQR(r.Context(), userID)
	if err != nil {
		zap.L().Error("invite qr generation failed", zap.String("user_id", userID), zap.Error(err))
		services.SendEngineError(w, err)
		return
	}

	services.WriteJSON(w, http.StatusOK, map[string]any{
		"inviteUrl": inviteURL,
		"qrImage":   qrImage,
	})
}
