package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chimerakang/bustrack-api/account"
	"github.com/chimerakang/bustrack-api/envelope"
)

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Email           string `json:"email" binding:"required,email"`
	Password        string `json:"password" binding:"required,min=8"`
	ConfirmPassword string `json:"confirm_password" binding:"required,min=8"`
	Name            string `json:"name" binding:"required,min=1,max=100"`
	Phone           string `json:"phone" binding:"required,min=10,max=15"`
	Location        string `json:"location" binding:"required,min=1,max=200"`
	OrganizationID  string `json:"organization_id"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=1"`
}

// ForgotPasswordRequest is the body of POST /auth/forgot-password.
type ForgotPasswordRequest struct {
	Email string `json:"email" binding:"required,email"`
}

// ChangePasswordRequest is the body of POST /auth/change-password.
type ChangePasswordRequest struct {
	OldPassword        string `json:"old_password" binding:"required,min=1"`
	NewPassword        string `json:"new_password" binding:"required,min=8"`
	ConfirmNewPassword string `json:"confirm_new_password" binding:"required,min=8"`
}

// Register handles POST /auth/register.
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, err)
		return
	}

	reg, err := h.accounts.Register(c.Request.Context(), account.RegisterInput{
		Email:           req.Email,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
		Name:            req.Name,
		Phone:           req.Phone,
		Location:        req.Location,
		OrganizationID:  req.OrganizationID,
	})
	if err != nil {
		fail(c, err)
		return
	}
	envelope.JSON(c, http.StatusOK, "User registered successfully", reg)
}

// Login handles POST /auth/login.
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, err)
		return
	}

	res, err := h.accounts.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		fail(c, err)
		return
	}
	envelope.JSON(c, http.StatusOK, "Login successful", res)
}

// Me handles GET /auth/me.
func (h *Handler) Me(c *gin.Context) {
	envelope.JSON(c, http.StatusOK, "Access granted", gin.H{"user": me(c)})
}

// ForgotPassword handles POST /auth/forgot-password.
func (h *Handler) ForgotPassword(c *gin.Context) {
	var req ForgotPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, err)
		return
	}

	msg, err := h.accounts.ForgotPassword(c.Request.Context(), req.Email)
	if err != nil {
		fail(c, err)
		return
	}
	envelope.JSON(c, http.StatusOK, msg, nil)
}

// ChangePassword handles POST /auth/change-password.
func (h *Handler) ChangePassword(c *gin.Context) {
	var req ChangePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, err)
		return
	}

	err := h.accounts.ChangePassword(c.Request.Context(), me(c).ID, account.ChangePasswordInput{
		OldPassword:        req.OldPassword,
		NewPassword:        req.NewPassword,
		ConfirmNewPassword: req.ConfirmNewPassword,
	})
	if err != nil {
		fail(c, err)
		return
	}
	envelope.JSON(c, http.StatusOK, "Password changed successfully", nil)
}
