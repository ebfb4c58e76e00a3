package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	bustrack "github.com/chimerakang/bustrack-api"
	"github.com/chimerakang/bustrack-api/account"
	"github.com/chimerakang/bustrack-api/envelope"
)

// ListUsersQuery is the query string of GET /users.
type ListUsersQuery struct {
	Role    string `form:"role" binding:"omitempty,oneof=student employee driver admin"`
	Status  string `form:"status" binding:"omitempty,oneof=active inactive suspended"`
	Search  string `form:"search" binding:"max=100"`
	Page    int    `form:"page,default=1" binding:"gte=1"`
	PerPage int    `form:"per_page,default=20" binding:"gte=1,lte=100"`
}

// CreateUserRequest is the body of POST /users.
type CreateUserRequest struct {
	Email          string `json:"email" binding:"required,email"`
	Password       string `json:"password" binding:"omitempty,min=8"`
	Name           string `json:"name" binding:"required,min=1,max=100"`
	Phone          string `json:"phone" binding:"omitempty,min=10,max=15"`
	Location       string `json:"location" binding:"omitempty,min=1,max=200"`
	Role           string `json:"role" binding:"omitempty,oneof=student employee driver admin"`
	OrganizationID string `json:"organization_id"`
}

// ProfileUpdate is the body of PUT /users/me. Absent fields are left unchanged.
type ProfileUpdate struct {
	Name     *string `json:"name" binding:"omitempty,min=1,max=100"`
	Phone    *string `json:"phone" binding:"omitempty,min=10,max=15"`
	Location *string `json:"location" binding:"omitempty,min=1,max=200"`
}

func (p ProfileUpdate) patch() bustrack.UserPatch {
	return bustrack.UserPatch{Name: p.Name, Phone: p.Phone, Location: p.Location}
}

// UserUpdate is the body of PUT /users/:id.
type UserUpdate struct {
	ProfileUpdate
	Role   *string `json:"role" binding:"omitempty,oneof=student employee driver admin"`
	Status *string `json:"status" binding:"omitempty,oneof=active inactive suspended"`
}

func (u UserUpdate) patch() bustrack.UserPatch {
	p := u.ProfileUpdate.patch()
	if u.Role != nil {
		r := bustrack.Role(*u.Role)
		p.Role = &r
	}
	if u.Status != nil {
		s := bustrack.Status(*u.Status)
		p.Status = &s
	}
	return p
}

// RoleAssignment is the body of PUT /users/:id/role.
type RoleAssignment struct {
	Role string `json:"role" binding:"required,oneof=student employee driver admin"`
}

// GetMe handles GET /users/me.
func (h *Handler) GetMe(c *gin.Context) {
	envelope.JSON(c, http.StatusOK, "User retrieved successfully", me(c))
}

// UpdateMe handles PUT /users/me.
func (h *Handler) UpdateMe(c *gin.Context) {
	var req ProfileUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, err)
		return
	}
	u, err := h.dir().Update(c.Request.Context(), me(c).ID, req.patch())
	if err != nil {
		fail(c, err)
		return
	}
	envelope.JSON(c, http.StatusOK, "User updated successfully", u)
}

// DeleteMe handles DELETE /users/me.
func (h *Handler) DeleteMe(c *gin.Context) {
	d, err := h.accounts.DeleteAccount(c.Request.Context(), me(c).ID)
	if err != nil {
		fail(c, err)
		return
	}
	msg := "Account deleted successfully"
	if d.Remote.Outcome == bustrack.OutcomeFailed {
		msg = "Account deactivated; identity provider account could not be deleted"
	}
	envelope.JSON(c, http.StatusOK, msg, d)
}

// ListUsers handles GET /users.
func (h *Handler) ListUsers(c *gin.Context) {
	var q ListUsersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		fail(c, err)
		return
	}
	page, err := h.dir().List(c.Request.Context(), bustrack.UserFilter{
		Role:    bustrack.Role(q.Role),
		Status:  bustrack.Status(q.Status),
		Search:  q.Search,
		Page:    q.Page,
		PerPage: q.PerPage,
	})
	if err != nil {
		fail(c, err)
		return
	}
	envelope.JSON(c, http.StatusOK, "Users retrieved successfully", page)
}

// CreateUser handles POST /users.
func (h *Handler) CreateUser(c *gin.Context) {
	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, err)
		return
	}
	p, err := h.accounts.Provision(c.Request.Context(), account.ProvisionInput{
		Email:          req.Email,
		Password:       req.Password,
		Name:           req.Name,
		Phone:          req.Phone,
		Location:       req.Location,
		Role:           bustrack.Role(req.Role),
		OrganizationID: req.OrganizationID,
	}, me(c).ID)
	if err != nil {
		fail(c, err)
		return
	}
	envelope.JSON(c, http.StatusCreated, "User created successfully", p)
}

// GetUser handles GET /users/:id.
func (h *Handler) GetUser(c *gin.Context) {
	u, err := h.dir().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	envelope.JSON(c, http.StatusOK, "User retrieved successfully", u)
}

// UpdateUser handles PUT /users/:id.
func (h *Handler) UpdateUser(c *gin.Context) {
	var req UserUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, err)
		return
	}
	u, err := h.dir().Update(c.Request.Context(), c.Param("id"), req.patch())
	if err != nil {
		fail(c, err)
		return
	}
	envelope.JSON(c, http.StatusOK, "User updated successfully", u)
}

// DeleteUser handles DELETE /users/:id. Deletion is a soft status change.
func (h *Handler) DeleteUser(c *gin.Context) {
	id := c.Param("id")
	if err := h.accounts.Deactivate(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	envelope.JSON(c, http.StatusOK, "User deleted successfully", gin.H{"user_id": id, "status": bustrack.StatusInactive})
}

// AssignRole handles PUT /users/:id/role.
func (h *Handler) AssignRole(c *gin.Context) {
	var req RoleAssignment
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, err)
		return
	}
	u, err := h.accounts.AssignRole(c.Request.Context(), c.Param("id"), bustrack.Role(req.Role))
	if err != nil {
		fail(c, err)
		return
	}
	envelope.JSON(c, http.StatusOK, "Role updated successfully", u)
}
