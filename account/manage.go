package account

import (
	"context"
	"fmt"

	bustrack "github.com/chimerakang/bustrack-api"
	"github.com/chimerakang/bustrack-api/apperr"
	"github.com/chimerakang/bustrack-api/audit"
)

// ProvisionInput is an admin request to create a user.
type ProvisionInput struct {
	Email          string
	Password       string // optional; without it no remote account is created
	Name           string
	Phone          string
	Location       string
	Role           bustrack.Role
	OrganizationID string
}

// Provisioned is the result of an admin-created account.
type Provisioned struct {
	User         *bustrack.User      `json:"user"`
	IdentityLink bustrack.StepResult `json:"identity_link"`
}

// Provision creates a directory user on behalf of adminID. Creating the linked remote
// account is best-effort; its outcome is reported in Provisioned.IdentityLink.
func (s *Service) Provision(ctx context.Context, in ProvisionInput, adminID string) (*Provisioned, error) {
	const op = "account.Provision"
	email := normalizeEmail(in.Email)

	role := in.Role
	if role == "" {
		role = bustrack.DefaultRole
	}
	if !role.Valid() {
		return nil, apperr.Validation(op, "Validation error", fmt.Sprintf("role: invalid role %q", role))
	}
	if err := s.ensureNewEmail(ctx, op, email); err != nil {
		s.recordFailure(ctx, audit.ActionProvision, "", email, err)
		return nil, err
	}

	link := bustrack.Skipped()
	var externalID string
	if in.Password != "" {
		ident, err := s.idp.CreateUser(ctx, bustrack.NewIdentity{Email: email, Password: in.Password, Name: in.Name})
		if err != nil {
			s.logger.Warn("identity link failed during provisioning", "email", email, "error", err)
			link = bustrack.Failed(err)
		} else {
			link = bustrack.Completed()
			externalID = ident.ID
		}
	}

	u, err := s.dir.Create(ctx, &bustrack.User{
		ExternalID:     externalID,
		Email:          email,
		Name:           in.Name,
		Phone:          in.Phone,
		Location:       in.Location,
		Role:           role,
		Status:         bustrack.StatusActive,
		OrganizationID: optional(in.OrganizationID),
		CreatedBy:      optional(adminID),
	})
	if err != nil {
		if externalID != "" {
			s.compensate(ctx, externalID, err)
		}
		s.recordFailure(ctx, audit.ActionProvision, "", email, err)
		return nil, err
	}

	result := audit.ResultSuccess
	if link.Outcome == bustrack.OutcomeFailed {
		result = audit.ResultPartial
	}
	s.record(ctx, audit.Event{
		Action:  audit.ActionProvision,
		Result:  result,
		UserID:  u.ID,
		Email:   u.Email,
		Details: "role=" + string(u.Role),
		Error:   link.Error,
	})
	return &Provisioned{User: u, IdentityLink: link}, nil
}

// Deletion reports both phases of a self-service account deletion.
type Deletion struct {
	UserID string              `json:"user_id"`
	Local  bustrack.StepResult `json:"local"`
	Remote bustrack.StepResult `json:"remote"`
}

// DeleteAccount deactivates the directory row (phase 1) and then deletes the remote
// account (phase 2). A phase 1 failure aborts with nothing changed; a phase 2 failure is
// reported in Deletion.Remote while the row stays deactivated.
func (s *Service) DeleteAccount(ctx context.Context, userID string) (*Deletion, error) {
	u, err := s.dir.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.dir.Deactivate(ctx, userID); err != nil {
		s.recordFailure(ctx, audit.ActionDelete, userID, u.Email, err)
		return nil, err
	}

	d := &Deletion{UserID: userID, Local: bustrack.Completed(), Remote: bustrack.Skipped()}
	if u.ExternalID != "" {
		if err := s.idp.DeleteUser(ctx, u.ExternalID); err != nil {
			s.logger.Error("remote account deletion failed", "user_id", userID, "identity_id", u.ExternalID, "error", err)
			d.Remote = bustrack.Failed(err)
		} else {
			d.Remote = bustrack.Completed()
		}
	}

	result := audit.ResultSuccess
	if d.Remote.Outcome == bustrack.OutcomeFailed {
		result = audit.ResultPartial
	}
	s.record(ctx, audit.Event{Action: audit.ActionDelete, Result: result, UserID: userID, Email: u.Email, Error: d.Remote.Error})
	return d, nil
}

// Deactivate soft-deletes a user on behalf of an admin. The remote account is kept.
func (s *Service) Deactivate(ctx context.Context, userID string) error {
	if err := s.dir.Deactivate(ctx, userID); err != nil {
		s.recordFailure(ctx, audit.ActionDeactivate, userID, "", err)
		return err
	}
	s.record(ctx, audit.Event{Action: audit.ActionDeactivate, Result: audit.ResultSuccess, UserID: userID})
	return nil
}

// AssignRole replaces a user's role on behalf of an admin.
func (s *Service) AssignRole(ctx context.Context, userID string, role bustrack.Role) (*bustrack.User, error) {
	u, err := s.dir.AssignRole(ctx, userID, role)
	if err != nil {
		s.recordFailure(ctx, audit.ActionRoleAssign, userID, "", err)
		return nil, err
	}
	s.record(ctx, audit.Event{Action: audit.ActionRoleAssign, Result: audit.ResultSuccess, UserID: userID, Details: "role=" + string(role)})
	return u, nil
}

// ChangePasswordInput is a password change request.
type ChangePasswordInput struct {
	OldPassword        string
	NewPassword        string
	ConfirmNewPassword string
}

// ChangePassword verifies the current password with a password grant and then sets the
// new one at the provider.
func (s *Service) ChangePassword(ctx context.Context, userID string, in ChangePasswordInput) error {
	const op = "account.ChangePassword"

	if in.NewPassword != in.ConfirmNewPassword {
		return apperr.Validation(op, MsgPasswordMismatch, MsgPasswordMismatch)
	}
	if in.NewPassword == in.OldPassword {
		return apperr.Validation(op, "Validation error", "new_password: New password must differ from the current password")
	}

	u, err := s.dir.Get(ctx, userID)
	if err != nil {
		return err
	}
	if u.ExternalID == "" {
		return apperr.Validation(op, "Account has no login credentials", "This account is not linked to the identity provider")
	}

	if _, err := s.idp.PasswordGrant(ctx, u.Email, in.OldPassword); err != nil {
		s.recordFailure(ctx, audit.ActionPasswordChange, userID, u.Email, err)
		return apperr.Validation(op, "Validation error", "old_password: Current password is incorrect")
	}
	if err := s.idp.SetPassword(ctx, u.ExternalID, in.NewPassword); err != nil {
		s.recordFailure(ctx, audit.ActionPasswordChange, userID, u.Email, err)
		msg := describe(err, "Identity provider unavailable")
		return apperr.Upstream(op, "Password change failed", err, msg)
	}

	s.record(ctx, audit.Event{Action: audit.ActionPasswordChange, Result: audit.ResultSuccess, UserID: userID, Email: u.Email})
	return nil
}

// ForgotPassword asks the provider to mail a reset link. The returned message is the same
// whether or not the email belongs to an account.
func (s *Service) ForgotPassword(ctx context.Context, email string) (string, error) {
	email = normalizeEmail(email)
	if err := s.idp.SendPasswordReset(ctx, email); err != nil {
		s.recordFailure(ctx, audit.ActionPasswordReset, "", email, err)
		return "", apperr.Upstream("account.ForgotPassword", "Password reset failed", err, describe(err, "Identity provider unavailable"))
	}
	s.record(ctx, audit.Event{Action: audit.ActionPasswordReset, Result: audit.ResultSuccess, Email: email})
	return MsgResetSent, nil
}
