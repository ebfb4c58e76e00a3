package account

import (
	"context"

	bustrack "github.com/chimerakang/bustrack-api"
	"github.com/chimerakang/bustrack-api/apperr"
	"github.com/chimerakang/bustrack-api/audit"
)

// RegisterInput is a self-registration request.
type RegisterInput struct {
	Email           string
	Password        string
	ConfirmPassword string
	Name            string
	Phone           string
	Location        string
	OrganizationID  string
}

// Registration is the result of a successful registration.
type Registration struct {
	UserID             string              `json:"user_id"`
	Email              string              `json:"email"`
	Name               string              `json:"name"`
	Role               bustrack.Role       `json:"role"`
	OrganizationID     *string             `json:"organization_id"`
	OrganizationAttach bustrack.StepResult `json:"organization_attach"`
}

// Register creates the remote account, optionally attaches it to an organization, and
// inserts the directory row with the base role.
//
// Mismatched passwords and duplicate emails fail before any remote call. A failed
// organization attach does not fail the registration; it is reported in
// Registration.OrganizationAttach and the organization id is not stored.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Registration, error) {
	const op = "account.Register"
	email := normalizeEmail(in.Email)

	if in.Password != in.ConfirmPassword {
		err := apperr.Validation(op, MsgPasswordMismatch, MsgPasswordMismatch)
		s.recordFailure(ctx, audit.ActionRegister, "", email, err)
		return nil, err
	}
	if err := s.ensureNewEmail(ctx, op, email); err != nil {
		s.recordFailure(ctx, audit.ActionRegister, "", email, err)
		return nil, err
	}

	ident, err := s.idp.CreateUser(ctx, bustrack.NewIdentity{
		Email:    email,
		Password: in.Password,
		Name:     in.Name,
	})
	if err != nil {
		s.logger.Warn("identity provider rejected registration", "email", email, "error", err)
		uerr := apperr.Upstream(op, "Registration failed", err, describe(err, "Identity provider unavailable"))
		s.recordFailure(ctx, audit.ActionRegister, "", email, err)
		return nil, uerr
	}

	attach := bustrack.Skipped()
	var orgID *string
	if org := optional(in.OrganizationID); org != nil {
		if err := s.idp.AddOrganizationMember(ctx, *org, ident.ID); err != nil {
			s.logger.Warn("organization attach failed", "identity_id", ident.ID, "organization_id", *org, "error", err)
			attach = bustrack.Failed(err)
		} else {
			attach = bustrack.Completed()
			orgID = org
		}
	}

	u, err := s.dir.Create(ctx, &bustrack.User{
		ExternalID:     ident.ID,
		Email:          email,
		Name:           in.Name,
		Phone:          in.Phone,
		Location:       in.Location,
		Role:           bustrack.DefaultRole,
		Status:         bustrack.StatusActive,
		OrganizationID: orgID,
	})
	if err != nil {
		s.compensate(ctx, ident.ID, err)
		s.recordFailure(ctx, audit.ActionRegister, "", email, err)
		return nil, err
	}

	result := audit.ResultSuccess
	if attach.Outcome == bustrack.OutcomeFailed {
		result = audit.ResultPartial
	}
	s.record(ctx, audit.Event{
		Action:         audit.ActionRegister,
		Result:         result,
		UserID:         u.ID,
		Email:          u.Email,
		OrganizationID: in.OrganizationID,
		Error:          attach.Error,
	})

	return &Registration{
		UserID:             u.ID,
		Email:              u.Email,
		Name:               u.Name,
		Role:               u.Role,
		OrganizationID:     u.OrganizationID,
		OrganizationAttach: attach,
	}, nil
}

// compensate removes a remote account whose directory row could not be written, so the
// email can register again. Failure leaves an orphan that is logged for manual cleanup.
func (s *Service) compensate(ctx context.Context, identityID string, cause error) {
	if err := s.idp.DeleteUser(ctx, identityID); err != nil {
		s.logger.Error("orphaned identity after failed directory insert",
			"identity_id", identityID, "cause", cause, "error", err)
		return
	}
	s.logger.Warn("removed identity after failed directory insert", "identity_id", identityID, "cause", cause)
}
