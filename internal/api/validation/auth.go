package validation

import (
	"net/mail"
	"strings"

	"github.com/google/uuid"
)

// MinPasswordLength is the minimum accepted password length.
const MinPasswordLength = 8

// RegisterRequest mirrors the fields needed for registration validation.
type RegisterRequest struct {
	Email    string
	Password string
	Username string
}

// ValidateRegisterRequest validates a registration request.
func ValidateRegisterRequest(req RegisterRequest) []FieldError {
	var errs []FieldError

	errs = append(errs, validateEmail(req.Email)...)

	if req.Password == "" {
		errs = append(errs, FieldError{Field: "password", Message: "password is required"})
	} else if len(req.Password) < MinPasswordLength {
		errs = append(errs, FieldError{Field: "password", Message: "password must be at least 8 characters"})
	}

	if username := strings.TrimSpace(req.Username); len(username) > 100 {
		errs = append(errs, FieldError{Field: "username", Message: "username must be at most 100 characters"})
	}

	return errs
}

// LoginRequest mirrors the fields needed for login validation.
type LoginRequest struct {
	Email    string
	Password string
}

// ValidateLoginRequest validates a login request.
func ValidateLoginRequest(req LoginRequest) []FieldError {
	var errs []FieldError

	errs = append(errs, validateEmail(req.Email)...)

	if req.Password == "" {
		errs = append(errs, FieldError{Field: "password", Message: "password is required"})
	}

	return errs
}

// TempLoginRequest mirrors the fields needed for temp-password login
// validation.
type TempLoginRequest struct {
	CommunityID string
	Identifier  string
	Password    string
}

// ValidateTempLoginRequest validates a temp-password login request.
func ValidateTempLoginRequest(req TempLoginRequest) []FieldError {
	var errs []FieldError

	if req.CommunityID == "" {
		errs = append(errs, FieldError{Field: "communityId", Message: "communityId is required"})
	} else if _, err := uuid.Parse(req.CommunityID); err != nil {
		errs = append(errs, FieldError{Field: "communityId", Message: "communityId must be a valid UUID"})
	}

	if strings.TrimSpace(req.Identifier) == "" {
		errs = append(errs, FieldError{Field: "identifier", Message: "identifier is required"})
	}

	if req.Password == "" {
		errs = append(errs, FieldError{Field: "password", Message: "password is required"})
	}

	return errs
}

// PasswordChangeRequest mirrors the fields needed for password change
// validation.
type PasswordChangeRequest struct {
	NewPassword string
}

// ValidatePasswordChangeRequest validates a password change request. The
// current-password check depends on account state and lives in the handler.
func ValidatePasswordChangeRequest(req PasswordChangeRequest) []FieldError {
	var errs []FieldError

	if req.NewPassword == "" {
		errs = append(errs, FieldError{Field: "newPassword", Message: "newPassword is required"})
	} else if len(req.NewPassword) < MinPasswordLength {
		errs = append(errs, FieldError{Field: "newPassword", Message: "newPassword must be at least 8 characters"})
	}

	return errs
}

func validateEmail(email string) []FieldError {
	email = strings.TrimSpace(email)
	if email == "" {
		return []FieldError{{Field: "email", Message: "email is required"}}
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return []FieldError{{Field: "email", Message: "email must be a valid address"}}
	}
	return nil
}
