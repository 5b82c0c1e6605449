package service

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	appErrors "github.com/unclebandit/outreach-engine/internal/errors"
)

var validate = validator.New()

// ValidateAddress checks the syntax of a recipient address.
func ValidateAddress(op, address string) error {
	address = strings.TrimSpace(address)
	if err := validate.Var(address, "required,email"); err != nil {
		return appErrors.NewValidation(op, fmt.Sprintf("invalid recipient address %q", address))
	}
	return nil
}
