// Package validate checks caller input before it reaches a storage driver.
package validate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/dmitrijs2005/keydir/internal/common"
)

// v is the package-level validator; it caches struct metadata and is safe for
// concurrent use.
var v = validator.New(validator.WithRequiredStructEnabled())

// Struct validates s by its validate tags. Failures wrap common.ErrorValidation
// and list every failing field.
func Struct(s any) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}

	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return fmt.Errorf("%w: %v", common.ErrorValidation, err)
	}

	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		msgs = append(msgs, fmt.Sprintf("field '%s' failed '%s'", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", common.ErrorValidation, strings.Join(msgs, "; "))
}
