package audit

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	dErrors "ledger/pkg/domain-errors"
)

// eventValidate is shared; validator caches struct metadata per instance.
var eventValidate *validator.Validate

func init() {
	eventValidate = validator.New()
	_ = eventValidate.RegisterValidation("taxonomy", func(fl validator.FieldLevel) bool {
		return EventType(fl.Field().String()).Known()
	})
	_ = eventValidate.RegisterValidation("text", func(fl validator.FieldLevel) bool {
		return ValidText(fl.Field().String())
	})
}

// ValidText reports whether v is well-formed UTF-8 without NUL bytes.
// PostgreSQL text and jsonb columns reject NUL.
func ValidText(v string) bool {
	return utf8.ValidString(v) && !strings.ContainsRune(v, 0)
}

// Validate checks required fields, text encoding and the closed taxonomy. Failures carry
// dErrors.CodeValidation and name the offending fields.
func (e Event) Validate() error {
	if err := eventValidate.Struct(e); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return dErrors.New(dErrors.CodeValidation, "invalid audit event: "+strings.Join(fields, ", "))
		}
		return dErrors.Wrap(err, dErrors.CodeValidation, "invalid audit event")
	}
	if err := eventValidate.Var(string(e.EventType), "taxonomy"); err != nil {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("unknown event type %q", e.EventType))
	}
	return nil
}
