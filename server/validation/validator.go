package validation

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/teilomillet/shopfront/config"
	"github.com/teilomillet/shopfront/errors"
	"github.com/teilomillet/shopfront/server/middleware"
)

// MaxBodyBytes caps request bodies read by Decode.
const MaxBodyBytes = 1 << 20

// ValidationErrorDetail describes one invalid field.
type ValidationErrorDetail struct {
	Field   string `json:"field"`           // The field that failed validation
	Message string `json:"message"`         // Human-readable error message
	Code    string `json:"code"`            // Machine-readable error code
	Value   string `json:"value,omitempty"` // The invalid value (if safe to return)
}

// Validator decodes request bodies and checks them against struct tags,
// the translation language limit and the token budget.
type Validator struct {
	validate         *validator.Validate
	counter          *TokenCounter
	maxContextTokens int
	reservedTokens   int
	maxLanguages     int
}

// New creates a Validator. A nil counter disables the token budget check.
func New(cfg *config.Config, counter *TokenCounter) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	reserved := 0
	if mt, ok := cfg.LLM.Options["max_tokens"]; ok {
		reserved = toInt(mt)
	}

	return &Validator{
		validate:         v,
		counter:          counter,
		maxContextTokens: cfg.LLM.MaxContextTokens,
		reservedTokens:   reserved,
		maxLanguages:     cfg.Translation.MaxLanguages,
	}
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

type texter interface {
	Texts() []string
}

type languageLister interface {
	LanguageList() []string
}

// Decode reads a JSON body into dst and validates it. The returned error
// is ready to be written with errors.WriteError.
func (v *Validator) Decode(r *http.Request, dst interface{}) *errors.ShopfrontError {
	requestID := middleware.GetRequestID(r.Context())

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return v.fail(requestID, "Invalid or missing Content-Type header", http.StatusBadRequest, ValidationErrorDetail{
			Field:   "header:Content-Type",
			Message: "Content-Type must be application/json",
			Code:    "invalid_content_type",
			Value:   r.Header.Get("Content-Type"),
		})
	}

	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return v.fail(requestID, "Invalid request format", http.StatusBadRequest, ValidationErrorDetail{
			Field:   "body",
			Message: err.Error(),
			Code:    "invalid_json",
		})
	}

	return v.Validate(requestID, dst)
}

// Validate checks an already decoded request.
func (v *Validator) Validate(requestID string, req interface{}) *errors.ShopfrontError {
	if err := v.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !stderrors.As(err, &verrs) {
			return errors.NewInternalError(requestID, err)
		}
		details := make([]ValidationErrorDetail, 0, len(verrs))
		for _, fe := range verrs {
			details = append(details, detailFor(fe))
		}
		return v.fail(requestID, "Request validation failed", http.StatusUnprocessableEntity, details...)
	}

	if ll, ok := req.(languageLister); ok && v.maxLanguages > 0 && len(ll.LanguageList()) > v.maxLanguages {
		return v.fail(requestID, "Too many languages", http.StatusUnprocessableEntity, ValidationErrorDetail{
			Field:   "languages",
			Message: fmt.Sprintf("at most %d languages are allowed", v.maxLanguages),
			Code:    "max_validation_failed",
			Value:   fmt.Sprintf("%d", len(ll.LanguageList())),
		})
	}

	if t, ok := req.(texter); ok && v.counter != nil && v.maxContextTokens > 0 {
		if err := v.counter.ValidateTokens(t.Texts(), v.reservedTokens, v.maxContextTokens); err != nil {
			return v.fail(requestID, "Token limit exceeded", http.StatusUnprocessableEntity, ValidationErrorDetail{
				Field:   "text",
				Message: err.Error(),
				Code:    "token_limit_exceeded",
				Value:   fmt.Sprintf("%d", v.maxContextTokens),
			})
		}
	}
	return nil
}

func (v *Validator) fail(requestID, message string, code int, details ...ValidationErrorDetail) *errors.ShopfrontError {
	suggestion := "Please check the API documentation for correct request format"
	if code == http.StatusUnprocessableEntity {
		suggestion = "The request format is correct but the content is invalid"
	}
	err := errors.NewValidationError(requestID, message, map[string]interface{}{
		"errors":     details,
		"suggestion": suggestion,
	})
	err.Code = code
	return err
}

// detailFor turns a validator error into a field path like "labels[0]".
func detailFor(fe validator.FieldError) ValidationErrorDetail {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}

	var msg string
	switch fe.Tag() {
	case "required":
		msg = fmt.Sprintf("field '%s' is required", fe.Field())
	case "max":
		msg = fmt.Sprintf("field '%s' must be at most %s", fe.Field(), fe.Param())
	case "min":
		msg = fmt.Sprintf("field '%s' must be at least %s", fe.Field(), fe.Param())
	case "unique":
		msg = fmt.Sprintf("field '%s' must not contain duplicates", fe.Field())
	case "uuid":
		msg = fmt.Sprintf("field '%s' must be a UUID", fe.Field())
	default:
		msg = fmt.Sprintf("validation failed on '%s'", fe.Tag())
	}

	return ValidationErrorDetail{
		Field:   field,
		Message: msg,
		Code:    fe.Tag() + "_validation_failed",
		Value:   fmt.Sprintf("%v", fe.Value()),
	}
}
