package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/kgengine/backend/pkg/apperr"
)

type Config struct {
	AllowedContentTypes []string
	Logger              *zap.Logger
}

// Middleware rejects request bodies that are not JSON.
func Middleware(cfg Config) fiber.Handler {
	if len(cfg.AllowedContentTypes) == 0 {
		cfg.AllowedContentTypes = []string{fiber.MIMEApplicationJSON}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		switch c.Method() {
		case fiber.MethodPost, fiber.MethodPut, fiber.MethodPatch:
		default:
			return c.Next()
		}
		if len(c.Body()) == 0 {
			return c.Next()
		}

		contentType := strings.ToLower(c.Get(fiber.HeaderContentType))
		for _, allowed := range cfg.AllowedContentTypes {
			if strings.HasPrefix(contentType, allowed) {
				return c.Next()
			}
		}

		cfg.Logger.Debug("Unsupported content type",
			zap.String("content_type", contentType),
			zap.String("path", c.Path()),
		)
		return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
			"error": "unsupported content type, expected application/json",
			"code":  string(apperr.KindValidation),
		})
	}
}

// Validator checks request DTOs against their validate tags and reports
// failures as validation errors named by JSON field.
type Validator struct {
	validate *validator.Validate
}

func New() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return &Validator{validate: v}
}

func (v *Validator) Struct(op string, s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Internal(op, err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return apperr.Validation(op, "%s", strings.Join(msgs, "; "))
}

// ParseBody decodes the JSON body into dst and validates it.
func (v *Validator) ParseBody(c *fiber.Ctx, op string, dst interface{}) error {
	if err := c.BodyParser(dst); err != nil {
		return apperr.Validation(op, "invalid request body: %v", err)
	}
	return v.Struct(op, dst)
}

func describe(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be <= %s", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must have at least %s items", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must have at most %s items", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %q", field, fe.Tag())
	}
}
