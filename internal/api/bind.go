package api

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/internal/apperr"
	"github.com/bigdegenenergy/open-cloud-ops/smartsearch/pkg/models"
)

var registerOnce sync.Once

// registerValidators configures gin's validator engine to report json field
// names and to understand the budget_mode tag.
func registerValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			tag := fld.Tag.Get("json")
			if tag == "-" || tag == "" {
				return fld.Name
			}
			if idx := strings.Index(tag, ","); idx >= 0 {
				tag = tag[:idx]
			}
			return tag
		})
		_ = v.RegisterValidation("budget_mode", func(fl validator.FieldLevel) bool {
			_, err := models.ParsePolicy(fl.Field().String())
			return err == nil
		})
	})
}

// bindJSON decodes and validates the request body into dst. Failures are
// returned as validation errors with a short field message.
func bindJSON(c *gin.Context, dst any) error {
	if err := c.ShouldBindJSON(dst); err != nil {
		return bindError(err)
	}
	return nil
}

func bindError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperr.Wrap(apperr.KindValidation, "invalid JSON body", err)
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return apperr.Validation(fe.Field() + " is required")
	case "budget_mode":
		return apperr.Validation(fmt.Sprintf("unrecognized budget_mode %q", fe.Value()))
	case "min":
		return apperr.Validation(fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param()))
	case "max":
		return apperr.Validation(fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param()))
	default:
		return apperr.Validation("invalid " + fe.Field())
	}
}
