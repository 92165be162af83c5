package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func configValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		// report yaml keys so errors point at the file
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name == "" {
				return f.Name
			}
			return name
		})
	})
	return validate
}

// Validate rejects out-of-range values. Every violation is reported.
func (c *Config) Validate() error {
	var errs []error

	if err := configValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate config: %w", err)
		}
		for _, fe := range verrs {
			errs = append(errs, fieldError(fe))
		}
	}

	if len(c.Interfaces()) == 0 {
		errs = append(errs, errors.New("detectors: at least one detector must be enabled"))
	}

	return utilerrors.NewAggregate(errs)
}

func fieldError(fe validator.FieldError) error {
	path := fe.Namespace()
	if i := strings.IndexByte(path, '.'); i >= 0 {
		path = path[i+1:]
	}
	// the inline SSH embed shows up as its Go name
	path = strings.Replace(path, ".DetectorConfig.", ".", 1)

	var msg string
	switch fe.Tag() {
	case "required", "required_if":
		msg = "is required"
	case "gt":
		msg = "must be greater than " + fe.Param()
	case "gte", "min":
		msg = "must be at least " + fe.Param()
	case "lte", "max":
		msg = "must be at most " + fe.Param()
	case "oneof":
		msg = "must be one of [" + fe.Param() + "]"
	default:
		msg = "failed " + fe.Tag()
	}
	return fmt.Errorf("%s %s (got %v)", path, msg, fe.Value())
}
