package validation

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
)

// Problem is the 400 body written for requests that fail to bind or validate. It carries the
// same error/guidance fields as the API's other error responses.
type Problem struct {
	Error     string            `json:"error"`
	Message   string            `json:"message"`
	Guidance  string            `json:"guidance"`
	Retriable bool              `json:"retriable"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// BindAndValidate decodes the JSON body into out and validates it. On failure it has already
// written the 400 response and the handler should return.
func BindAndValidate(c *gin.Context, out interface{}, v *validatorv10.Validate) error {
	if err := c.ShouldBindJSON(out); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, Problem{
			Error:    "invalid_request_body",
			Message:  err.Error(),
			Guidance: "fix_request",
		})
		return err
	}
	if err := v.Struct(out); err != nil {
		WriteFieldErrors(c, FieldErrors(err))
		return err
	}
	return nil
}

// WriteFieldErrors writes a validation_failed response naming each offending field and the
// rule it broke.
func WriteFieldErrors(c *gin.Context, fields map[string]string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, Problem{
		Error:    "validation_failed",
		Message:  "request failed validation",
		Guidance: "fix_request",
		Fields:   fields,
	})
}

// FieldErrors flattens validator errors to field -> tag.
func FieldErrors(err error) map[string]string {
	var ve validatorv10.ValidationErrors
	if !errors.As(err, &ve) {
		return map[string]string{"request": err.Error()}
	}
	out := make(map[string]string, len(ve))
	for _, fe := range ve {
		out[fe.Field()] = fe.Tag()
	}
	return out
}
