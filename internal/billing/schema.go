package billing

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const deliveryRequestSchema = `{
  "type": "object",
  "required": ["due_at", "recipients"],
  "additionalProperties": false,
  "properties": {
    "due_at": {"type": "string", "format": "date-time"},
    "title": {"type": "string", "maxLength": 200},
    "body": {"type": "string", "maxLength": 100000},
    "recipients": {
      "type": "array",
      "minItems": 1,
      "maxItems": 50,
      "items": {"type": "string", "format": "email"}
    },
    "attachments": {
      "type": "array",
      "maxItems": 10,
      "items": {
        "type": "object",
        "required": ["name", "data"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1, "maxLength": 255},
          "content_type": {"type": "string"},
          "data": {"type": "string"}
        }
      }
    }
  }
}`

var deliverySchema = mustSchema(deliveryRequestSchema)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("billing: invalid embedded schema: %v", err))
	}
	return s
}

// validateDeliveryRequest checks a raw request body against the delivery
// schema and returns every violation in one error.
func validateDeliveryRequest(body []byte) error {
	result, err := deliverySchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}
	errs := make([]string, len(result.Errors()))
	for i, desc := range result.Errors() {
		errs[i] = desc.String()
	}
	return fmt.Errorf("delivery request invalid: %s", strings.Join(errs, "; "))
}
