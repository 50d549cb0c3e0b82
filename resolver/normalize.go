package resolver

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"sourceflow/models"
)

// normalize validates the payload and extracts the resource's value path,
// when one is configured. The result is the raw JSON fragment the caller
// cares about rather than the provider's full envelope.
func normalize(res *models.Resource, body []byte) (json.RawMessage, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("resource %s: response is not valid JSON", res.ID)
	}
	if res.ValuePath == "" {
		return json.RawMessage(body), nil
	}

	value := gjson.GetBytes(body, res.ValuePath)
	if !value.Exists() {
		return nil, fmt.Errorf("resource %s: value path %q missing from response", res.ID, res.ValuePath)
	}
	return json.RawMessage(value.Raw), nil
}
