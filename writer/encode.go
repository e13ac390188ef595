package writer

import (
	"encoding/json"

	"arbflow/models"
)

// encode is the wire form shared by the message sinks.
func encode(opp models.Opportunity) ([]byte, error) {
	return json.Marshal(opp)
}
