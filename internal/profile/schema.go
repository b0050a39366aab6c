package profile

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"scalpel/internal/chase"
)

// documentSchema validates the raw profile document before decoding. The
// strategy enum is generated from the chase package so the two can never
// drift apart.
var documentSchema = mustCompileDocumentSchema()

func mustCompileDocumentSchema() *jsonschema.Schema {
	enum, err := json.Marshal(chase.StrategyNames())
	if err != nil {
		panic(fmt.Sprintf("profile: marshal strategy enum: %v", err))
	}
	schema := fmt.Sprintf(`{
		"type": "object",
		"required": ["profiles"],
		"additionalProperties": false,
		"properties": {
			"profiles": {
				"type": "object",
				"minProperties": 1,
				"additionalProperties": {
					"type": "object",
					"required": ["strategy"],
					"additionalProperties": false,
					"properties": {
						"description":     {"type": "string"},
						"strategy":        {"type": "string", "enum": %s},
						"tp_pct":          {"type": "number", "minimum": 0},
						"sl_pct":          {"type": "number", "minimum": 0},
						"max_hold":        {"type": "string"},
						"grace":           {"type": "string"},
						"retry_cap":       {"type": "integer", "minimum": 1},
						"attempt_ceiling": {"type": "integer", "minimum": 1},
						"chase_ceiling":   {"type": "string"},
						"tick_tolerance":  {"type": "number", "minimum": 0},
						"max_slippage":    {"type": "number", "minimum": 0}
					}
				}
			}
		}
	}`, enum)
	return jsonschema.MustCompileString("profiles.schema.json", schema)
}
