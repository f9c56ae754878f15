package services

import (
	"sort"

	"github.com/zatekoja/notepipeline/internal/domain/entities"
	"github.com/zatekoja/notepipeline/internal/domain/providers"
)

// noteAnalysisSchema is the strict structured-output contract for an analysis.
// Strict mode requires every property to be listed as required, so optional
// task and person fields are sent as empty strings.
var noteAnalysisSchema = &providers.JSONSchema{
	Name:   "note_analysis",
	Strict: true,
	Schema: object(map[string]interface{}{
		"summary": str(),
		"tasks": array(object(map[string]interface{}{
			"title":       str(),
			"description": str(),
			"priority":    enum(entities.PriorityLow, entities.PriorityMedium, entities.PriorityHigh),
			"due_date":    str(),
			"assignee":    str(),
		})),
		"people": array(object(map[string]interface{}{
			"name":         str(),
			"relationship": str(),
			"context":      str(),
		})),
		"relationships": array(object(map[string]interface{}{
			"from": str(),
			"to":   str(),
			"type": str(),
		})),
		"topics":     array(str()),
		"key_points": array(str()),
		"sentiment":  enum(entities.SentimentPositive, entities.SentimentNeutral, entities.SentimentNegative, entities.SentimentMixed),
		"confidence": map[string]interface{}{"type": "number"},
	}),
}

func object(properties map[string]interface{}) map[string]interface{} {
	required := make([]string, 0, len(properties))
	for name := range properties {
		required = append(required, name)
	}
	sort.Strings(required)
	return map[string]interface{}{
		"type":                 "object",
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
}

func array(items map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"type": "array", "items": items}
}

func str() map[string]interface{} {
	return map[string]interface{}{"type": "string"}
}

func enum(values ...string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "enum": values}
}
