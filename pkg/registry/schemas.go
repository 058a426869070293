package registry

import "github.com/tideflow-io/tideflow/pkg/models"

var builtinConditionSchemas = map[models.ConditionKind]string{
	models.ConditionFieldEquals: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {}
	}`,
	models.ConditionHasTag: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {}
	}`,
	models.ConditionPipelineStage: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"pipeline_id": {"type": "string"}
		}
	}`,
	models.ConditionCustomField: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {}
	}`,
	models.ConditionEngagement: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"lookback_days": {"type": "integer", "minimum": 1, "maximum": 365}
		}
	}`,
	models.ConditionTimeBased: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"timezone": {"type": "string"},
			"days": {
				"type": "array",
				"items": {
					"type": "string",
					"enum": ["monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"]
				}
			},
			"start_hour": {"type": "integer", "minimum": 0, "maximum": 23},
			"end_hour": {"type": "integer", "minimum": 1, "maximum": 24}
		}
	}`,
}

var builtinActionSchemas = map[string]string{
	"send_email": `{
		"type": "object",
		"required": ["template_id"],
		"properties": {
			"template_id": {"type": "string", "minLength": 1},
			"from": {"type": "string"},
			"reply_to": {"type": "string"}
		}
	}`,
	"send_sms": `{
		"type": "object",
		"required": ["message"],
		"properties": {
			"message": {"type": "string", "minLength": 1, "maxLength": 1600}
		}
	}`,
	"add_tag": `{
		"type": "object",
		"required": ["tag"],
		"properties": {
			"tag": {"type": "string", "minLength": 1}
		}
	}`,
	"remove_tag": `{
		"type": "object",
		"required": ["tag"],
		"properties": {
			"tag": {"type": "string", "minLength": 1}
		}
	}`,
	"update_field": `{
		"type": "object",
		"required": ["field"],
		"properties": {
			"field": {"type": "string", "minLength": 1},
			"value": {}
		}
	}`,
	"call_webhook": `{
		"type": "object",
		"required": ["url"],
		"properties": {
			"url": {"type": "string", "format": "uri"},
			"method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE"]},
			"headers": {"type": "object"}
		}
	}`,
	"move_deal_stage": `{
		"type": "object",
		"required": ["stage"],
		"properties": {
			"pipeline_id": {"type": "string"},
			"stage": {"type": "string", "minLength": 1}
		}
	}`,
	"create_task": `{
		"type": "object",
		"required": ["title"],
		"properties": {
			"title": {"type": "string", "minLength": 1},
			"assignee": {"type": "string"},
			"due_in_days": {"type": "integer", "minimum": 0}
		}
	}`,
}
