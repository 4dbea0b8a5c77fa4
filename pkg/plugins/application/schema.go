package application

// Schema returns the JSON-Schema fragment of application models.
func Schema() map[string]interface{} {
	stringMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": map[string]interface{}{"type": "string"},
	}
	named := func(props map[string]interface{}) map[string]interface{} {
		props["name"] = map[string]interface{}{"type": "string", "minLength": 1}
		return map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type":       "object",
				"required":   []interface{}{"name"},
				"properties": props,
			},
		}
	}

	return map[string]interface{}{
		"$schema":     "https://json-schema.org/draft/2020-12/schema",
		"title":       "Application Model",
		"description": "Yet another application model",
		"type":        "object",
		"required":    []interface{}{"schema", "metadata"},
		"properties": map[string]interface{}{
			"schema": map[string]interface{}{
				"type":        "string",
				"description": "The unique schema name of the application model",
				"pattern":     "^application(/.*)?$",
			},
			"metadata": map[string]interface{}{
				"type":     "object",
				"required": []interface{}{"app", "namespace"},
				"properties": map[string]interface{}{
					"app":         map[string]interface{}{"type": "string", "minLength": 1},
					"namespace":   map[string]interface{}{"type": "string", "minLength": 1},
					"version":     map[string]interface{}{"type": "string"},
					"owner":       map[string]interface{}{"type": "string"},
					"repo":        map[string]interface{}{"type": "string"},
					"description": map[string]interface{}{"type": "string"},
				},
			},
			"config": named(map[string]interface{}{
				"type": map[string]interface{}{
					"type": "string",
					"enum": []interface{}{"configMap", "secret"},
				},
				"from": map[string]interface{}{
					"type":  "array",
					"items": map[string]interface{}{"type": "string"},
				},
				"data": stringMap,
			}),
			"deploy": named(map[string]interface{}{
				"image":    map[string]interface{}{"type": "string"},
				"replicas": map[string]interface{}{"type": "integer", "minimum": 0},
				"port":     map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 65535},
				"env":      stringMap,
			}),
		},
	}
}
