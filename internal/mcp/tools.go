package mcp

// ToolDefinition models MCP tool metadata.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

var tiers = []string{"permanent", "long_term", "short_term"}

func toolDefinitions() []ToolDefinition {
	return []ToolDefinition{
		{
			Name:        "memory_write",
			Description: "Store a new memory record.",
			InputSchema: jsonSchema(map[string]any{
				"content":    propString("Memory content."),
				"tier":       propStringEnum("Retention tier. Defaults to long_term.", tiers),
				"importance": propInteger("Importance 1-5. Defaults to 3."),
				"tags":       propStringArray("Tags for later lookup."),
				"metadata":   map[string]any{"type": "object"},
			}, []string{"content"}),
		},
		{
			Name:        "memory_search",
			Description: "Search memories by substring, tier, tags and age; most important first.",
			InputSchema: jsonSchema(map[string]any{
				"query":           propString("Substring to match in content."),
				"tier":            propStringEnum("Optional tier filter.", tiers),
				"tags":            propStringArray("Match records carrying any of these tags."),
				"since":           propString("RFC3339 lower bound on creation time."),
				"limit":           propInteger("Maximum results (capped at 100)."),
				"include_deleted": propBoolean("Include soft-deleted records."),
			}, nil),
		},
		{
			Name:        "memory_get",
			Description: "Fetch one memory record by id.",
			InputSchema: jsonSchema(map[string]any{
				"id":              propString("Memory id."),
				"include_deleted": propBoolean("Return the record even when soft-deleted."),
			}, []string{"id"}),
		},
		{
			Name:        "memory_update",
			Description: "Change the content, importance or tags of a memory record.",
			InputSchema: jsonSchema(map[string]any{
				"id":         propString("Memory id."),
				"content":    propString("New content."),
				"importance": propInteger("New importance 1-5."),
				"tags":       propStringArray("Replacement tag list."),
			}, []string{"id"}),
		},
		{
			Name:        "memory_delete",
			Description: "Soft-delete a memory record. It can be restored later.",
			InputSchema: jsonSchema(map[string]any{"id": propString("Memory id.")}, []string{"id"}),
		},
		{
			Name:        "memory_restore",
			Description: "Restore a soft-deleted memory record.",
			InputSchema: jsonSchema(map[string]any{"id": propString("Memory id.")}, []string{"id"}),
		},
		{
			Name:        "memory_archive",
			Description: "Archive a short_term memory record into long_term.",
			InputSchema: jsonSchema(map[string]any{"id": propString("Memory id.")}, []string{"id"}),
		},
		{
			Name:        "memory_merge",
			Description: "Fold source records into a target record; sources are soft-deleted.",
			InputSchema: jsonSchema(map[string]any{
				"target_id":  propString("Record that survives the merge."),
				"source_ids": propStringArray("Records folded into the target."),
				"content":    propString("Merged content for the target."),
			}, []string{"target_id", "source_ids", "content"}),
		},
		{
			Name:        "memory_stats",
			Description: "Count records by tier plus soft-deleted and audit totals.",
			InputSchema: jsonSchema(map[string]any{}, nil),
		},
		{
			Name:        "memory_audit",
			Description: "List audit entries, newest first, for one record or the whole store.",
			InputSchema: jsonSchema(map[string]any{
				"memory_id": propString("Optional memory id."),
				"limit":     propInteger("Maximum entries."),
			}, nil),
		},
	}
}

func jsonSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func propString(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func propStringEnum(description string, values []string) map[string]any {
	return map[string]any{"type": "string", "description": description, "enum": values}
}

func propInteger(description string) map[string]any {
	return map[string]any{"type": "integer", "description": description}
}

func propBoolean(description string) map[string]any {
	return map[string]any{"type": "boolean", "description": description}
}

func propStringArray(description string) map[string]any {
	return map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": description}
}
