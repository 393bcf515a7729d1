package materialize

import "github.com/brainops/engbrain/workspace"

// Collection names, in creation order. The order is part of the external
// contract: consumers of a brain rely on the collections appearing on the
// page in this sequence.
const (
	CollectionReleaseNotes     = "release_notes"
	CollectionADRs             = "adrs"
	CollectionEngineeringTasks = "engineering_tasks"
	CollectionDocHistory       = "doc_history"
)

var collectionOrder = []string{
	CollectionReleaseNotes,
	CollectionADRs,
	CollectionEngineeringTasks,
	CollectionDocHistory,
}

// The content property differs between collections (title vs task vs
// event). An item inserted under the wrong key is rejected by the
// workspace, so the schemas below are the single source of truth for both
// collection creation and item insertion.
var collectionSchemas = map[string]workspace.Schema{
	CollectionReleaseNotes: {
		ContentProperty: "title",
		Properties: []workspace.Property{
			{Name: "version", Type: "text"},
			{Name: "date", Type: "date"},
			{Name: "summary", Type: "text"},
			{Name: "pr_number", Type: "number"},
			{Name: "changes", Type: "text"},
		},
	},
	CollectionADRs: {
		ContentProperty: "title",
		Properties: []workspace.Property{
			{Name: "adr_id", Type: "text"},
			{Name: "status", Type: "text"},
			{Name: "date", Type: "date"},
			{Name: "context", Type: "text"},
			{Name: "decision", Type: "text"},
			{Name: "consequences", Type: "text"},
			{Name: "confidence", Type: "number"},
		},
	},
	CollectionEngineeringTasks: {
		ContentProperty: "task",
		Properties: []workspace.Property{
			{Name: "priority", Type: "text"},
			{Name: "category", Type: "text"},
			{Name: "reasoning", Type: "text"},
			{Name: "status", Type: "text"},
			{Name: "created_at", Type: "date"},
		},
	},
	CollectionDocHistory: {
		ContentProperty: "event",
		Properties: []workspace.Property{
			{Name: "date", Type: "date"},
			{Name: "description", Type: "text"},
			{Name: "pr_number", Type: "number"},
			{Name: "confidence", Type: "text"},
		},
	},
}

// SchemaOf returns the declared schema of a collection name.
func SchemaOf(name string) (workspace.Schema, bool) {
	var s, ok = collectionSchemas[name]
	return s, ok
}
