package schema

import (
	"github.com/mbme/arhiv-sub003/internal/entities"
)

// Built-in document types shipped with the binary.
const (
	NoteType       entities.DocumentType = "note"
	AttachmentType entities.DocumentType = "attachment"
	TaskType       entities.DocumentType = "task"
	ProjectType    entities.DocumentType = "project"
)

// DefaultDataVersion is the data version of DefaultSchema.
const DefaultDataVersion uint8 = 2

// TaskStatuses are the allowed task status values.
var TaskStatuses = []string{"Inbox", "Todo", "InProgress", "Paused", "Done", "Cancelled"}

// DefaultSchema returns the note/task/attachment schema used by the baza binary.
func DefaultSchema(appName string) (*DataSchema, error) {
	descriptions := []DataDescription{
		{
			DocumentType: NoteType,
			TitleField:   "title",
			Fields: []Field{
				{Name: "title", Type: String(), Mandatory: true},
				{Name: "data", Type: MarkupString()},
			},
		},
		{
			DocumentType: AttachmentType,
			TitleField:   "filename",
			Fields: []Field{
				{Name: "filename", Type: String(), Mandatory: true},
				{Name: "media_type", Type: String(), Readonly: true},
				{Name: "size", Type: NaturalNumber(), Readonly: true},
				{Name: "blob", Type: BLOBId(), Mandatory: true, Readonly: true},
			},
		},
		{
			DocumentType: TaskType,
			TitleField:   "title",
			Fields: []Field{
				{Name: "title", Type: String(), Mandatory: true},
				{Name: "description", Type: MarkupString()},
				{Name: "status", Type: Enum(TaskStatuses...), Mandatory: true},
				{Name: "complexity", Type: NaturalNumber()},
				{Name: "blocked_by", Type: Ref(TaskType)},
			},
		},
		{
			DocumentType: ProjectType,
			TitleField:   "title",
			Fields: []Field{
				{Name: "title", Type: String(), Mandatory: true},
				{Name: "description", Type: MarkupString()},
				{Name: "tasks", Type: RefList(TaskType, NoteType)},
				{Name: "closed", Type: Flag()},
			},
		},
	}

	migrations := []DataMigration{
		{
			Version: 2,
			Name:    "task_v1_fields",
			Update:  upgradeLegacyTask,
		},
	}

	return NewDataSchema(appName, DefaultDataVersion, descriptions, migrations)
}

var legacyTaskStatuses = map[string]string{
	"inbox":       "Inbox",
	"todo":        "Todo",
	"in_progress": "InProgress",
	"paused":      "Paused",
	"done":        "Done",
	"cancelled":   "Cancelled",
}

// Version 1 stored task statuses in snake case and the task body under "details".
func upgradeLegacyTask(document entities.Document) (*entities.Document, error) {
	if document.DocumentType != TaskType {
		return nil, nil
	}
	status, _ := document.Data.GetString("status")
	normalized, legacyStatus := legacyTaskStatuses[status]
	_, legacyBody := document.Data["details"]
	if !legacyStatus && !legacyBody {
		return nil, nil
	}
	updated := document.Clone()
	if legacyStatus {
		updated.Data["status"] = normalized
	}
	if legacyBody {
		updated.Data.Rename("details", "description")
	}
	return &updated, nil
}
