package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

// ErrValidationFailed indicates a remote document is missing required fields
// and was not written. The previously cached copy, if any, is untouched.
var ErrValidationFailed = errors.New("store: document validation failed")

// Project models a cached remote project.
type Project struct {
	ID    string `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Name  string `gorm:"column:name;not null" json:"name"`
	Color string `gorm:"column:color" json:"color,omitempty"`

	LastUpdated int64 `gorm:"column:last_updated_s;not null;index:idx_projects_last_updated" json:"last_updated"`
	CacheExpiry int64 `gorm:"column:cache_expiry_s;not null;index:idx_projects_cache_expiry" json:"cache_expiry"`
}

// TableName provides the explicit table binding for GORM.
func (Project) TableName() string {
	return "projects"
}

// Task models a cached remote task. ProjectID is a soft reference: the
// project may not be cached yet and readers must tolerate a missing join
// target.
type Task struct {
	ID        string `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Title     string `gorm:"column:title;not null" json:"title"`
	ProjectID string `gorm:"column:project_id;size:190;not null;index:idx_tasks_project" json:"projectId"`
	Status    int    `gorm:"column:status;not null;default:0" json:"status"`
	Content   string `gorm:"column:content;type:text" json:"content,omitempty"`
	Priority  int    `gorm:"column:priority;not null;default:0" json:"priority"`
	StartDate string `gorm:"column:start_date" json:"startDate,omitempty"`
	DueDate   string `gorm:"column:due_date" json:"dueDate,omitempty"`

	LastUpdated int64 `gorm:"column:last_updated_s;not null;index:idx_tasks_last_updated" json:"last_updated"`
	CacheExpiry int64 `gorm:"column:cache_expiry_s;not null;index:idx_tasks_cache_expiry" json:"cache_expiry"`
}

// TableName provides the explicit table binding for GORM.
func (Task) TableName() string {
	return "tasks"
}

// Note models a cached remote note.
type Note struct {
	ID           string `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	Title        string `gorm:"column:title;not null" json:"title"`
	Content      string `gorm:"column:content;type:text;not null" json:"content"`
	CreatedTime  string `gorm:"column:created_time" json:"createdTime,omitempty"`
	ModifiedTime string `gorm:"column:modified_time" json:"modifiedTime,omitempty"`

	LastUpdated int64 `gorm:"column:last_updated_s;not null;index:idx_notes_last_updated" json:"last_updated"`
	CacheExpiry int64 `gorm:"column:cache_expiry_s;not null;index:idx_notes_cache_expiry" json:"cache_expiry"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

type projectDocument struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

type taskDocument struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	ProjectID string `json:"projectId"`
	Status    *int   `json:"status"`
	Content   string `json:"content"`
	Priority  int    `json:"priority"`
	StartDate string `json:"startDate"`
	DueDate   string `json:"dueDate"`
}

type noteDocument struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Content      *string `json:"content"`
	CreatedTime  string  `json:"createdTime"`
	ModifiedTime string  `json:"modifiedTime"`
}

// decodeProject maps a raw remote payload into a Project. Required fields:
// id, name. Unknown remote fields are dropped.
func decodeProject(raw json.RawMessage) (Project, error) {
	var document projectDocument
	if err := json.Unmarshal(raw, &document); err != nil {
		return Project{}, fmt.Errorf("%w: project payload: %v", ErrValidationFailed, err)
	}
	if err := validateIdentifier(document.ID); err != nil {
		return Project{}, fmt.Errorf("%w: project id: %v", ErrValidationFailed, err)
	}
	if strings.TrimSpace(document.Name) == "" {
		return Project{}, fmt.Errorf("%w: project %s missing name", ErrValidationFailed, document.ID)
	}
	return Project{
		ID:    document.ID,
		Name:  document.Name,
		Color: document.Color,
	}, nil
}

// decodeTask maps a raw remote payload into a Task. Required fields: id,
// title, projectId, status.
func decodeTask(raw json.RawMessage) (Task, error) {
	var document taskDocument
	if err := json.Unmarshal(raw, &document); err != nil {
		return Task{}, fmt.Errorf("%w: task payload: %v", ErrValidationFailed, err)
	}
	if err := validateIdentifier(document.ID); err != nil {
		return Task{}, fmt.Errorf("%w: task id: %v", ErrValidationFailed, err)
	}
	if strings.TrimSpace(document.Title) == "" {
		return Task{}, fmt.Errorf("%w: task %s missing title", ErrValidationFailed, document.ID)
	}
	if err := validateIdentifier(document.ProjectID); err != nil {
		return Task{}, fmt.Errorf("%w: task %s project id: %v", ErrValidationFailed, document.ID, err)
	}
	if document.Status == nil {
		return Task{}, fmt.Errorf("%w: task %s missing status", ErrValidationFailed, document.ID)
	}
	return Task{
		ID:        document.ID,
		Title:     document.Title,
		ProjectID: document.ProjectID,
		Status:    *document.Status,
		Content:   document.Content,
		Priority:  document.Priority,
		StartDate: document.StartDate,
		DueDate:   document.DueDate,
	}, nil
}

// decodeNote maps a raw remote payload into a Note. Required fields: id,
// title, content.
func decodeNote(raw json.RawMessage) (Note, error) {
	var document noteDocument
	if err := json.Unmarshal(raw, &document); err != nil {
		return Note{}, fmt.Errorf("%w: note payload: %v", ErrValidationFailed, err)
	}
	if err := validateIdentifier(document.ID); err != nil {
		return Note{}, fmt.Errorf("%w: note id: %v", ErrValidationFailed, err)
	}
	if strings.TrimSpace(document.Title) == "" {
		return Note{}, fmt.Errorf("%w: note %s missing title", ErrValidationFailed, document.ID)
	}
	if document.Content == nil {
		return Note{}, fmt.Errorf("%w: note %s missing content", ErrValidationFailed, document.ID)
	}
	return Note{
		ID:           document.ID,
		Title:        document.Title,
		Content:      *document.Content,
		CreatedTime:  document.CreatedTime,
		ModifiedTime: document.ModifiedTime,
	}, nil
}

func validateIdentifier(value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return errors.New("empty identifier")
	}
	if len(trimmed) > maxIdentifierLength {
		return fmt.Errorf("identifier exceeds %d characters", maxIdentifierLength)
	}
	return nil
}
