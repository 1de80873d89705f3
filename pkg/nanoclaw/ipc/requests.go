// Package ipc implements the filesystem IPC channel between agents and
// the host. Agents drop JSON request files into their workspace's
// messages/ and tasks/ directories; the dispatcher validates, authorizes
// against the owning workspace, applies side effects, and removes the
// files. Failures move to the errors directory with an adjacent .err
// explanation.
package ipc

import (
	"encoding/json"
	"fmt"
)

// Request types.
const (
	TypeMessage       = "message"
	TypeScheduleTask  = "schedule_task"
	TypePauseTask     = "pause_task"
	TypeResumeTask    = "resume_task"
	TypeCancelTask    = "cancel_task"
	TypeGetTask       = "get_task"
	TypeListTasks     = "list_tasks"
	TypeRegisterGroup = "register_group"
	TypeRefreshGroups = "refresh_groups"
)

// Request is the decoded union of all IPC request shapes. The originating
// workspace is always the directory the file was found in; any
// sourceGroup field in the payload is ignored.
type Request struct {
	Type string `json:"type"`

	// message
	ChatJid string `json:"chatJid,omitempty"`
	Text    string `json:"text,omitempty"`

	// schedule_task
	Prompt        string `json:"prompt,omitempty"`
	ScheduleType  string `json:"schedule_type,omitempty"`
	ScheduleValue string `json:"schedule_value,omitempty"`
	ContextMode   string `json:"context_mode,omitempty"`
	GroupFolder   string `json:"groupFolder,omitempty"`

	// task operations
	TaskID string `json:"taskId,omitempty"`

	// register_group
	Jid             string          `json:"jid,omitempty"`
	Name            string          `json:"name,omitempty"`
	Folder          string          `json:"folder,omitempty"`
	Trigger         string          `json:"trigger,omitempty"`
	RequiresTrigger *bool           `json:"requiresTrigger,omitempty"`
	ContainerConfig json.RawMessage `json:"containerConfig,omitempty"`
}

// decodeRequest parses a request file's contents.
func decodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parse request: %w", err)
	}
	if req.Type == "" {
		return nil, fmt.Errorf("request has no type")
	}
	return &req, nil
}
