// snapshots.go writes the read-only state files agents consume on their
// next invocation: tasks.json with the tasks visible to the group, and
// groups.json with the chats known to the channels. The main group sees
// everything; other groups see only their own slice.
package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Aias00/nanoclaw/pkg/nanoclaw/store"
)

// TaskSnapshot is one entry in tasks.json.
type TaskSnapshot struct {
	ID            string `json:"id"`
	GroupFolder   string `json:"groupFolder"`
	ChatID        string `json:"chatId"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"scheduleType"`
	ScheduleValue string `json:"scheduleValue"`
	ContextMode   string `json:"contextMode"`
	NextRun       string `json:"nextRun,omitempty"`
	LastRun       string `json:"lastRun,omitempty"`
	LastResult    string `json:"lastResult,omitempty"`
	Status        string `json:"status"`
}

// GroupSnapshot is one entry in groups.json.
type GroupSnapshot struct {
	ChatID       string `json:"chatId"`
	Name         string `json:"name"`
	IsRegistered bool   `json:"isRegistered"`
	Folder       string `json:"folder,omitempty"`
}

// writeSnapshots refreshes a group's tasks.json and groups.json.
func (d *Dispatcher) writeSnapshots(group store.RegisteredGroup) {
	privileged := group.Folder == d.groups.MainFolder()

	if err := d.writeTasksSnapshot(group, privileged); err != nil {
		d.logger.Warn("writing tasks snapshot", "group", group.Folder, "error", err)
	}
	if err := d.writeGroupsSnapshot(group, privileged); err != nil {
		d.logger.Warn("writing groups snapshot", "group", group.Folder, "error", err)
	}
}

func (d *Dispatcher) writeTasksSnapshot(group store.RegisteredGroup, privileged bool) error {
	filter := group.Folder
	if privileged {
		filter = ""
	}
	tasks, err := d.store.ListTasks(filter)
	if err != nil {
		return err
	}

	snapshot := make([]TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		snapshot = append(snapshot, TaskSnapshot{
			ID:            t.ID,
			GroupFolder:   t.GroupFolder,
			ChatID:        t.ChatID,
			Prompt:        t.Prompt,
			ScheduleType:  t.ScheduleType,
			ScheduleValue: t.ScheduleValue,
			ContextMode:   t.ContextMode,
			NextRun:       t.NextRun,
			LastRun:       t.LastRun,
			LastResult:    t.LastResult,
			Status:        t.Status,
		})
	}

	return writeJSONFile(
		filepath.Join(GroupIPCDir(d.ipcRoot, group.Folder), "tasks.json"), snapshot)
}

func (d *Dispatcher) writeGroupsSnapshot(group store.RegisteredGroup, privileged bool) error {
	registered := make(map[string]string)
	for _, g := range d.groups.Groups() {
		registered[g.ChatID] = g.Folder
	}

	var snapshot []GroupSnapshot
	if privileged {
		chats, err := d.store.ListChats()
		if err != nil {
			return err
		}
		for _, c := range chats {
			folder, isReg := registered[c.ChatID]
			snapshot = append(snapshot, GroupSnapshot{
				ChatID:       c.ChatID,
				Name:         c.Name,
				IsRegistered: isReg,
				Folder:       folder,
			})
		}
	} else {
		snapshot = []GroupSnapshot{{
			ChatID:       group.ChatID,
			Name:         group.Name,
			IsRegistered: true,
			Folder:       group.Folder,
		}}
	}

	return writeJSONFile(
		filepath.Join(GroupIPCDir(d.ipcRoot, group.Folder), "groups.json"), snapshot)
}

// writeJSONFile writes atomically via a temp file so an agent never reads
// a half-written snapshot.
func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}
