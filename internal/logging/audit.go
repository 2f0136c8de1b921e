package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType names one kind of audit record.
type AuditEventType string

const (
	// Session lifecycle
	AuditSessionStart AuditEventType = "session_start"
	AuditSessionEnd   AuditEventType = "session_end"

	// Secret use. Records carry secret names, never values.
	AuditSecretResolved   AuditEventType = "secret_resolved"
	AuditSecretUnresolved AuditEventType = "secret_unresolved"

	// Action dispatch
	AuditActionComplete AuditEventType = "action_complete"
	AuditActionError    AuditEventType = "action_error"

	// Storage state
	AuditCheckpoint      AuditEventType = "state_checkpoint"
	AuditCheckpointError AuditEventType = "state_checkpoint_error"
	AuditRestore         AuditEventType = "state_restore"
)

// AuditEvent is one JSON line in the audit log.
type AuditEvent struct {
	Timestamp  int64          `json:"ts"` // Unix milliseconds
	EventType  AuditEventType `json:"event"`
	SessionID  string         `json:"session,omitempty"`
	Action     string         `json:"action,omitempty"`
	URL        string         `json:"url,omitempty"`
	Target     string         `json:"target,omitempty"`
	Secrets    []string       `json:"secrets,omitempty"`
	Success    bool           `json:"success"`
	DurationMs int64          `json:"dur_ms,omitempty"`
	Error      string         `json:"error,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

var (
	auditFile *os.File
	auditMu   sync.Mutex
)

// AuditLogger writes audit events, optionally tagged with a session.
type AuditLogger struct {
	sessionID string
}

// InitAudit opens the day's audit log in the logs directory. It does nothing
// unless debug mode is on.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil // Already initialized
	}

	configMu.RLock()
	dir := config.Dir
	configMu.RUnlock()

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(dir, fmt.Sprintf("%s_audit.jsonl", date))
	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file
	return nil
}

// CloseAudit closes the audit log file
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		_ = auditFile.Close()
		auditFile = nil
	}
}

// Audit returns an untagged audit logger.
func Audit() *AuditLogger {
	return &AuditLogger{}
}

// AuditWithSession returns an audit logger that tags events with sessionID.
func AuditWithSession(sessionID string) *AuditLogger {
	return &AuditLogger{sessionID: sessionID}
}

// Log writes an audit event. Without an open audit file it is dropped.
func (a *AuditLogger) Log(event AuditEvent) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.SessionID == "" {
		event.SessionID = a.sessionID
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	auditMu.Lock()
	defer auditMu.Unlock()
	if auditFile == nil {
		return
	}
	_, _ = auditFile.Write(append(data, '\n'))
}

// SessionStart logs the start of a browser session.
func (a *AuditLogger) SessionStart(url string) {
	a.Log(AuditEvent{EventType: AuditSessionStart, URL: url, Success: true})
}

// SessionEnd logs the end of a browser session.
func (a *AuditLogger) SessionEnd(durationMs int64, err error) {
	a.Log(AuditEvent{
		EventType:  AuditSessionEnd,
		Success:    err == nil,
		DurationMs: durationMs,
		Error:      errString(err),
	})
}

// SecretUse logs which placeholders an action resolved on url and which it
// left in place.
func (a *AuditLogger) SecretUse(action, url string, resolved, unresolved []string) {
	if len(resolved) > 0 {
		a.Log(AuditEvent{EventType: AuditSecretResolved, Action: action, URL: url, Secrets: resolved, Success: true})
	}
	if len(unresolved) > 0 {
		a.Log(AuditEvent{EventType: AuditSecretUnresolved, Action: action, URL: url, Secrets: unresolved})
	}
}

// ActionComplete logs an executed action. errMsg must already be filtered.
func (a *AuditLogger) ActionComplete(action, url string, durationMs int64, errMsg string) {
	ev := AuditEvent{
		EventType:  AuditActionComplete,
		Action:     action,
		URL:        url,
		Success:    errMsg == "",
		DurationMs: durationMs,
		Error:      errMsg,
	}
	if errMsg != "" {
		ev.EventType = AuditActionError
	}
	a.Log(ev)
}

// Checkpoint logs a storage state save.
func (a *AuditLogger) Checkpoint(id, path string, written bool, cookies, origins int, err error) {
	ev := AuditEvent{
		EventType: AuditCheckpoint,
		Target:    path,
		Success:   err == nil,
		Error:     errString(err),
		Fields: map[string]any{
			"id":      id,
			"written": written,
			"cookies": cookies,
			"origins": origins,
		},
	}
	if err != nil {
		ev.EventType = AuditCheckpointError
	}
	a.Log(ev)
}

// Restore logs a storage state restore.
func (a *AuditLogger) Restore(path string, cookies, origins int, err error) {
	a.Log(AuditEvent{
		EventType: AuditRestore,
		Target:    path,
		Success:   err == nil,
		Error:     errString(err),
		Fields:    map[string]any{"cookies": cookies, "origins": origins},
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
