// Package mcpserver registers MCP tools that expose sync operations and
// read-only note listings. It adapts the sync engine and the local note
// store to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/notesync/internal/conflict"
	"github.com/alexjbarnes/notesync/internal/models"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Engine is the part of the sync engine the tools drive.
type Engine interface {
	Status() models.SyncStatus
	Provider() models.Provider
	Settings() models.CloudSyncSettings
	LastResult() *models.SyncResult
	LastError() error
	Sync(ctx context.Context) models.SyncResult
	Connect(ctx context.Context, provider models.Provider) bool
	Disconnect(ctx context.Context)
}

// Notes is the local note store. Writes made here are picked up by the
// next sync cycle.
type Notes interface {
	GetAllNotes() ([]models.Note, error)
	GetNoteByID(id string) (*models.Note, error)
	UpdateNote(id string, fn func(cur *models.Note) (*models.Note, error)) error
}

// RegisterTools adds all sync and note tools to the given MCP server.
func RegisterTools(server *mcp.Server, e Engine, notes Notes) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Report the connection status, active provider, settings and the outcome of the last sync cycle.",
	}, statusHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_now",
		Description: "Run one sync cycle and wait for it to finish. Returns counts of uploaded, downloaded and deleted notes, conflicts and per-note failures.",
	}, syncHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_connect",
		Description: "Connect to a storage provider (onedrive, googledrive, s3). Defaults to the configured provider.",
	}, connectHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_disconnect",
		Description: "Disconnect from the storage provider and forget cached credentials. Local notes are untouched.",
	}, disconnectHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "notes_list",
		Description: "List local notes with sync metadata (id, title, modified, sync version, whether edits are pending upload). No content.",
	}, listNotesHandler(notes))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "note_read",
		Description: "Read one local note by id, including its content and tags.",
	}, readNoteHandler(notes))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "note_write",
		Description: "Create a note or replace an existing note's title, content and tags. Omit id to create a new note. The change is uploaded on the next sync.",
	}, writeNoteHandler(notes, time.Now))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "note_delete",
		Description: "Delete a local note. The deletion reaches other devices on the next sync.",
	}, deleteNoteHandler(notes))
}

// Conflicts is the queue of edit conflicts awaiting a decision.
type Conflicts interface {
	List() []conflict.Pending
	Decide(id string, r models.Resolution) error
}

// RegisterConflictTools adds the tools for deciding queued conflicts.
func RegisterConflictTools(server *mcp.Server, e Engine, q Conflicts) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "conflicts_list",
		Description: "List notes edited on both sides that are waiting for a decision, with a preview of each version and a line diff summary.",
	}, listConflictsHandler(q))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "conflict_resolve",
		Description: "Decide a pending conflict: keep_local, keep_remote or merge. The decision is applied by the next sync; set sync to run it now.",
	}, resolveConflictHandler(e, q))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// StatusInput has no parameters.
type StatusInput struct{}

// SyncInput has no parameters.
type SyncInput struct{}

// ConnectInput holds parameters for sync_connect.
type ConnectInput struct {
	Provider string `json:"provider,omitempty" jsonschema:"provider name: onedrive, googledrive or s3. Defaults to the configured provider"`
}

// DisconnectInput has no parameters.
type DisconnectInput struct{}

// ListNotesInput holds parameters for notes_list.
type ListNotesInput struct {
	PendingOnly bool `json:"pending_only,omitempty" jsonschema:"only list notes with edits not yet synced"`
}

// ReadNoteInput holds parameters for note_read.
type ReadNoteInput struct {
	ID string `json:"id" jsonschema:"required,note id"`
}

// WriteNoteInput holds parameters for note_write.
type WriteNoteInput struct {
	ID      string   `json:"id,omitempty" jsonschema:"note id of letters, digits, dot, underscore or dash; omit to create a new note"`
	Title   string   `json:"title" jsonschema:"required,note title"`
	Content string   `json:"content" jsonschema:"required,full note content"`
	Tags    []string `json:"tags,omitempty" jsonschema:"tags, replaces existing tags"`
}

// ListConflictsInput has no parameters.
type ListConflictsInput struct{}

// ResolveConflictInput holds parameters for conflict_resolve.
type ResolveConflictInput struct {
	ID         string `json:"id" jsonschema:"required,id of the conflicted note"`
	Resolution string `json:"resolution" jsonschema:"required,keep_local, keep_remote or merge"`
	Sync       bool   `json:"sync,omitempty" jsonschema:"run a sync cycle immediately to apply the decision"`
}

// DeleteNoteInput holds parameters for note_delete.
type DeleteNoteInput struct {
	ID string `json:"id" jsonschema:"required,note id"`
}

// --- Output types ---
// Statuses are carried as names so the inferred schema matches the JSON.

// StatusOutput is returned by sync_status.
type StatusOutput struct {
	Status     string                   `json:"status"`
	Provider   models.Provider          `json:"provider"`
	Settings   models.CloudSyncSettings `json:"settings"`
	LastError  string                   `json:"last_error,omitempty"`
	LastResult *models.SyncResult       `json:"last_result,omitempty"`
}

// ConnectOutput is returned by sync_connect.
type ConnectOutput struct {
	Connected bool            `json:"connected"`
	Provider  models.Provider `json:"provider"`
	Status    string          `json:"status"`
	Error     string          `json:"error,omitempty"`
}

// DisconnectOutput is returned by sync_disconnect.
type DisconnectOutput struct {
	Status string `json:"status"`
}

// NoteSummary is one entry of notes_list.
type NoteSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Tags         []string  `json:"tags,omitempty"`
	ModifiedDate time.Time `json:"modified_date"`
	SyncVersion  int64     `json:"sync_version"`
	Pending      bool      `json:"pending"`
}

// ListNotesOutput is returned by notes_list.
type ListNotesOutput struct {
	Notes   []NoteSummary `json:"notes"`
	Total   int           `json:"total"`
	Pending int           `json:"pending"`
}

// WriteNoteOutput is returned by note_write.
type WriteNoteOutput struct {
	ID      string `json:"id"`
	Created bool   `json:"created"`
}

// DeleteNoteOutput is returned by note_delete.
type DeleteNoteOutput struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// ListConflictsOutput is returned by conflicts_list.
type ListConflictsOutput struct {
	Conflicts []conflict.Pending `json:"conflicts"`
	Total     int                `json:"total"`
}

// ResolveConflictOutput is returned by conflict_resolve. Result is set
// when a sync ran.
type ResolveConflictOutput struct {
	ID         string             `json:"id"`
	Resolution string             `json:"resolution"`
	Result     *models.SyncResult `json:"result,omitempty"`
}

// --- Handlers ---

func statusHandler(e Engine) mcp.ToolHandlerFor[StatusInput, *StatusOutput] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusOutput, error) {
		status := e.Status()
		out := &StatusOutput{
			Status:     status.String(),
			Provider:   e.Provider(),
			Settings:   e.Settings(),
			LastResult: e.LastResult(),
		}

		if status == models.StatusError {
			if err := e.LastError(); err != nil {
				out.LastError = err.Error()
			}
		}

		return textResult(out), out, nil
	}
}

func syncHandler(e Engine) mcp.ToolHandlerFor[SyncInput, *models.SyncResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ SyncInput) (*mcp.CallToolResult, *models.SyncResult, error) {
		result := e.Sync(ctx)
		res := textResult(result)
		res.IsError = !result.Success

		return res, &result, nil
	}
}

func connectHandler(e Engine) mcp.ToolHandlerFor[ConnectInput, *ConnectOutput] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ConnectInput) (*mcp.CallToolResult, *ConnectOutput, error) {
		provider := e.Settings().Provider
		if input.Provider != "" {
			p, err := models.ParseProvider(input.Provider)
			if err != nil {
				return nil, nil, err
			}

			provider = p
		}

		if provider == "" || provider == models.ProviderNone {
			return nil, nil, fmt.Errorf("no provider configured")
		}

		out := &ConnectOutput{Provider: provider}
		out.Connected = e.Connect(ctx, provider)
		out.Status = e.Status().String()

		if !out.Connected {
			if err := e.LastError(); err != nil {
				out.Error = err.Error()
			}
		}

		res := textResult(out)
		res.IsError = !out.Connected

		return res, out, nil
	}
}

func disconnectHandler(e Engine) mcp.ToolHandlerFor[DisconnectInput, *DisconnectOutput] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ DisconnectInput) (*mcp.CallToolResult, *DisconnectOutput, error) {
		e.Disconnect(ctx)
		out := &DisconnectOutput{Status: e.Status().String()}

		return textResult(out), out, nil
	}
}

func listNotesHandler(notes Notes) mcp.ToolHandlerFor[ListNotesInput, *ListNotesOutput] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ListNotesInput) (*mcp.CallToolResult, *ListNotesOutput, error) {
		all, err := notes.GetAllNotes()
		if err != nil {
			return nil, nil, err
		}

		out := &ListNotesOutput{Notes: []NoteSummary{}, Total: len(all)}

		for _, n := range all {
			pending := n.HasUnsyncedEdits()
			if pending {
				out.Pending++
			}

			if input.PendingOnly && !pending {
				continue
			}

			out.Notes = append(out.Notes, NoteSummary{
				ID:           n.ID,
				Title:        n.Title,
				Tags:         n.Tags,
				ModifiedDate: n.ModifiedDate,
				SyncVersion:  n.SyncVersion,
				Pending:      pending,
			})
		}

		return textResult(out), out, nil
	}
}

func readNoteHandler(notes Notes) mcp.ToolHandlerFor[ReadNoteInput, *models.Note] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ReadNoteInput) (*mcp.CallToolResult, *models.Note, error) {
		n, err := notes.GetNoteByID(input.ID)
		if err != nil {
			return nil, nil, err
		}

		if n == nil {
			return nil, nil, fmt.Errorf("note %q not found", input.ID)
		}

		return textResult(n), n, nil
	}
}

func writeNoteHandler(notes Notes, now func() time.Time) mcp.ToolHandlerFor[WriteNoteInput, *WriteNoteOutput] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input WriteNoteInput) (*mcp.CallToolResult, *WriteNoteOutput, error) {
		out := &WriteNoteOutput{ID: input.ID}
		if out.ID == "" {
			out.ID = uuid.NewString()
		} else if err := models.ValidateNoteID(out.ID); err != nil {
			return nil, nil, fmt.Errorf("%w: use letters, digits, '.', '_' or '-'", err)
		}

		err := notes.UpdateNote(out.ID, func(cur *models.Note) (*models.Note, error) {
			ts := now().UTC()

			n := models.Note{ID: out.ID, CreatedDate: ts}
			if cur != nil {
				n = *cur
			} else {
				out.Created = true
			}

			n.Title = input.Title
			n.Content = input.Content
			n.Tags = input.Tags
			n.ModifiedDate = ts

			return &n, nil
		})
		if err != nil {
			return nil, nil, err
		}

		return textResult(out), out, nil
	}
}

func deleteNoteHandler(notes Notes) mcp.ToolHandlerFor[DeleteNoteInput, *DeleteNoteOutput] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input DeleteNoteInput) (*mcp.CallToolResult, *DeleteNoteOutput, error) {
		out := &DeleteNoteOutput{ID: input.ID}

		err := notes.UpdateNote(input.ID, func(cur *models.Note) (*models.Note, error) {
			out.Deleted = cur != nil
			return nil, nil
		})
		if err != nil {
			return nil, nil, err
		}

		if !out.Deleted {
			return nil, nil, fmt.Errorf("note %q not found", input.ID)
		}

		return textResult(out), out, nil
	}
}

func listConflictsHandler(q Conflicts) mcp.ToolHandlerFor[ListConflictsInput, *ListConflictsOutput] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ ListConflictsInput) (*mcp.CallToolResult, *ListConflictsOutput, error) {
		pending := q.List()
		out := &ListConflictsOutput{Conflicts: pending, Total: len(pending)}

		return textResult(out), out, nil
	}
}

func resolveConflictHandler(e Engine, q Conflicts) mcp.ToolHandlerFor[ResolveConflictInput, *ResolveConflictOutput] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ResolveConflictInput) (*mcp.CallToolResult, *ResolveConflictOutput, error) {
		res, err := models.ParseResolution(input.Resolution)
		if err != nil {
			return nil, nil, err
		}

		if err := q.Decide(input.ID, res); err != nil {
			return nil, nil, err
		}

		out := &ResolveConflictOutput{ID: input.ID, Resolution: res.String()}
		if !input.Sync {
			return textResult(out), out, nil
		}

		result := e.Sync(ctx)
		out.Result = &result

		r := textResult(out)
		r.IsError = !result.Success

		return r, out, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
