package e2e_test

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/notesync/internal/auth"
	"github.com/alexjbarnes/notesync/internal/conflict"
	"github.com/alexjbarnes/notesync/internal/connection"
	"github.com/alexjbarnes/notesync/internal/engine"
	"github.com/alexjbarnes/notesync/internal/mcpserver"
	"github.com/alexjbarnes/notesync/internal/models"
	"github.com/alexjbarnes/notesync/internal/server"
	"github.com/alexjbarnes/notesync/internal/state"
	"github.com/alexjbarnes/notesync/internal/transport"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

const (
	testPassphrase = "e2e shared passphrase"
	testUser       = "testuser"
	testAPIKey     = "ns_0123456789abcdef0123456789abcdef"
)

// device is one installation wired the way the daemon wires it: a bbolt
// state file, a connection manager with a folder provider rooted in a
// directory shared by all devices, and an engine.
type device struct {
	Name   string
	State  *state.State
	Conn   *connection.Manager
	Engine *engine.Engine
}

type deviceOption func(*engine.Options)

func withResolver(r conflict.Resolver) deviceOption {
	return func(o *engine.Options) { o.Resolver = r }
}

func withPassphrase(p string) deviceOption {
	return func(o *engine.Options) { o.Passphrase = p }
}

// newDevice creates a device syncing through the OneDrive folder
// provider rooted at root.
func newDevice(t *testing.T, name, root string, opts ...deviceOption) *device {
	t.Helper()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), name+".db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	logger := slog.New(slog.DiscardHandler)

	conn := connection.NewManager(
		map[models.Provider]connection.Authenticator{
			models.ProviderOneDrive: &connection.FolderAuthenticator{Root: root, Device: name},
		},
		st,
		connection.Options{
			ConnectTimeout: 5 * time.Second,
			Retry:          transport.RetryPolicy{Attempts: 2, Timeout: 5 * time.Second, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		},
		logger,
	)

	eo := engine.Options{
		Settings: func() models.CloudSyncSettings {
			return models.CloudSyncSettings{
				IsEnabled:           true,
				Provider:            models.ProviderOneDrive,
				SyncIntervalSeconds: 300,
				EncryptData:         true,
			}
		},
		Passphrase:  testPassphrase,
		Parallelism: 4,
	}
	for _, o := range opts {
		o(&eo)
	}

	return &device{
		Name:   name,
		State:  st,
		Conn:   conn,
		Engine: engine.New(st, conn, eo, logger),
	}
}

// edit creates or rewrites a note the way the note app does: content
// changes and ModifiedDate moves past the last sync.
func (d *device) edit(t *testing.T, id, title, content string) {
	t.Helper()

	err := d.State.UpdateNote(id, func(cur *models.Note) (*models.Note, error) {
		now := time.Now().UTC()

		n := models.Note{ID: id, CreatedDate: now}
		if cur != nil {
			n = *cur
		}

		if !now.After(n.LastSyncedDate) {
			now = n.LastSyncedDate.Add(time.Millisecond)
		}

		n.Title = title
		n.Content = content
		n.ModifiedDate = now

		return &n, nil
	})
	require.NoError(t, err)
}

func (d *device) note(t *testing.T, id string) *models.Note {
	t.Helper()

	n, err := d.State.GetNoteByID(id)
	require.NoError(t, err)

	return n
}

func (d *device) sync(t *testing.T) models.SyncResult {
	t.Helper()

	r := d.Engine.Sync(t.Context())
	require.NotEmpty(t, r.SessionID, "sync rejected: %s", r.ErrorMessage)

	return r
}

// harness serves one device's HTTP API and MCP endpoint, behind API
// key auth, on an httptest server.
type harness struct {
	URL    string
	Device *device
	Client *http.Client
}

func newHarness(t *testing.T, d *device) *harness {
	t.Helper()

	return newConflictHarness(t, d, nil)
}

// newConflictHarness is newHarness with the pending-conflict routes and
// tools served from q when it is non-nil.
func newConflictHarness(t *testing.T, d *device, q *conflict.Queue) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "notesync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, d.Engine, d.State)

	if q != nil {
		mcpserver.RegisterConflictTools(mcpServer, d.Engine, q)
	}

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	cfg := server.MuxConfig{
		Engine:     d.Engine,
		Keys:       auth.NewKeys([]auth.APIKey{{UserID: testUser, Key: testAPIKey}}),
		MCPHandler: mcpHandler,
		Logger:     logger,
	}
	if q != nil {
		cfg.Conflicts = q
	}

	mux := server.NewMux(cfg)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &harness{URL: ts.URL, Device: d, Client: ts.Client()}
}

// mcpSession creates an MCP client session authenticated with the given
// Bearer token. Uses the MCP SDK's StreamableClientTransport with a
// custom HTTP RoundTripper that injects the Authorization header.
func (h *harness) mcpSession(t *testing.T, token string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: token,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// do performs a request with the test API key and t.Context().
func (h *harness) do(t *testing.T, method, path string, body []byte) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), method, h.URL+path, bytes.NewReader(body))
	require.NoError(t, err)

	req.Header.Set("Authorization", "Bearer "+testAPIKey)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}
