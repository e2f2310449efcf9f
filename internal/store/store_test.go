package store

import (
	"context"
	"database/sql"
	"errors"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// manualClock returns the same instant until moved.
type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func newManualClock() *manualClock {
	return &manualClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, clock *manualClock) *Store {
	t.Helper()
	opts := Options{Path: ":memory:"}
	if clock != nil {
		opts.Clock = clock.Now
	}
	s, err := Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenFreshStore(t *testing.T) {
	s := newTestStore(t, nil)

	v, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v)

	res := s.LastMigration()
	assert.Equal(t, 0, res.FromVersion)
	assert.Equal(t, CurrentSchemaVersion, res.ToVersion)
	assert.Equal(t, CurrentSchemaVersion, res.MigrationsRun)
	assert.Positive(t, res.Statements)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Options{Driver: "postgres", Path: ":memory:"})
	assert.Error(t, err)
}

func TestCreateAndFinalizeConversation(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	s := newTestStore(t, clock)

	id, err := s.CreateConversation(ctx, "list files", clock.Now())
	require.NoError(t, err)

	c, err := s.GetConversation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "list files", c.Query)
	assert.Equal(t, clock.Now(), c.CreatedAt)
	assert.Equal(t, DefaultScores(), c.Scores)
	assert.False(t, c.Finalized)
	assert.Nil(t, c.LastRetrieved)

	scores := Scores{Correctness: 0.5, Faithfulness: 1, Relevancy: 0.75, UserFeedback: 1}
	require.NoError(t, s.Finalize(ctx, id, scores, "List files", "Done", 1500*time.Millisecond))

	c, err = s.GetConversation(ctx, id)
	require.NoError(t, err)
	assert.True(t, c.Finalized)
	assert.Equal(t, "Done", c.Response)
	assert.Equal(t, "List files", c.Title)
	assert.Equal(t, scores, c.Scores)
	assert.Equal(t, 1500*time.Millisecond, c.TotalTime)
}

func TestUnknownConversation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	_, err := s.GetConversation(ctx, 42)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.ErrorIs(t, s.Finalize(ctx, 42, DefaultScores(), "", "", 0), ErrNotFound)
	assert.ErrorIs(t, s.AppendMessage(ctx, 42, 0, "x", 0, RoleUser), ErrNotFound)
	assert.ErrorIs(t, s.AppendToolCall(ctx, 42, "id", "wait", "{}", "{}", 0, time.Now()), ErrNotFound)
}

func TestAppendMessageRejectsBadRole(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)
	id, err := s.CreateConversation(ctx, "q", time.Now())
	require.NoError(t, err)

	assert.Error(t, s.AppendMessage(ctx, id, 0, "x", 0, Role("tool")))
}

type write struct {
	tool bool
	ts   time.Time
	body string
}

// For any interleaving of message and tool-call writes, ReadAll equals the
// writes stably sorted by timestamp.
func TestReadAllStableOrdering(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 25; round++ {
		clock := newManualClock()
		s := newTestStore(t, clock)
		id, err := s.CreateConversation(ctx, "q", clock.Now())
		require.NoError(t, err)

		base := clock.Now()
		var writes []write
		for i := 0; i < 12; i++ {
			// small spread forces plenty of equal timestamps, including
			// tool calls stamped earlier than messages already written
			ts := base.Add(time.Duration(rng.Intn(4)) * time.Millisecond)
			w := write{tool: rng.Intn(2) == 0, ts: ts, body: string(rune('a' + i))}
			if w.tool {
				require.NoError(t, s.AppendToolCall(ctx, id, w.body, "execute_command", w.body, "", 0, ts))
			} else {
				clock.mu.Lock()
				clock.t = ts
				clock.mu.Unlock()
				require.NoError(t, s.AppendMessage(ctx, id, i, w.body, 0, RoleAssistant))
			}
			writes = append(writes, w)
		}

		want := append([]write(nil), writes...)
		sort.SliceStable(want, func(i, j int) bool { return want[i].ts.Before(want[j].ts) })

		entries, err := s.ReadAll(ctx, id)
		require.NoError(t, err)

		got := make([]write, 0, len(entries))
		for _, e := range entries {
			if e.Kind == EntryToolCall {
				got = append(got, write{tool: true, ts: e.ToolCall.Timestamp, body: e.ToolCall.Input})
			} else {
				got = append(got, write{ts: e.Message.Timestamp, body: e.Message.Content})
			}
		}
		if diff := cmp.Diff(want, got, cmp.AllowUnexported(write{})); diff != "" {
			t.Fatalf("round %d: transcript order mismatch (-want +got):\n%s", round, diff)
		}
	}
}

func TestReadAllIsPerConversation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	a, _ := s.CreateConversation(ctx, "a", time.Now())
	b, _ := s.CreateConversation(ctx, "b", time.Now())
	require.NoError(t, s.AppendMessage(ctx, a, 0, "for a", 0, RoleUser))
	require.NoError(t, s.AppendMessage(ctx, b, 0, "for b", 0, RoleUser))
	require.NoError(t, s.AppendToolCall(ctx, b, "t1", "wait", "{}", "{}", time.Second, time.Now()))

	entries, err := s.ReadAll(ctx, a)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "for a", entries[0].Message.Content)

	entries, err = s.ReadAll(ctx, b)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].Seq)
	assert.Equal(t, int64(2), entries[1].Seq)
	assert.Equal(t, time.Second, entries[1].ToolCall.Duration)
}

func TestRecordRetrievalAndList(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	s := newTestStore(t, clock)

	first, _ := s.CreateConversation(ctx, "first", clock.Now())
	second, _ := s.CreateConversation(ctx, "second", clock.Now())

	at := clock.Now().Add(time.Hour)
	require.NoError(t, s.RecordRetrieval(ctx, []int64{first, 999}, at))
	require.NoError(t, s.RecordRetrieval(ctx, []int64{first}, at))
	require.NoError(t, s.RecordRetrieval(ctx, nil, at))

	c, err := s.GetConversation(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, 2, c.RetrievalCount)
	require.NotNil(t, c.LastRetrieved)
	assert.Equal(t, at, *c.LastRetrieved)

	list, err := s.ListConversations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second, list[0].ID)

	list, err = s.ListConversations(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestPureGoDriver(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Options{Driver: DriverPureGo, Path: filepath.Join(t.TempDir(), "pure.db")})
	require.NoError(t, err)
	defer s.Close()

	id, err := s.CreateConversation(ctx, "q", time.Now())
	require.NoError(t, err)
	require.NoError(t, s.AppendMessage(ctx, id, 0, "hello", 0, RoleUser))

	entries, err := s.ReadAll(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, RoleUser, entries[0].Message.Role)
}

// openV6 builds a database at schema version 6 holding one legacy
// conversation, the way an older release left it.
func openV6(t *testing.T, path string) {
	t.Helper()
	ctx := context.Background()
	db, err := sql.Open(DriverCGO, path)
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)

	res, err := migrate(ctx, db, 6)
	require.NoError(t, err)
	require.Equal(t, 6, res.ToVersion)

	stmts := []string{
		"INSERT INTO conversations (id, query, created_at) VALUES (1, 'legacy', 1000)",
		"INSERT INTO messages (conversation_id, role, content, step_number, timestamp) VALUES (1, 'user', 'legacy', 0, 1000)",
		"INSERT INTO tool_calls (conversation_id, tool_call_id, tool_name, input, output, timestamp) VALUES (1, 'tc-1', 'execute_command', 'ls', 'a b', 2000)",
		"INSERT INTO messages (conversation_id, role, content, step_number, timestamp) VALUES (1, 'assistant', 'after tool', 1, 2000)",
	}
	for _, q := range stmts {
		_, err := db.ExecContext(ctx, q)
		require.NoError(t, err)
	}
}

func TestMigrationFromV6(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "legacy.db")
	openV6(t, path)

	s, err := Open(ctx, Options{Path: path})
	require.NoError(t, err)

	res := s.LastMigration()
	assert.Equal(t, 6, res.FromVersion)
	assert.Equal(t, 8, res.ToVersion)
	assert.Equal(t, 2, res.MigrationsRun)
	assert.Positive(t, res.Statements)

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, v)

	entries, err := s.ReadAll(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "legacy", entries[0].Message.Content)
	// legacy ties put the message before the tool call
	assert.Equal(t, "after tool", entries[1].Message.Content)
	assert.Equal(t, "tc-1", entries[2].ToolCall.ToolCallID)

	// new writes continue after the backfilled sequence
	require.NoError(t, s.AppendMessage(ctx, 1, 2, "new", 0, RoleAssistant))
	entries, err = s.ReadAll(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(4), entries[len(entries)-1].Seq)
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, Options{Path: path})
	require.NoError(t, err)
	defer reopened.Close()

	again := reopened.LastMigration()
	assert.Equal(t, 8, again.FromVersion)
	assert.Equal(t, 0, again.MigrationsRun)
	assert.Equal(t, 0, again.Statements)
}

func TestMigrationsAreRerunnable(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open(DriverCGO, ":memory:")
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)

	_, err = migrate(ctx, db, CurrentSchemaVersion)
	require.NoError(t, err)

	// a crash before the version insert leaves an older number behind; the
	// same migrations must apply cleanly over the finished schema
	_, err = db.ExecContext(ctx, "DELETE FROM schema_versions")
	require.NoError(t, err)

	res, err := migrate(ctx, db, CurrentSchemaVersion)
	require.NoError(t, err)
	assert.Equal(t, 0, res.FromVersion)
	assert.Equal(t, CurrentSchemaVersion, res.ToVersion)
}

func TestNewerSchemaIsRejected(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "future.db")

	s, err := Open(ctx, Options{Path: path})
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, "INSERT INTO schema_versions (version) VALUES (99)")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(ctx, Options{Path: path})
	assert.Error(t, err)
}

func TestMigrationErrorUnwraps(t *testing.T) {
	inner := errors.New("disk full")
	err := error(&MigrationError{From: 6, Err: inner})
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "v6")
}
