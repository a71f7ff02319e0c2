package repository

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/inbox-triage-back/internal/domain"
)

func sampleEmails() []domain.ProcessedEmail {
	due := time.Date(2024, 11, 29, 17, 0, 0, 0, time.UTC)
	start := time.Date(2024, 11, 25, 14, 0, 0, 0, time.FixedZone("BRT", -3*3600))
	end := start.Add(90 * time.Minute)
	return []domain.ProcessedEmail{
		{
			ID:        "b-uuid",
			MessageID: "msg-2",
			From:      "team@company.com",
			Subject:   "Team Meeting - Q4 Planning",
			Date:      time.Date(2024, 11, 25, 9, 0, 0, 0, time.UTC),
			Preview:   "Join us for our quarterly planning session.",
			BodyHTML:  "<p>Join us {{not a template}}</p>",
			Summary:   "Quarterly planning",
			Category:  "work",
			Todos:     []domain.Todo{{Title: "Prepare Q3 numbers", Notes: "slides", Due: &due, Priority: 1}},
			Events: []domain.Event{{
				Title:    "Q4 Planning",
				Location: "Conference Room A",
				Start:    &start,
				End:      &end,
			}},
		},
		{
			ID:       "a-uuid",
			From:     "boss@company.com",
			Subject:  "Action Required: Complete Expense Report",
			Date:     time.Date(2024, 11, 22, 16, 30, 0, 0, time.UTC),
			Preview:  "Please submit your October expense report by end of week.",
			Todos:    []domain.Todo{{Title: "Submit expense report", Priority: 5}},
			Events:   []domain.Event{},
			Category: "work",
		},
	}
}

// exerciseRepository checks the behavior every backend shares.
func exerciseRepository(t *testing.T, repo EmailsRepository) {
	t.Helper()
	ctx := context.Background()

	emails, err := repo.LoadProcessed(ctx)
	require.NoError(t, err)
	assert.NotNil(t, emails)
	assert.Empty(t, emails)

	status, err := repo.LoadStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.RefreshStateIdle, status.Status)

	_, err = repo.GetProcessed(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	input := sampleEmails()
	require.NoError(t, repo.SaveProcessed(ctx, input))

	loaded, err := repo.LoadProcessed(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "b-uuid", loaded[0].ID, "saved order is kept")
	assertSameEmail(t, input[0], loaded[0])
	assertSameEmail(t, input[1], loaded[1])

	one, err := repo.GetProcessed(ctx, "a-uuid")
	require.NoError(t, err)
	assertSameEmail(t, input[1], one)

	require.NoError(t, repo.SaveProcessed(ctx, input[1:]))
	loaded, err = repo.LoadProcessed(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1, "save is a full overwrite")
	_, err = repo.GetProcessed(ctx, "b-uuid")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, repo.SaveProcessed(ctx, nil))
	loaded, err = repo.LoadProcessed(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)

	saved := domain.RefreshStatus{
		Status:      domain.RefreshStateCompleted,
		Message:     "Processed 2 emails",
		LastUpdated: time.Date(2024, 11, 25, 10, 0, 0, 0, time.FixedZone("CET", 3600)),
		Count:       2,
	}
	require.NoError(t, repo.SaveStatus(ctx, saved))
	status, err = repo.LoadStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, saved.Status, status.Status)
	assert.Equal(t, saved.Message, status.Message)
	assert.Equal(t, saved.Count, status.Count)
	assert.True(t, saved.LastUpdated.Equal(status.LastUpdated))
	assert.Equal(t, time.UTC, status.LastUpdated.Location())

	saved.Status = domain.RefreshStateError
	saved.Message = "boom"
	saved.Count = 0
	require.NoError(t, repo.SaveStatus(ctx, saved))
	status, err = repo.LoadStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.RefreshStateError, status.Status)
	assert.Equal(t, "boom", status.Message)
}

func assertSameEmail(t *testing.T, want domain.ProcessedEmail, got domain.ProcessedEmail) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.MessageID, got.MessageID)
	assert.Equal(t, want.From, got.From)
	assert.Equal(t, want.Subject, got.Subject)
	assert.True(t, want.Date.Equal(got.Date), "date %s != %s", want.Date, got.Date)
	assert.Equal(t, time.UTC, got.Date.Location())
	assert.Equal(t, want.Preview, got.Preview)
	assert.Equal(t, want.BodyHTML, got.BodyHTML)
	assert.Equal(t, want.Summary, got.Summary)
	assert.Equal(t, want.Category, got.Category)

	require.Len(t, got.Todos, len(want.Todos))
	for i := range want.Todos {
		assert.Equal(t, want.Todos[i].Title, got.Todos[i].Title)
		assert.Equal(t, want.Todos[i].Notes, got.Todos[i].Notes)
		assert.Equal(t, want.Todos[i].Priority, got.Todos[i].Priority)
		assertSameTime(t, want.Todos[i].Due, got.Todos[i].Due)
	}
	require.Len(t, got.Events, len(want.Events))
	for i := range want.Events {
		assert.Equal(t, want.Events[i].Title, got.Events[i].Title)
		assert.Equal(t, want.Events[i].Location, got.Events[i].Location)
		assert.Equal(t, want.Events[i].AllDay, got.Events[i].AllDay)
		assertSameTime(t, want.Events[i].Start, got.Events[i].Start)
		assertSameTime(t, want.Events[i].End, got.Events[i].End)
	}
}

func assertSameTime(t *testing.T, want *time.Time, got *time.Time) {
	t.Helper()
	if want == nil {
		assert.Nil(t, got)
		return
	}
	require.NotNil(t, got)
	assert.True(t, want.Equal(*got), "time %s != %s", want, got)
}

func TestMemoryRepository(t *testing.T) {
	exerciseRepository(t, NewMemoryRepository())
}

func TestMemoryRepositoryIsolatesCallers(t *testing.T) {
	repo := NewMemoryRepository()
	input := sampleEmails()
	require.NoError(t, repo.SaveProcessed(context.Background(), input))

	input[0].Todos[0].Title = "mutated"
	loaded, err := repo.LoadProcessed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Prepare Q3 numbers", loaded[0].Todos[0].Title)
}

func TestFileRepository(t *testing.T) {
	repo, err := NewFileRepository(t.TempDir())
	require.NoError(t, err)
	exerciseRepository(t, repo)
}

func TestFileRepositoryWritesAtomically(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewFileRepository(dir)
	require.NoError(t, err)

	require.NoError(t, repo.SaveProcessed(context.Background(), sampleEmails()))
	require.NoError(t, repo.SaveStatus(context.Background(), domain.IdleStatus()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	assert.ElementsMatch(t, []string{processedFileName, statusFileName}, names, "no temp files are left behind")

	data, err := os.ReadFile(filepath.Join(dir, processedFileName))
	require.NoError(t, err)
	for _, field := range []string{`"from_addr"`, `"body_html"`, `"todos"`, `"start_date"`, `"all_day"`} {
		assert.True(t, strings.Contains(string(data), field), "missing %s", field)
	}
}

func TestFileRepositoryRejectsCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, processedFileName), []byte("{not json"), 0o644))
	repo, err := NewFileRepository(dir)
	require.NoError(t, err)

	_, err = repo.LoadProcessed(context.Background())
	require.Error(t, err)
}

func TestSQLiteRepository(t *testing.T) {
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "inbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	exerciseRepository(t, repo)
}

func TestSQLiteRepositoryMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inbox.db")
	repo, err := NewSQLiteRepository(path)
	require.NoError(t, err)
	require.NoError(t, repo.SaveProcessed(context.Background(), sampleEmails()))
	require.NoError(t, repo.Close())

	reopened, err := NewSQLiteRepository(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	var version int
	require.NoError(t, reopened.db.Get(&version, "SELECT MAX(version) FROM schema_version"))
	assert.Equal(t, len(sqliteMigrations), version)

	loaded, err := reopened.LoadProcessed(context.Background())
	require.NoError(t, err)
	assert.Len(t, loaded, 2)
}
