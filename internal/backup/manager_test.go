package backup

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/connector"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/models"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *LocalStorage) {
	t.Helper()
	storage, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return NewManager(storage, cfg, zaptest.NewLogger(t)), storage
}

// blockingConnector holds CreateBackup inside collection until released.
type blockingConnector struct {
	*connector.Simulated
	entered chan struct{}
	release chan struct{}
}

func (b *blockingConnector) GetSystemConfig(ctx context.Context) (map[string]any, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.Simulated.GetSystemConfig(ctx)
}

type memoryStore struct {
	mu    sync.Mutex
	metas map[string]*models.BackupMetadata
}

func (s *memoryStore) SaveBackup(ctx context.Context, meta *models.BackupMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metas[meta.ID] = meta
	return nil
}

func (s *memoryStore) GetBackup(ctx context.Context, id string) (*models.BackupMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metas[id]
	if !ok {
		return nil, ErrBackupNotFound
	}
	return m, nil
}

func (s *memoryStore) ListBackups(ctx context.Context) ([]*models.BackupMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.BackupMetadata
	for _, m := range s.metas {
		out = append(out, m)
	}
	return out, nil
}

func (s *memoryStore) DeleteBackup(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.metas, id)
	return nil
}

func TestCreateBackup_Full(t *testing.T) {
	m, storage := newTestManager(t, Config{})
	conn := connector.NewSampleSimulated("sys-1")

	meta, err := m.CreateBackup(context.Background(), conn, "rem-1", Options{Type: models.BackupFull})
	require.NoError(t, err)

	assert.Equal(t, "rem-1", meta.RemediationID)
	assert.Equal(t, "sys-1", meta.SystemID)
	assert.Equal(t, 30, meta.Retention.Days)
	assert.NotEmpty(t, meta.Checksum)

	var paths []string
	for _, it := range meta.Items {
		paths = append(paths, it.Path)
	}
	assert.Contains(t, paths, "configuration/system.json")
	assert.Contains(t, paths, "configuration/services.json")
	assert.Contains(t, paths, "database/schema.sql")
	assert.Contains(t, paths, "database/tables/users.json")
	assert.Contains(t, paths, "files/etc/app.conf")

	ok, err := storage.Exists(context.Background(), meta.ID+"/metadata.json")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, m.VerifyBackup(context.Background(), meta.ID))
}

func TestCreateBackup_FileFilters(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	conn := connector.NewSampleSimulated("sys-1")
	require.NoError(t, conn.WriteFile(context.Background(), "var/log/app.log", []byte("noise")))

	meta, err := m.CreateBackup(context.Background(), conn, "rem-1", Options{
		Type:    models.BackupFiles,
		Include: []string{"etc/**", "var/**"},
		Exclude: []string{"*.log", "security.conf"},
	})
	require.NoError(t, err)
	require.Len(t, meta.Items, 1)
	assert.Equal(t, "files/etc/app.conf", meta.Items[0].Path)
}

func TestRoundTrip_RestoresOriginalState(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"plain", Options{Type: models.BackupFull}},
		{"compressed", Options{Type: models.BackupFull, Compress: true}},
		{"encrypted", Options{Type: models.BackupFull, Encrypt: true}},
		{"compressed and encrypted", Options{Type: models.BackupFull, Compress: true, Encrypt: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m, _ := newTestManager(t, Config{EncryptionKey: "correct-horse-battery-staple"})
			conn := connector.NewSampleSimulated("sys-1")

			before, err := conn.GetSystemConfig(ctx)
			require.NoError(t, err)
			beforeJSON, _ := json.Marshal(before)
			envBefore, _ := conn.GetEnvironment(ctx)
			usersBefore, _ := conn.ExportTable(ctx, "users")
			fileBefore, _ := conn.ReadFile(ctx, "etc/app.conf")

			meta, err := m.CreateBackup(ctx, conn, "rem-1", tt.opts)
			require.NoError(t, err)

			require.NoError(t, conn.SetSystemConfig(ctx, map[string]any{"session_timeout": 5, "rogue": true}))
			require.NoError(t, conn.SetEnvironment(ctx, map[string]string{"APP_ENV": "broken"}))
			require.NoError(t, conn.ImportTable(ctx, "users", []byte(`[]`)))
			require.NoError(t, conn.WriteFile(ctx, "etc/app.conf", []byte("corrupted")))
			require.NoError(t, conn.StopService(ctx, "cache"))

			res, err := m.RestoreBackup(ctx, meta.ID, conn, RestoreOptions{Verify: true})
			require.NoError(t, err)
			assert.NotEmpty(t, res.RestorePointID)
			assert.Len(t, res.Restored, len(meta.Items))

			after, _ := conn.GetSystemConfig(ctx)
			afterJSON, _ := json.Marshal(after)
			assert.Equal(t, string(beforeJSON), string(afterJSON))
			envAfter, _ := conn.GetEnvironment(ctx)
			assert.Equal(t, envBefore, envAfter)
			usersAfter, _ := conn.ExportTable(ctx, "users")
			assert.Equal(t, usersBefore, usersAfter)
			fileAfter, _ := conn.ReadFile(ctx, "etc/app.conf")
			assert.Equal(t, fileBefore, fileAfter)
			svc, _ := conn.GetService(ctx, "cache")
			assert.Equal(t, models.ServiceRunning, svc.Status)
		})
	}
}

func TestRestore_TamperedBackupIsRejected(t *testing.T) {
	ctx := context.Background()
	m, storage := newTestManager(t, Config{})
	conn := connector.NewSampleSimulated("sys-1")

	meta, err := m.CreateBackup(ctx, conn, "rem-1", Options{Type: models.BackupConfiguration})
	require.NoError(t, err)

	require.NoError(t, storage.Write(ctx, meta.ID+"/configuration/system.json", []byte(`{"session_timeout":1}`)))
	require.NoError(t, conn.UpdateSystemConfig(ctx, map[string]any{"session_timeout": float64(99)}))

	_, err = m.RestoreBackup(ctx, meta.ID, conn, RestoreOptions{Verify: true})
	require.ErrorIs(t, err, ErrChecksumMismatch)

	cfg, _ := conn.GetSystemConfig(ctx)
	assert.Equal(t, float64(99), cfg["session_timeout"], "no item may be restored after a checksum mismatch")
	assert.ErrorIs(t, m.VerifyBackup(ctx, meta.ID), ErrChecksumMismatch)

	list, _ := m.ListBackups(ctx, Filter{})
	assert.Len(t, list, 1, "no restore point is created for a rejected restore")
}

func TestRestore_DryRunAndSelection(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Config{})
	conn := connector.NewSampleSimulated("sys-1")

	meta, err := m.CreateBackup(ctx, conn, "rem-1", Options{Type: models.BackupConfiguration})
	require.NoError(t, err)
	require.NoError(t, conn.SetEnvironment(ctx, map[string]string{"APP_ENV": "staging"}))
	require.NoError(t, conn.UpdateSystemConfig(ctx, map[string]any{"cache_ttl": float64(1)}))

	res, err := m.RestoreBackup(ctx, meta.ID, conn, RestoreOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	env, _ := conn.GetEnvironment(ctx)
	assert.Equal(t, "staging", env["APP_ENV"])

	res, err = m.RestoreBackup(ctx, meta.ID, conn, RestoreOptions{Force: true, Items: []string{"environment"}})
	require.NoError(t, err)
	assert.Empty(t, res.RestorePointID)
	assert.Equal(t, []string{"environment"}, res.Restored)
	assert.ElementsMatch(t, []string{"system", "services"}, res.Skipped)

	env, _ = conn.GetEnvironment(ctx)
	assert.Equal(t, "production", env["APP_ENV"])
	cfg, _ := conn.GetSystemConfig(ctx)
	assert.Equal(t, float64(1), cfg["cache_ttl"])
}

func TestCreateBackup_ConcurrencyLimit(t *testing.T) {
	m, _ := newTestManager(t, Config{MaxConcurrent: 3})
	blocker := &blockingConnector{
		Simulated: connector.NewSampleSimulated("sys-1"),
		entered:   make(chan struct{}, 3),
		release:   make(chan struct{}),
	}

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.CreateBackup(context.Background(), blocker, "rem", Options{Type: models.BackupConfiguration})
			errs <- err
		}()
	}
	for i := 0; i < 3; i++ {
		select {
		case <-blocker.entered:
		case <-time.After(5 * time.Second):
			t.Fatal("backups did not start")
		}
	}

	_, err := m.CreateBackup(context.Background(), connector.NewSampleSimulated("sys-2"), "rem", Options{Type: models.BackupConfiguration})
	assert.ErrorIs(t, err, ErrConcurrencyLimit)

	close(blocker.release)
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	_, err = m.CreateBackup(context.Background(), connector.NewSampleSimulated("sys-2"), "rem", Options{Type: models.BackupConfiguration})
	assert.NoError(t, err)
}

func TestCreateBackup_EncryptWithoutKey(t *testing.T) {
	ctx := context.Background()
	m, storage := newTestManager(t, Config{})

	_, err := m.CreateBackup(ctx, connector.NewSampleSimulated("sys-1"), "rem-1", Options{Type: models.BackupFull, Encrypt: true})
	require.ErrorIs(t, err, ErrEncryptionKeyMissing)

	objects, err := storage.List(ctx, ".")
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestCleanupOldBackups(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Config{DefaultRetentionDays: 30})
	conn := connector.NewSampleSimulated("sys-1")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	create := func(age time.Duration, retention *models.RetentionPolicy) string {
		m.now = func() time.Time { return now.Add(-age) }
		meta, err := m.CreateBackup(ctx, conn, "rem", Options{Type: models.BackupConfiguration, Retention: retention})
		require.NoError(t, err)
		return meta.ID
	}

	fresh := create(24*time.Hour, nil)
	old := create(31*24*time.Hour, nil)
	highPriority := create(45*24*time.Hour, &models.RetentionPolicy{Days: 30, Priority: models.RetentionHigh})
	shortLived := create(3*24*time.Hour, &models.RetentionPolicy{Days: 2})
	m.now = func() time.Time { return now }

	deleted, err := m.CleanupOldBackups(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	_, err = m.GetBackup(ctx, fresh)
	assert.NoError(t, err)
	_, err = m.GetBackup(ctx, highPriority)
	assert.NoError(t, err)
	_, err = m.GetBackup(ctx, old)
	assert.ErrorIs(t, err, ErrBackupNotFound)
	_, err = m.GetBackup(ctx, shortLived)
	assert.ErrorIs(t, err, ErrBackupNotFound)
}

func TestListBackups_Filter(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, Config{})
	a := connector.NewSampleSimulated("sys-a")
	b := connector.NewSampleSimulated("sys-b")

	_, err := m.CreateBackup(ctx, a, "rem-1", Options{Type: models.BackupConfiguration})
	require.NoError(t, err)
	_, err = m.CreateBackup(ctx, b, "rem-2", Options{Type: models.BackupDatabase})
	require.NoError(t, err)

	all, _ := m.ListBackups(ctx, Filter{})
	assert.Len(t, all, 2)
	bySystem, _ := m.ListBackups(ctx, Filter{SystemID: "sys-b"})
	require.Len(t, bySystem, 1)
	assert.Equal(t, "rem-2", bySystem[0].RemediationID)
	byType, _ := m.ListBackups(ctx, Filter{Type: models.BackupConfiguration})
	require.Len(t, byType, 1)
	assert.Equal(t, "sys-a", byType[0].SystemID)
}

func TestLoadFromStorageAndStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	storage, err := NewLocalStorage(dir)
	require.NoError(t, err)
	store := &memoryStore{metas: make(map[string]*models.BackupMetadata)}

	m := NewManager(storage, Config{}, zaptest.NewLogger(t))
	m.SetStore(store)
	meta, err := m.CreateBackup(ctx, connector.NewSampleSimulated("sys-1"), "rem-1", Options{Type: models.BackupConfiguration})
	require.NoError(t, err)
	assert.Len(t, store.metas, 1)

	fromStorage := NewManager(storage, Config{}, zaptest.NewLogger(t))
	n, err := fromStorage.LoadFromStorage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, fromStorage.VerifyBackup(ctx, meta.ID))

	fromStore := NewManager(storage, Config{}, zaptest.NewLogger(t))
	fromStore.SetStore(store)
	require.NoError(t, fromStore.LoadFromStore(ctx))
	got, err := fromStore.GetBackup(ctx, meta.ID)
	require.NoError(t, err)
	assert.Equal(t, meta.Checksum, got.Checksum)

	require.NoError(t, fromStore.DeleteBackup(ctx, meta.ID))
	assert.Empty(t, store.metas)
}
