package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/bigdegenenergy/open-cloud-ops/remedy/internal/connector"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/logging"
	"github.com/bigdegenenergy/open-cloud-ops/remedy/pkg/models"
)

var (
	ErrBackupNotFound       = errors.New("backup: not found")
	ErrChecksumMismatch     = errors.New("backup: checksum mismatch")
	ErrConcurrencyLimit     = errors.New("backup: concurrent backup limit reached")
	ErrEncryptionKeyMissing = errors.New("backup: encryption requested but no key is configured")
)

const metadataFile = "metadata.json"

// DefaultCriticalTables are exported by database backups unless overridden.
var DefaultCriticalTables = []string{"users", "roles", "permissions", "audit_log"}

// Config tunes a Manager.
type Config struct {
	MaxConcurrent        int
	DefaultRetentionDays int
	EncryptionKey        string
	CriticalTables       []string
}

// Options control what CreateBackup captures and how it is stored.
type Options struct {
	Type     models.BackupType `json:"type"`
	Compress bool              `json:"compress"`
	Encrypt  bool              `json:"encrypt"`

	// Include and Exclude are glob patterns applied to file paths and base
	// names. A pattern ending in "/**" matches everything under a directory.
	Include   []string                `json:"include,omitempty"`
	Exclude   []string                `json:"exclude,omitempty"`
	Tables    []string                `json:"tables,omitempty"`
	Retention *models.RetentionPolicy `json:"retention,omitempty"`
}

// RestoreOptions control RestoreBackup.
type RestoreOptions struct {
	Verify bool `json:"verify"`
	// Force skips the restore point snapshot.
	Force  bool `json:"force"`
	DryRun bool `json:"dry_run"`
	// Items restricts the restore to items matching a name or logical path.
	Items []string `json:"items,omitempty"`
}

// RestoreResult reports what a restore did, or would do for a dry run.
type RestoreResult struct {
	BackupID       string   `json:"backup_id"`
	RestorePointID string   `json:"restore_point_id,omitempty"`
	Restored       []string `json:"restored"`
	Skipped        []string `json:"skipped,omitempty"`
	DryRun         bool     `json:"dry_run"`
}

// Filter narrows ListBackups.
type Filter struct {
	RemediationID string
	SystemID      string
	Type          models.BackupType
	Since         time.Time
}

// Manager creates, verifies, restores and expires backups.
type Manager struct {
	storage StorageBackend
	cfg     Config
	sem     *semaphore.Weighted
	logger  *zap.Logger
	store   MetadataStore
	now     func() time.Time

	mu      sync.RWMutex
	backups map[string]*models.BackupMetadata
}

// NewManager creates a backup Manager over the given storage backend.
func NewManager(storage StorageBackend, cfg Config, logger *zap.Logger) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.DefaultRetentionDays <= 0 {
		cfg.DefaultRetentionDays = 30
	}
	if len(cfg.CriticalTables) == 0 {
		cfg.CriticalTables = DefaultCriticalTables
	}
	return &Manager{
		storage: storage,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		logger:  logging.OrNop(logger).Named("backup"),
		now:     time.Now,
		backups: make(map[string]*models.BackupMetadata),
	}
}

// SetStore attaches a metadata index. Store failures are logged and never
// fail the backup operation itself.
func (m *Manager) SetStore(store MetadataStore) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store = store
}

// LoadFromStore rehydrates the in-memory index from the metadata store.
func (m *Manager) LoadFromStore(ctx context.Context) error {
	m.mu.RLock()
	store := m.store
	m.mu.RUnlock()
	if store == nil {
		return nil
	}

	list, err := store.ListBackups(ctx)
	if err != nil {
		return fmt.Errorf("backup: load from store: %w", err)
	}

	m.mu.Lock()
	for _, meta := range list {
		m.backups[meta.ID] = meta
	}
	m.mu.Unlock()

	m.logger.Info("loaded backup index from store", zap.Int("count", len(list)))
	return nil
}

// LoadFromStorage rebuilds the index from metadata.json documents found in
// storage.
func (m *Manager) LoadFromStorage(ctx context.Context) (int, error) {
	paths, err := m.storage.List(ctx, ".")
	if err != nil {
		return 0, fmt.Errorf("backup: list storage: %w", err)
	}

	loaded := 0
	for _, p := range paths {
		if path.Base(p) != metadataFile || strings.Count(p, "/") != 1 {
			continue
		}
		data, err := m.storage.Read(ctx, p)
		if err != nil {
			m.logger.Warn("failed to read metadata", zap.String("path", p), zap.Error(err))
			continue
		}
		var meta models.BackupMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			m.logger.Warn("failed to parse metadata", zap.String("path", p), zap.Error(err))
			continue
		}
		m.mu.Lock()
		m.backups[meta.ID] = &meta
		m.mu.Unlock()
		loaded++
	}
	return loaded, nil
}

// CreateBackup snapshots the system behind conn for remediationID. It fails
// immediately with ErrConcurrencyLimit when the concurrent backup limit is
// reached. A failed backup removes whatever it already wrote.
func (m *Manager) CreateBackup(ctx context.Context, conn connector.Connector, remediationID string, opts Options) (meta *models.BackupMetadata, err error) {
	if conn == nil {
		return nil, fmt.Errorf("backup: connector is required")
	}
	if opts.Type == "" {
		opts.Type = models.BackupFull
	}
	switch opts.Type {
	case models.BackupConfiguration, models.BackupDatabase, models.BackupFiles, models.BackupFull:
	default:
		return nil, fmt.Errorf("backup: unknown backup type %q", opts.Type)
	}

	if !m.sem.TryAcquire(1) {
		backupsTotal.WithLabelValues(string(opts.Type), "rejected").Inc()
		return nil, fmt.Errorf("%w (%d)", ErrConcurrencyLimit, m.cfg.MaxConcurrent)
	}
	defer m.sem.Release(1)

	ctx, span := tracer.Start(ctx, "backup.Create",
		trace.WithAttributes(
			attribute.String("remedy.remediation_id", remediationID),
			attribute.String("remedy.backup_type", string(opts.Type)),
		))
	defer span.End()

	now := m.now().UTC()
	id := fmt.Sprintf("bk-%s-%s", now.Format("20060102T150405"), uuid.NewString()[:8])
	written := false

	defer func() {
		if err == nil {
			return
		}
		backupsTotal.WithLabelValues(string(opts.Type), "failure").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if written {
			if delErr := m.storage.Delete(context.WithoutCancel(ctx), id); delErr != nil {
				m.logger.Warn("failed to clean up partial backup", zap.String("backup_id", id), zap.Error(delErr))
			}
		}
		m.logger.Error("backup failed", zap.String("backup_id", id), zap.Error(err))
	}()

	raw, err := m.collect(ctx, conn, opts)
	if err != nil {
		return nil, err
	}

	var key []byte
	if opts.Encrypt {
		if m.cfg.EncryptionKey == "" {
			return nil, ErrEncryptionKeyMissing
		}
		if key, err = cipherFor(m.cfg.EncryptionKey); err != nil {
			return nil, err
		}
	}

	retention := models.RetentionPolicy{Days: m.cfg.DefaultRetentionDays, Priority: models.RetentionNormal}
	if opts.Retention != nil {
		retention = *opts.Retention
		if retention.Days <= 0 {
			retention.Days = m.cfg.DefaultRetentionDays
		}
		if retention.Priority == "" {
			retention.Priority = models.RetentionNormal
		}
	}

	meta = &models.BackupMetadata{
		ID:            id,
		Timestamp:     now,
		RemediationID: remediationID,
		SystemID:      conn.SystemID(),
		Type:          opts.Type,
		Encrypted:     opts.Encrypt,
		Compressed:    opts.Compress,
		Retention:     retention,
	}

	stored := make(map[string][]byte, len(raw))
	for _, it := range raw {
		data := it.data
		storedPath := it.item.Path
		if opts.Compress {
			if data, err = compress(data); err != nil {
				return nil, err
			}
			storedPath += compressedExt
		}
		if opts.Encrypt {
			if data, err = encrypt(key, data); err != nil {
				return nil, err
			}
			storedPath += encryptedExt
		}

		written = true
		if err = m.storage.Write(ctx, id+"/"+storedPath, data); err != nil {
			return nil, fmt.Errorf("backup: write %s: %w", storedPath, err)
		}

		item := it.item
		item.Path = storedPath
		meta.Items = append(meta.Items, item)
		meta.SizeBytes += int64(len(data))
		stored[storedPath] = data
	}
	meta.Checksum = aggregateChecksum(stored)

	doc, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("backup: marshal metadata: %w", err)
	}
	written = true
	if err = m.storage.Write(ctx, id+"/"+metadataFile, doc); err != nil {
		return nil, fmt.Errorf("backup: write metadata: %w", err)
	}

	m.mu.Lock()
	m.backups[id] = meta
	store := m.store
	m.mu.Unlock()

	if store != nil {
		m.logStoreErr("save", store.SaveBackup(ctx, meta))
	}

	backupsTotal.WithLabelValues(string(opts.Type), "success").Inc()
	backupSize.Observe(float64(meta.SizeBytes))
	span.SetStatus(codes.Ok, "")
	m.logger.Info("backup created",
		zap.String("backup_id", id),
		zap.String("remediation_id", remediationID),
		zap.String("type", string(opts.Type)),
		zap.Int("items", len(meta.Items)),
		zap.Int64("size_bytes", meta.SizeBytes))

	cp := cloneMeta(meta)
	return cp, nil
}

type rawItem struct {
	item models.BackupItem
	data []byte
}

func (m *Manager) collect(ctx context.Context, conn connector.Connector, opts Options) ([]rawItem, error) {
	var items []rawItem
	add := func(typ models.BackupType, name, p, original string, data []byte) {
		items = append(items, rawItem{
			item: models.BackupItem{
				Name:         name,
				Type:         typ,
				Path:         p,
				OriginalPath: original,
				Size:         int64(len(data)),
				Checksum:     checksum(data),
			},
			data: data,
		})
	}

	if opts.Type == models.BackupConfiguration || opts.Type == models.BackupFull {
		cfg, err := conn.GetSystemConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("backup: read system config: %w", err)
		}
		services, err := conn.ListServices(ctx)
		if err != nil {
			return nil, fmt.Errorf("backup: list services: %w", err)
		}
		env, err := conn.GetEnvironment(ctx)
		if err != nil {
			return nil, fmt.Errorf("backup: read environment: %w", err)
		}
		for _, doc := range []struct {
			name string
			v    any
		}{{"system", cfg}, {"services", services}, {"environment", env}} {
			data, err := json.MarshalIndent(doc.v, "", "  ")
			if err != nil {
				return nil, fmt.Errorf("backup: marshal %s: %w", doc.name, err)
			}
			add(models.BackupConfiguration, doc.name, "configuration/"+doc.name+".json", "config:"+doc.name, data)
		}
	}

	if opts.Type == models.BackupDatabase || opts.Type == models.BackupFull {
		schema, err := conn.ExportSchema(ctx)
		if err != nil {
			return nil, fmt.Errorf("backup: export schema: %w", err)
		}
		add(models.BackupDatabase, "schema", "database/schema.sql", "db:schema", schema)

		tables := opts.Tables
		if len(tables) == 0 {
			tables = m.cfg.CriticalTables
		}
		for _, t := range tables {
			data, err := conn.ExportTable(ctx, t)
			if errors.Is(err, connector.ErrNotFound) {
				m.logger.Debug("table not present, skipping", zap.String("table", t))
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("backup: export table %s: %w", t, err)
			}
			add(models.BackupDatabase, "table:"+t, "database/tables/"+t+".json", "db:table:"+t, data)
		}
	}

	if opts.Type == models.BackupFiles || opts.Type == models.BackupFull {
		files, err := conn.ListFiles(ctx)
		if err != nil {
			return nil, fmt.Errorf("backup: list files: %w", err)
		}
		for _, f := range files {
			if !selected(f, opts.Include, opts.Exclude) {
				continue
			}
			data, err := conn.ReadFile(ctx, f)
			if err != nil {
				return nil, fmt.Errorf("backup: read file %s: %w", f, err)
			}
			add(models.BackupFiles, f, "files/"+f, f, data)
		}
	}

	return items, nil
}

// RestoreBackup restores backup id onto the system behind conn. With Verify
// set, the aggregate checksum is checked before anything is restored. Unless
// Force is set, a restore point of the current state is taken first.
func (m *Manager) RestoreBackup(ctx context.Context, id string, conn connector.Connector, opts RestoreOptions) (*RestoreResult, error) {
	ctx, span := tracer.Start(ctx, "backup.Restore", trace.WithAttributes(attribute.String("remedy.backup_id", id)))
	defer span.End()

	meta, err := m.GetBackup(ctx, id)
	if err != nil {
		return nil, err
	}
	if conn == nil && !opts.DryRun {
		return nil, fmt.Errorf("backup: connector is required")
	}

	stored, err := m.readItems(ctx, meta)
	if err != nil {
		if opts.Verify {
			restoresTotal.WithLabelValues("checksum_mismatch").Inc()
			return nil, fmt.Errorf("%w: %v", ErrChecksumMismatch, err)
		}
		return nil, err
	}
	if opts.Verify {
		if got := aggregateChecksum(stored); got != meta.Checksum {
			restoresTotal.WithLabelValues("checksum_mismatch").Inc()
			span.SetStatus(codes.Error, "checksum mismatch")
			m.logger.Error("backup checksum mismatch, refusing restore",
				zap.String("backup_id", id), zap.String("expected", meta.Checksum), zap.String("actual", got))
			return nil, fmt.Errorf("%w: backup %s", ErrChecksumMismatch, id)
		}
	}

	result := &RestoreResult{BackupID: id, DryRun: opts.DryRun, Restored: []string{}}
	var chosen []models.BackupItem
	for _, item := range meta.Items {
		if itemSelected(item, opts.Items) {
			chosen = append(chosen, item)
			result.Restored = append(result.Restored, item.Name)
		} else {
			result.Skipped = append(result.Skipped, item.Name)
		}
	}

	if opts.DryRun {
		return result, nil
	}

	var key []byte
	if meta.Encrypted {
		if m.cfg.EncryptionKey == "" {
			return nil, ErrEncryptionKeyMissing
		}
		if key, err = cipherFor(m.cfg.EncryptionKey); err != nil {
			return nil, err
		}
	}

	decoded := make(map[string][]byte, len(chosen))
	for _, item := range chosen {
		data := stored[item.Path]
		if meta.Encrypted {
			if data, err = decrypt(key, data); err != nil {
				return nil, fmt.Errorf("backup: item %s: %w", item.Name, err)
			}
		}
		if meta.Compressed {
			if data, err = decompress(data); err != nil {
				return nil, fmt.Errorf("backup: item %s: %w", item.Name, err)
			}
		}
		if opts.Verify && checksum(data) != item.Checksum {
			return nil, fmt.Errorf("%w: item %s", ErrChecksumMismatch, item.Name)
		}
		decoded[item.Path] = data
	}

	if !opts.Force {
		rp, err := m.CreateBackup(ctx, conn, "restore-point:"+id, Options{
			Type:      meta.Type,
			Compress:  meta.Compressed,
			Encrypt:   meta.Encrypted,
			Retention: &models.RetentionPolicy{Days: m.cfg.DefaultRetentionDays, Priority: models.RetentionHigh},
		})
		if err != nil {
			return nil, fmt.Errorf("backup: create restore point: %w", err)
		}
		result.RestorePointID = rp.ID
	}

	for _, item := range chosen {
		if err := applyItem(ctx, conn, item, decoded[item.Path]); err != nil {
			restoresTotal.WithLabelValues("failure").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return result, fmt.Errorf("backup: restore item %s: %w", item.Name, err)
		}
	}

	restoresTotal.WithLabelValues("success").Inc()
	m.logger.Info("backup restored",
		zap.String("backup_id", id),
		zap.String("restore_point_id", result.RestorePointID),
		zap.Int("restored", len(chosen)),
		zap.Int("skipped", len(result.Skipped)))
	return result, nil
}

// VerifyBackup recomputes the aggregate checksum of backup id.
func (m *Manager) VerifyBackup(ctx context.Context, id string) error {
	meta, err := m.GetBackup(ctx, id)
	if err != nil {
		return err
	}
	stored, err := m.readItems(ctx, meta)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChecksumMismatch, err)
	}
	if aggregateChecksum(stored) != meta.Checksum {
		return fmt.Errorf("%w: backup %s", ErrChecksumMismatch, id)
	}
	return nil
}

func (m *Manager) readItems(ctx context.Context, meta *models.BackupMetadata) (map[string][]byte, error) {
	stored := make(map[string][]byte, len(meta.Items))
	for _, item := range meta.Items {
		data, err := m.storage.Read(ctx, meta.ID+"/"+item.Path)
		if err != nil {
			return nil, fmt.Errorf("read item %s: %w", item.Path, err)
		}
		stored[item.Path] = data
	}
	return stored, nil
}

func applyItem(ctx context.Context, conn connector.Connector, item models.BackupItem, data []byte) error {
	logical := strings.TrimSuffix(strings.TrimSuffix(item.Path, encryptedExt), compressedExt)

	switch {
	case logical == "configuration/system.json":
		var cfg map[string]any
		if err := json.Unmarshal(data, &cfg); err != nil {
			return err
		}
		return conn.SetSystemConfig(ctx, cfg)
	case logical == "configuration/environment.json":
		var env map[string]string
		if err := json.Unmarshal(data, &env); err != nil {
			return err
		}
		return conn.SetEnvironment(ctx, env)
	case logical == "configuration/services.json":
		var services []models.ServiceInfo
		if err := json.Unmarshal(data, &services); err != nil {
			return err
		}
		for _, svc := range services {
			current, err := conn.GetService(ctx, svc.Name)
			if err != nil {
				return err
			}
			if current.Status == svc.Status {
				continue
			}
			switch svc.Status {
			case models.ServiceRunning:
				err = conn.StartService(ctx, svc.Name)
			case models.ServiceStopped:
				err = conn.StopService(ctx, svc.Name)
			}
			if err != nil {
				return err
			}
		}
		return nil
	case logical == "database/schema.sql":
		return conn.ImportSchema(ctx, data)
	case strings.HasPrefix(logical, "database/tables/"):
		table := strings.TrimSuffix(strings.TrimPrefix(logical, "database/tables/"), ".json")
		return conn.ImportTable(ctx, table, data)
	case strings.HasPrefix(logical, "files/"):
		return conn.WriteFile(ctx, strings.TrimPrefix(logical, "files/"), data)
	}
	return fmt.Errorf("unknown item path %q", item.Path)
}

// ListBackups returns backups matching filter, newest first.
func (m *Manager) ListBackups(ctx context.Context, f Filter) ([]*models.BackupMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.BackupMetadata, 0, len(m.backups))
	for _, meta := range m.backups {
		if f.RemediationID != "" && meta.RemediationID != f.RemediationID {
			continue
		}
		if f.SystemID != "" && meta.SystemID != f.SystemID {
			continue
		}
		if f.Type != "" && meta.Type != f.Type {
			continue
		}
		if !f.Since.IsZero() && meta.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, cloneMeta(meta))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// GetBackup returns the metadata of backup id.
func (m *Manager) GetBackup(ctx context.Context, id string) (*models.BackupMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	meta, ok := m.backups[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, id)
	}
	return cloneMeta(meta), nil
}

// DeleteBackup removes a backup and its stored items.
func (m *Manager) DeleteBackup(ctx context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.backups[id]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBackupNotFound, id)
	}
	delete(m.backups, id)
	store := m.store
	m.mu.Unlock()

	if err := m.storage.Delete(ctx, id); err != nil {
		m.logger.Warn("failed to delete backup storage", zap.String("backup_id", id), zap.Error(err))
	}
	if store != nil {
		m.logStoreErr("delete", store.DeleteBackup(ctx, id))
	}
	m.logger.Info("backup deleted", zap.String("backup_id", id))
	return nil
}

// CleanupOldBackups deletes every backup older than its retention window.
// High-priority backups get twice the window. It returns the number deleted.
func (m *Manager) CleanupOldBackups(ctx context.Context) (int, error) {
	now := m.now().UTC()

	m.mu.RLock()
	var expired []string
	for id, meta := range m.backups {
		if m.expired(meta, now) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	deleted := 0
	for _, id := range expired {
		if err := m.DeleteBackup(ctx, id); err != nil {
			m.logger.Warn("retention: failed to delete backup", zap.String("backup_id", id), zap.Error(err))
			continue
		}
		deleted++
	}

	m.logger.Info("retention cleanup finished", zap.Int("deleted", deleted), zap.Int("expired", len(expired)))
	return deleted, nil
}

func (m *Manager) expired(meta *models.BackupMetadata, now time.Time) bool {
	days := meta.Retention.Days
	if days <= 0 {
		days = m.cfg.DefaultRetentionDays
	}
	if meta.Retention.Priority == models.RetentionHigh {
		days *= 2
	}
	return now.Sub(meta.Timestamp) > time.Duration(days)*24*time.Hour
}

// logStoreErr logs a store persistence error without failing the operation.
// The in-memory index stays authoritative.
func (m *Manager) logStoreErr(operation string, err error) {
	if err != nil {
		m.logger.Warn("metadata store operation failed", zap.String("operation", operation), zap.Error(err))
	}
}

func selected(p string, include, exclude []string) bool {
	if len(include) > 0 && !matchAny(p, include) {
		return false
	}
	return !matchAny(p, exclude)
}

func matchAny(p string, patterns []string) bool {
	for _, pat := range patterns {
		if strings.HasSuffix(pat, "/**") {
			if strings.HasPrefix(p, strings.TrimSuffix(pat, "**")) {
				return true
			}
			continue
		}
		if ok, _ := path.Match(pat, p); ok {
			return true
		}
		if ok, _ := path.Match(pat, path.Base(p)); ok {
			return true
		}
	}
	return false
}

func itemSelected(item models.BackupItem, names []string) bool {
	if len(names) == 0 {
		return true
	}
	logical := strings.TrimSuffix(strings.TrimSuffix(item.Path, encryptedExt), compressedExt)
	for _, n := range names {
		if n == item.Name || n == item.Path || n == logical || n == item.OriginalPath || n == string(item.Type) {
			return true
		}
	}
	return false
}

func cloneMeta(meta *models.BackupMetadata) *models.BackupMetadata {
	cp := *meta
	cp.Items = append([]models.BackupItem(nil), meta.Items...)
	return &cp
}
