// Package backup snapshots managed-system state before risky remediations and
// restores it on demand.
//
// Each backup is a directory of items (configuration documents, schema and
// table exports, copied files) plus a metadata.json document carrying an
// aggregate checksum over every stored item. The storage layer provides a
// pluggable backend interface: the local filesystem or Amazon S3.
package backup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrObjectNotFound is returned by backends when a path does not exist.
var ErrObjectNotFound = errors.New("storage: object not found")

// StorageBackend defines the interface for backup storage operations.
// Paths are slash-separated and relative. Implementations must be safe for
// concurrent use.
type StorageBackend interface {
	// Write stores data at the given path, creating parent directories as needed.
	Write(ctx context.Context, path string, data []byte) error

	// Read retrieves data from the given path.
	Read(ctx context.Context, path string) ([]byte, error)

	// Delete removes the data at the given path, and everything under it.
	Delete(ctx context.Context, path string) error

	// List returns all paths under the given prefix, sorted alphabetically.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists checks whether data exists at the given path.
	Exists(ctx context.Context, path string) (bool, error)
}

// LocalStorage implements StorageBackend using the local filesystem.
// All paths are resolved relative to the configured root directory.
type LocalStorage struct {
	rootDir string
	mu      sync.RWMutex
}

// NewLocalStorage creates a new LocalStorage backend rooted at the given directory.
// The root directory is created if it does not exist.
func NewLocalStorage(rootDir string) (*LocalStorage, error) {
	absRoot, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to resolve root directory %q: %w", rootDir, err)
	}

	if err := os.MkdirAll(absRoot, 0o750); err != nil {
		return nil, fmt.Errorf("storage: failed to create root directory %q: %w", absRoot, err)
	}

	return &LocalStorage{rootDir: absRoot}, nil
}

// Root returns the absolute root directory.
func (s *LocalStorage) Root() string {
	return s.rootDir
}

// resolvePath joins the root directory with the given path and validates
// that the result does not escape the root directory.
func (s *LocalStorage) resolvePath(p string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(p))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("storage: invalid path %q: must be relative and not escape root", p)
	}

	fullPath := filepath.Join(s.rootDir, cleaned)
	if fullPath != s.rootDir && !strings.HasPrefix(fullPath, s.rootDir+string(filepath.Separator)) {
		return "", fmt.Errorf("storage: path %q resolves outside root directory", p)
	}
	return fullPath, nil
}

// Write stores data at the given path. Data is written to a temporary file
// and renamed into place.
func (s *LocalStorage) Write(ctx context.Context, p string, data []byte) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	fullPath, err := s.resolvePath(p)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("storage: failed to create directory %q: %w", dir, err)
	}

	tmpFile, err := os.CreateTemp(dir, ".remedy-tmp-*")
	if err != nil {
		return fmt.Errorf("storage: failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	_, writeErr := io.Copy(tmpFile, bytes.NewReader(data))
	closeErr := tmpFile.Close()
	if writeErr != nil {
		return fmt.Errorf("storage: failed to write data: %w", writeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("storage: failed to close temp file: %w", closeErr)
	}

	if err = os.Rename(tmpPath, fullPath); err != nil {
		return fmt.Errorf("storage: failed to rename temp file: %w", err)
	}
	return nil
}

// Read retrieves data from the given path on the local filesystem.
func (s *LocalStorage) Read(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fullPath, err := s.resolvePath(p)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %q", ErrObjectNotFound, p)
		}
		return nil, fmt.Errorf("storage: failed to read %q: %w", p, err)
	}
	return data, nil
}

// Delete removes the file or directory tree at the given path.
func (s *LocalStorage) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fullPath, err := s.resolvePath(p)
	if err != nil {
		return err
	}
	if fullPath == s.rootDir {
		return fmt.Errorf("storage: refusing to delete storage root")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(fullPath); err != nil {
		return fmt.Errorf("storage: failed to delete %q: %w", p, err)
	}
	return nil
}

// List returns all file paths under the given prefix, relative to the root
// directory and slash-separated. Temporary files are skipped.
func (s *LocalStorage) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fullPrefix, err := s.resolvePath(prefix)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var paths []string
	err = filepath.WalkDir(fullPrefix, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return filepath.SkipAll
			}
			return walkErr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".remedy-tmp-") {
			return nil
		}
		rel, relErr := filepath.Rel(s.rootDir, p)
		if relErr != nil {
			return relErr
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: failed to list prefix %q: %w", prefix, err)
	}

	sort.Strings(paths)
	return paths, nil
}

// Exists checks whether a file exists at the given path.
func (s *LocalStorage) Exists(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	fullPath, err := s.resolvePath(p)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := os.Stat(fullPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("storage: failed to stat %q: %w", p, err)
	}
	return true, nil
}

// S3Config configures an S3Storage backend.
type S3Config struct {
	Bucket string
	Region string
	Prefix string
	// Endpoint is a custom endpoint for S3-compatible stores. It enables
	// path-style addressing.
	Endpoint string
}

// S3Storage implements StorageBackend on Amazon S3 or an S3-compatible store.
type S3Storage struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Storage creates an S3 backend using the default AWS credential chain.
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storage: S3 bucket is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("storage: failed to load AWS config: %w", err)
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return NewS3StorageWithClient(s3.NewFromConfig(awsCfg, opts...), cfg.Bucket, cfg.Prefix), nil
}

// NewS3StorageWithClient wraps an existing S3 client.
func NewS3StorageWithClient(client *s3.Client, bucket, prefix string) *S3Storage {
	return &S3Storage{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

func (s *S3Storage) key(p string) string {
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if s.prefix == "" {
		return p
	}
	return s.prefix + "/" + p
}

func (s *S3Storage) Write(ctx context.Context, p string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("storage: s3 put %q: %w", p, err)
	}
	return nil
}

func (s *S3Storage) Read(ctx context.Context, p string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %q", ErrObjectNotFound, p)
		}
		return nil, fmt.Errorf("storage: s3 get %q: %w", p, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("storage: s3 read %q: %w", p, err)
	}
	return data, nil
}

// Delete removes the object at p and every object under p/.
func (s *S3Storage) Delete(ctx context.Context, p string) error {
	keys, err := s.listKeys(ctx, s.key(p))
	if err != nil {
		return err
	}
	for _, k := range keys {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(k),
		})
		if err != nil {
			return fmt.Errorf("storage: s3 delete %q: %w", k, err)
		}
	}
	return nil
}

func (s *S3Storage) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.listKeys(ctx, s.key(prefix))
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(keys))
	for _, k := range keys {
		if s.prefix != "" {
			k = strings.TrimPrefix(k, s.prefix+"/")
		}
		paths = append(paths, k)
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *S3Storage) Exists(ctx context.Context, p string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, fmt.Errorf("storage: s3 head %q: %w", p, err)
	}
	return true, nil
}

// listKeys returns the key itself, if it exists as an object, and every key
// under key + "/".
func (s *S3Storage) listKeys(ctx context.Context, key string) ([]string, error) {
	var keys []string
	dirPrefix := strings.TrimSuffix(key, "/") + "/"
	if key == "" || key == "." {
		dirPrefix = ""
		if s.prefix != "" {
			dirPrefix = s.prefix + "/"
		}
	}

	pager := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(strings.TrimSuffix(key, "/")),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage: s3 list %q: %w", key, err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			k := *obj.Key
			if k == key || strings.HasPrefix(k, dirPrefix) {
				keys = append(keys, k)
			}
		}
	}
	return keys, nil
}
