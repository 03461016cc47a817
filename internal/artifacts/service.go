// Package artifacts provides storage for checkpoint and output payloads
// produced by run nodes.
package artifacts

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Ref references an artifact in storage.
type Ref struct {
	// URI is the full artifact path (e.g., "s3://bucket/path/to/artifact")
	URI string `json:"uri"`

	// ContentType is the MIME type
	ContentType string `json:"content_type,omitempty"`

	// Size in bytes
	Size int64 `json:"size,omitempty"`

	// Checksum (SHA256)
	Checksum string `json:"checksum,omitempty"`

	// CreatedAt timestamp
	CreatedAt time.Time `json:"created_at,omitempty"`

	// Metadata
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Backend defines the storage backend interface.
type Backend interface {
	// Put stores data and returns an artifact reference
	Put(ctx context.Context, path string, data io.Reader, contentType string) (*Ref, error)

	// Get retrieves data for an artifact
	Get(ctx context.Context, ref *Ref) (io.ReadCloser, error)

	// Delete removes an artifact
	Delete(ctx context.Context, ref *Ref) error

	// List lists artifacts with a prefix
	List(ctx context.Context, prefix string) ([]*Ref, error)

	// PresignGet generates a presigned URL for download
	PresignGet(ctx context.Context, ref *Ref, expiry time.Duration) (string, error)

	// PresignPut generates a presigned URL for upload
	PresignPut(ctx context.Context, path string, contentType string, expiry time.Duration) (string, error)
}

// Service provides artifact operations scoped to runs and nodes.
type Service struct {
	backend Backend
}

// Config holds artifact service configuration.
type Config struct {
	// Backend type: "memory", "s3", "minio"
	Type string

	// S3/MinIO configuration
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool

	// Path prefix for all artifacts
	PathPrefix string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Type:       "memory",
		PathPrefix: "artifacts",
	}
}

// New creates a new artifact service.
func New(cfg *Config) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var backend Backend
	switch cfg.Type {
	case "memory":
		backend = NewMemoryBackend()
	case "s3", "minio":
		s3Backend, err := NewS3Backend(&S3Config{
			Endpoint:        cfg.Endpoint,
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			UseSSL:          cfg.UseSSL,
			PathPrefix:      cfg.PathPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("create s3 backend: %w", err)
		}
		backend = s3Backend
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}

	return &Service{backend: backend}, nil
}

// ArtifactPath builds the storage path for a node artifact.
func (s *Service) ArtifactPath(runID, nodeID, name string) string {
	return fmt.Sprintf("runs/%s/nodes/%s/%s", runID, nodeID, name)
}

// Store saves an artifact and returns its reference.
func (s *Service) Store(ctx context.Context, runID, nodeID, name string, data io.Reader, contentType string) (*Ref, error) {
	return s.backend.Put(ctx, s.ArtifactPath(runID, nodeID, name), data, contentType)
}

// Get retrieves an artifact.
func (s *Service) Get(ctx context.Context, ref *Ref) (io.ReadCloser, error) {
	return s.backend.Get(ctx, ref)
}

// Delete removes an artifact.
func (s *Service) Delete(ctx context.Context, ref *Ref) error {
	return s.backend.Delete(ctx, ref)
}

// ListRun lists all artifacts for a run.
func (s *Service) ListRun(ctx context.Context, runID string) ([]*Ref, error) {
	return s.backend.List(ctx, fmt.Sprintf("runs/%s/", runID))
}

// DownloadURL generates a presigned download URL.
func (s *Service) DownloadURL(ctx context.Context, ref *Ref, expiry time.Duration) (string, error) {
	return s.backend.PresignGet(ctx, ref, expiry)
}

// UploadURL generates a presigned upload URL.
func (s *Service) UploadURL(ctx context.Context, runID, nodeID, name, contentType string, expiry time.Duration) (string, error) {
	return s.backend.PresignPut(ctx, s.ArtifactPath(runID, nodeID, name), contentType, expiry)
}

// MemoryBackend provides an in-memory storage backend for testing.
type MemoryBackend struct {
	mu        sync.RWMutex
	artifacts map[string]*memoryArtifact
}

type memoryArtifact struct {
	ref  *Ref
	data []byte
}

// NewMemoryBackend creates a new in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		artifacts: make(map[string]*memoryArtifact),
	}
}

func (m *MemoryBackend) Put(ctx context.Context, path string, data io.Reader, contentType string) (*Ref, error) {
	content, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	ref := &Ref{
		URI:         fmt.Sprintf("memory://%s", path),
		ContentType: contentType,
		Size:        int64(len(content)),
		CreatedAt:   time.Now().UTC(),
	}

	m.mu.Lock()
	m.artifacts[path] = &memoryArtifact{ref: ref, data: content}
	m.mu.Unlock()
	return ref, nil
}

func (m *MemoryBackend) Get(ctx context.Context, ref *Ref) (io.ReadCloser, error) {
	path := strings.TrimPrefix(ref.URI, "memory://")

	m.mu.RLock()
	artifact, ok := m.artifacts[path]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("artifact not found: %s", ref.URI)
	}
	return io.NopCloser(strings.NewReader(string(artifact.data))), nil
}

func (m *MemoryBackend) Delete(ctx context.Context, ref *Ref) error {
	path := strings.TrimPrefix(ref.URI, "memory://")
	m.mu.Lock()
	delete(m.artifacts, path)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) List(ctx context.Context, prefix string) ([]*Ref, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var refs []*Ref
	for path, artifact := range m.artifacts {
		if strings.HasPrefix(path, prefix) {
			refs = append(refs, artifact.ref)
		}
	}
	return refs, nil
}

func (m *MemoryBackend) PresignGet(ctx context.Context, ref *Ref, expiry time.Duration) (string, error) {
	return "", fmt.Errorf("presigned URLs not supported for memory backend")
}

func (m *MemoryBackend) PresignPut(ctx context.Context, path string, contentType string, expiry time.Duration) (string, error) {
	return "", fmt.Errorf("presigned URLs not supported for memory backend")
}
