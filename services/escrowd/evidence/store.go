package evidence

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"mime"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// MaxSize caps a single evidence file.
const MaxSize = 10 << 20

// Store persists dispute evidence and returns a URL for it.
type Store interface {
	Store(ctx context.Context, data []byte, filename string) (string, error)
}

type objectAPI interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config holds configuration for S3Store.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // MinIO, LocalStack
	Prefix   string
	// PublicBaseURL, when set, prefixes returned object keys. Otherwise an
	// s3:// URL is returned.
	PublicBaseURL string
}

// S3Store keeps evidence content-addressed in a bucket.
type S3Store struct {
	client objectAPI
	bucket string
	prefix string
	public string
}

// NewS3Store loads the default AWS credential chain and builds a client.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("evidence: bucket required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("evidence: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Store(client, cfg), nil
}

func newS3Store(client objectAPI, cfg S3Config) *S3Store {
	return &S3Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		public: strings.TrimRight(cfg.PublicBaseURL, "/"),
	}
}

// Store uploads data under its SHA-256 digest. Uploading identical bytes twice
// is a no-op that returns the same URL.
func (s *S3Store) Store(ctx context.Context, data []byte, filename string) (string, error) {
	key, contentType, err := objectKey(s.prefix, data, filename)
	if err != nil {
		return "", err
	}
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err == nil {
		return s.url(key), nil
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata:    map[string]string{"filename": path.Base(filename)},
	})
	if err != nil {
		return "", fmt.Errorf("evidence: s3 put: %w", err)
	}
	return s.url(key), nil
}

func (s *S3Store) url(key string) string {
	if s.public != "" {
		return s.public + "/" + key
	}
	return "s3://" + s.bucket + "/" + key
}

// MemoryStore keeps evidence in process. Used for local runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (m *MemoryStore) Store(_ context.Context, data []byte, filename string) (string, error) {
	key, _, err := objectKey("", data, filename)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return "mem://" + key, nil
}

// Get returns a stored object by the URL Store returned.
func (m *MemoryStore) Get(url string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[strings.TrimPrefix(url, "mem://")]
	return data, ok
}

func objectKey(prefix string, data []byte, filename string) (string, string, error) {
	if len(data) == 0 {
		return "", "", fmt.Errorf("evidence: empty file")
	}
	if len(data) > MaxSize {
		return "", "", fmt.Errorf("evidence: file exceeds %d bytes", MaxSize)
	}
	sum := sha256.Sum256(data)
	ext := strings.ToLower(path.Ext(path.Base(strings.TrimSpace(filename))))
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return prefix + hex.EncodeToString(sum[:]) + ext, contentType, nil
}
