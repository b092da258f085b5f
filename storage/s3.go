package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"
	"time"

	"github.com/migadu/spoold/logger"
	"github.com/migadu/spoold/pkg/metrics"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Storage stores bodies in an S3-compatible bucket below an optional
// prefix.
type S3Storage struct {
	Client        *minio.Client
	BucketName    string
	Prefix        string
	Encrypt       bool
	EncryptionKey []byte
}

func NewS3Storage(endpoint, accessKeyID, secretAccessKey, bucketName, prefix string, useSSL, debug bool) (*S3Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		logger.Error("Storage: failed to initialize MinIO client", "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	if debug {
		client.TraceOn(os.Stdout)
	}

	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Storage{
		Client:     client,
		BucketName: bucketName,
		Prefix:     prefix,
	}, nil
}

// EnableEncryption turns on AES-256-GCM with a hex encoded 32 byte key.
func (s *S3Storage) EnableEncryption(encryptionKey string) error {
	if encryptionKey == "" {
		return fmt.Errorf("encryption key is required when encryption is enabled")
	}
	masterKey, err := hex.DecodeString(encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(masterKey) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes (64 hex characters)")
	}

	s.Encrypt = true
	s.EncryptionKey = masterKey
	logger.Info("Storage: client-side encryption enabled")
	return nil
}

func (s *S3Storage) objectName(key string) string {
	if len(key) < 2 {
		return s.Prefix + key
	}
	return s.Prefix + key[:2] + "/" + key
}

func (s *S3Storage) keyFromObject(name string) string {
	name = strings.TrimPrefix(name, s.Prefix)
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		return name[i+1:]
	}
	return name
}

func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Client.StatObject(ctx, s.BucketName, s.objectName(key), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat object %s: %w", key, err)
}

func (s *S3Storage) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	start := time.Now()

	if s.Encrypt {
		data, err := io.ReadAll(body)
		if err != nil {
			metrics.BodyStoreErrors.WithLabelValues("put", "read_error").Inc()
			return fmt.Errorf("failed to read data for encryption: %w", err)
		}
		encrypted, err := s.encryptData(data)
		if err != nil {
			metrics.BodyStoreErrors.WithLabelValues("put", "encryption_error").Inc()
			return fmt.Errorf("failed to encrypt data: %w", err)
		}
		body = bytes.NewReader(encrypted)
		size = int64(len(encrypted))
	}

	_, err := s.Client.PutObject(ctx, s.BucketName, s.objectName(key), body, size,
		minio.PutObjectOptions{SendContentMd5: true, ContentType: "message/rfc822"})
	if err != nil {
		metrics.BodyStoreErrors.WithLabelValues("put", classifyS3Error(err)).Inc()
	}
	observeBodyOp("put", start, err)
	return err
}

// Touch copies the object onto itself, which gives it a new LastModified.
// S3 only allows that copy when the metadata is replaced.
func (s *S3Storage) Touch(ctx context.Context, key string) error {
	name := s.objectName(key)
	_, err := s.Client.CopyObject(ctx,
		minio.CopyDestOptions{
			Bucket:          s.BucketName,
			Object:          name,
			ReplaceMetadata: true,
			UserMetadata:    map[string]string{"Content-Type": "message/rfc822"},
		},
		minio.CopySrcOptions{Bucket: s.BucketName, Object: name})
	if err != nil {
		metrics.BodyStoreErrors.WithLabelValues("touch", classifyS3Error(err)).Inc()
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", ErrBodyNotFound, key)
		}
		return fmt.Errorf("failed to touch object %s: %w", key, err)
	}
	return nil
}

func (s *S3Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()

	object, err := s.Client.GetObject(ctx, s.BucketName, s.objectName(key), minio.GetObjectOptions{})
	if err == nil {
		// GetObject is lazy; Stat surfaces a missing key here rather
		// than on the first Read.
		_, err = object.Stat()
		if err != nil {
			object.Close()
		}
	}
	if err != nil {
		if isNotFound(err) {
			err = fmt.Errorf("%w: %s", ErrBodyNotFound, key)
		} else {
			metrics.BodyStoreErrors.WithLabelValues("get", classifyS3Error(err)).Inc()
		}
		observeBodyOp("get", start, err)
		return nil, err
	}

	if !s.Encrypt {
		observeBodyOp("get", start, nil)
		return object, nil
	}

	encrypted, err := io.ReadAll(object)
	if cerr := object.Close(); cerr != nil {
		logger.Warn("Storage: failed to close S3 object", "key", key, "error", cerr)
	}
	if err != nil {
		observeBodyOp("get", start, err)
		return nil, fmt.Errorf("failed to read encrypted data: %w", err)
	}
	plaintext, err := s.decryptData(encrypted)
	if err != nil {
		metrics.BodyStoreErrors.WithLabelValues("get", "decryption_error").Inc()
		observeBodyOp("get", start, err)
		return nil, fmt.Errorf("failed to decrypt data: %w", err)
	}
	observeBodyOp("get", start, nil)
	return io.NopCloser(bytes.NewReader(plaintext)), nil
}

func (s *S3Storage) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.Client.RemoveObject(ctx, s.BucketName, s.objectName(key), minio.RemoveObjectOptions{})
	if err != nil && isNotFound(err) {
		err = nil
	}
	if err != nil {
		metrics.BodyStoreErrors.WithLabelValues("delete", classifyS3Error(err)).Inc()
	}
	observeBodyOp("delete", start, err)
	return err
}

func (s *S3Storage) List(ctx context.Context) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		opts := minio.ListObjectsOptions{Prefix: s.Prefix, Recursive: true}
		for object := range s.Client.ListObjects(ctx, s.BucketName, opts) {
			if object.Err != nil {
				yield(ObjectInfo{}, fmt.Errorf("failed to list bodies: %w", object.Err))
				return
			}
			info := ObjectInfo{
				Key:          s.keyFromObject(object.Key),
				Size:         object.Size,
				LastModified: object.LastModified,
			}
			if !yield(info, nil) {
				return
			}
		}
	}
}

func (s *S3Storage) encryptData(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.EncryptionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *S3Storage) decryptData(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.EncryptionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func isNotFound(err error) bool {
	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) {
		return minioErr.StatusCode == 404 || minioErr.Code == "NoSuchKey"
	}
	return false
}

// classifyS3Error labels S3 errors for metrics.
func classifyS3Error(err error) string {
	if err == nil {
		return "none"
	}
	errStr := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case strings.Contains(errStr, "AccessDenied") || strings.Contains(errStr, "Forbidden"):
		return "access_denied"
	case strings.Contains(errStr, "NoSuchKey") || strings.Contains(errStr, "NotFound"):
		return "not_found"
	case strings.Contains(errStr, "SlowDown") || strings.Contains(errStr, "RequestLimitExceeded"):
		return "throttled"
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		return "network_error"
	default:
		return "unknown"
	}
}
