package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSStorage implements Storage on a Google Cloud Storage bucket
type GCSStorage struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

// NewGCSStorage connects to bucket. prefix is prepended to every object
// name, e.g. "recordings".
func NewGCSStorage(ctx context.Context, bucketName, prefix string) (*GCSStorage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	bucket := client.Bucket(bucketName)
	if _, err := bucket.Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to access bucket %s: %w", bucketName, err)
	}
	return &GCSStorage{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (s *GCSStorage) object(name string) (*storage.ObjectHandle, string, error) {
	cleaned, err := Clean(name)
	if err != nil {
		return nil, "", err
	}
	if s.prefix != "" {
		cleaned = s.prefix + "/" + cleaned
	}
	return s.bucket.Object(cleaned), cleaned, nil
}

func (s *GCSStorage) Write(ctx context.Context, name string, data []byte) error {
	w, err := s.Create(ctx, name)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return nil
}

func (s *GCSStorage) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	obj, _, err := s.object(name)
	if err != nil {
		return nil, err
	}
	w := obj.NewWriter(ctx)
	w.ContentType = ContentType(name)
	w.CacheControl = CacheControl(name)
	return w, nil
}

// Open downloads the object; GCS readers cannot seek
func (s *GCSStorage) Open(ctx context.Context, name string) (io.ReadSeekCloser, error) {
	data, err := s.Read(ctx, name)
	if err != nil {
		return nil, err
	}
	return nopCloser{bytes.NewReader(data)}, nil
}

type nopCloser struct {
	io.ReadSeeker
}

func (nopCloser) Close() error { return nil }

func (s *GCSStorage) Read(ctx context.Context, name string) ([]byte, error) {
	obj, _, err := s.object(name)
	if err != nil {
		return nil, err
	}
	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, gcsError(err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}
	return data, nil
}

func (s *GCSStorage) Delete(ctx context.Context, name string) error {
	obj, _, err := s.object(name)
	if err != nil {
		return err
	}
	if err := obj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete from GCS: %w", err)
	}
	return nil
}

func (s *GCSStorage) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.Size(ctx, name)
	if errors.Is(err, ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (s *GCSStorage) Size(ctx context.Context, name string) (int64, error) {
	obj, _, err := s.object(name)
	if err != nil {
		return 0, err
	}
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return 0, gcsError(err)
	}
	return attrs.Size, nil
}

func (s *GCSStorage) List(ctx context.Context, dir string) ([]string, error) {
	_, prefix, err := s.object(dir)
	if err != nil {
		return nil, err
	}
	prefix += "/"

	it := s.bucket.Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})
	var files []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list GCS objects: %w", err)
		}
		if attrs.Name == "" {
			continue // a sub-directory prefix
		}
		files = append(files, strings.TrimPrefix(attrs.Name, prefix))
	}
	return files, nil
}

// SignedURL returns a time limited download URL for name
func (s *GCSStorage) SignedURL(name string, expiration time.Duration) (string, error) {
	_, objectPath, err := s.object(name)
	if err != nil {
		return "", err
	}
	url, err := s.bucket.SignedURL(objectPath, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(expiration),
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate signed URL: %w", err)
	}
	return url, nil
}

// Close releases the GCS client
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

func gcsError(err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: %v", ErrNotExist, err)
	}
	return fmt.Errorf("GCS: %w", err)
}
