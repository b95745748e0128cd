package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

type GCSStorage struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCSStorage(ctx context.Context, config *GCSConfig) (*GCSStorage, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required for GCS storage")
	}

	var opts []option.ClientOption
	if config.Credentials != "" {
		opts = append(opts, option.WithCredentialsFile(config.Credentials))
	}
	if config.ProjectID != "" {
		opts = append(opts, option.WithQuotaProject(config.ProjectID))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSStorage{
		client: client,
		bucket: config.Bucket,
		prefix: config.Prefix,
	}, nil
}

func (g *GCSStorage) object(id, suffix string) *storage.ObjectHandle {
	return g.client.Bucket(g.bucket).Object(objectKey(g.prefix, id, suffix))
}

func (g *GCSStorage) Store(ctx context.Context, a *Archive) error {
	w := g.object(a.ID, dataSuffix).NewWriter(ctx)
	w.ContentType = "application/x-xz"

	if _, err := io.Copy(w, a.DataReader); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			fmt.Printf("Warning: failed to close writer: %v\n", closeErr)
		}
		return fmt.Errorf("failed to write archive data: %w", err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	metaWriter := g.object(a.ID, metadataSuffix).NewWriter(ctx)
	metaWriter.ContentType = "application/json"

	if err := json.NewEncoder(metaWriter).Encode(a.Info); err != nil {
		if closeErr := metaWriter.Close(); closeErr != nil {
			fmt.Printf("Warning: failed to close metadata writer: %v\n", closeErr)
		}
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	if err := metaWriter.Close(); err != nil {
		return fmt.Errorf("failed to close metadata writer: %w", err)
	}

	return nil
}

func (g *GCSStorage) Retrieve(ctx context.Context, id string) (*Archive, error) {
	metaReader, err := g.object(id, metadataSuffix).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrArchiveNotFound, id)
		}
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	defer func() {
		if err := metaReader.Close(); err != nil {
			fmt.Printf("Warning: failed to close metadata reader: %v\n", err)
		}
	}()

	var info ArchiveInfo
	if err := json.NewDecoder(metaReader).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}

	dataReader, err := g.object(id, dataSuffix).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive data: %w", err)
	}

	return &Archive{
		ID:         id,
		Info:       info,
		DataReader: dataReader,
	}, nil
}

func (g *GCSStorage) List(ctx context.Context) ([]ArchiveInfo, error) {
	bucket := g.client.Bucket(g.bucket)

	query := &storage.Query{}
	if g.prefix != "" {
		query.Prefix = strings.TrimSuffix(g.prefix, "/") + "/"
	}

	var archives []ArchiveInfo
	it := bucket.Objects(ctx, query)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		if !strings.HasSuffix(attrs.Name, metadataSuffix) {
			continue
		}

		reader, err := bucket.Object(attrs.Name).NewReader(ctx)
		if err != nil {
			continue
		}

		var info ArchiveInfo
		decodeErr := json.NewDecoder(reader).Decode(&info)
		if err := reader.Close(); err != nil {
			fmt.Printf("Warning: failed to close reader: %v\n", err)
		}
		if decodeErr != nil {
			continue
		}

		archives = append(archives, info)
	}

	return archives, nil
}

func (g *GCSStorage) Delete(ctx context.Context, id string) error {
	if err := g.object(id, dataSuffix).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete archive data: %w", err)
	}

	if err := g.object(id, metadataSuffix).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete metadata: %w", err)
	}

	return nil
}

func (g *GCSStorage) Exists(ctx context.Context, id string) (bool, error) {
	_, err := g.object(id, metadataSuffix).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check archive existence: %w", err)
	}

	return true, nil
}

func (g *GCSStorage) Close() error {
	return g.client.Close()
}
