package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSClient stores artifacts in a JetStream object store bucket.
type NATSClient struct {
	conn      *nats.Conn
	store     nats.ObjectStore
	bucket    string
	publicURL string
	logger    *slog.Logger
}

// NewNATSClient connects to url and binds to bucket, creating it on first
// use.
func NewNATSClient(url, bucket, publicURL string, logger *slog.Logger) (*NATSClient, error) {
	conn, err := nats.Connect(url, nats.Name("hottake-artifacts"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	c, err := NewNATSClientFromConn(conn, bucket, publicURL, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewNATSClientFromConn binds an existing connection to bucket.
func NewNATSClientFromConn(conn *nats.Conn, bucket, publicURL string, logger *slog.Logger) (*NATSClient, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	store, err := js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "Generated hot take artifacts",
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucket, err)
		}
		store, err = js.ObjectStore(bucket)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucket, err)
		}
	}

	return &NATSClient{
		conn:      conn,
		store:     store,
		bucket:    bucket,
		publicURL: strings.TrimRight(publicURL, "/"),
		logger:    logger,
	}, nil
}

// UploadFile puts a local file under key and returns its address.
func (c *NATSClient) UploadFile(ctx context.Context, localPath, key, contentType string) (string, error) {
	if contentType == "" {
		contentType = ContentTypeFor(key)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	_, err = c.store.Put(&nats.ObjectMeta{
		Name:     key,
		Metadata: map[string]string{"content-type": contentType},
	}, f, nats.Context(ctx))
	if err != nil {
		return "", fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, c.bucket, err)
	}

	url := c.PublicURL(key)
	c.logger.Info("Uploaded artifact to NATS object store", "bucket", c.bucket, "key", key, "url", url)
	return url, nil
}

// PublicURL returns the HTTP address when a gateway is configured, else a
// nats:// reference.
func (c *NATSClient) PublicURL(key string) string {
	if c.publicURL != "" {
		return fmt.Sprintf("%s/%s", c.publicURL, key)
	}
	return fmt.Sprintf("nats://%s/%s", c.bucket, key)
}

func (c *NATSClient) IsConfigured() bool {
	return c != nil && c.store != nil
}

func (c *NATSClient) Close() {
	c.conn.Close()
}
