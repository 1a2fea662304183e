// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package garage stores binary artifacts in an S3-compatible bucket:
// source documents (content-addressed), ingested images, and cached
// projection datasets. Typed stores share one Backend; the production
// Backend speaks S3 through minio-go.
package garage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotFound marks a missing object.
var ErrNotFound = errors.New("garage: object not found")

// ObjectInfo summarizes one stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Backend is the minimal object-store surface the typed stores need.
type Backend interface {
	Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Stat(ctx context.Context, key string) (*ObjectInfo, error)
	Remove(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// CredentialSource yields S3 credentials from somewhere other than the
// environment, typically the encrypted key table in Postgres.
type CredentialSource interface {
	GarageCredentials(ctx context.Context) (accessKey, secretKey string, err error)
}

// Config for the S3 client. Zero values fall back to GARAGE_* env vars.
type Config struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	AccessKey string `yaml:"access_key" json:"access_key,omitempty"`
	SecretKey string `yaml:"secret_key" json:"secret_key,omitempty"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	Region    string `yaml:"region" json:"region,omitempty"`
	UseSSL    bool   `yaml:"use_ssl" json:"use_ssl,omitempty"`

	// Credentials, when set, is consulted before the env fallback.
	Credentials CredentialSource `yaml:"-" json:"-"`
}

func (c Config) withDefaults() Config {
	if c.Endpoint == "" {
		c.Endpoint = envOr("GARAGE_S3_ENDPOINT", "localhost:3900")
	}
	if c.Bucket == "" {
		c.Bucket = envOr("GARAGE_BUCKET", "kg-storage")
	}
	if c.Region == "" {
		c.Region = envOr("GARAGE_REGION", "garage")
	}
	return c
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Client is the production Backend on minio-go. Clients are stateless
// beyond the connection; many may coexist.
type Client struct {
	mc     *minio.Client
	bucket string
	logger *slog.Logger
}

// New connects to the S3 endpoint. Credentials resolve from the
// configured source first, then GARAGE_ACCESS_KEY_ID /
// GARAGE_SECRET_ACCESS_KEY.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	access, secret := cfg.AccessKey, cfg.SecretKey
	if access == "" || secret == "" {
		if cfg.Credentials != nil {
			a, s, err := cfg.Credentials.GarageCredentials(ctx)
			if err != nil {
				logger.Debug("garage credentials not available from key store", "error", err)
			} else {
				access, secret = a, s
			}
		}
	}
	if access == "" || secret == "" {
		access = os.Getenv("GARAGE_ACCESS_KEY_ID")
		secret = os.Getenv("GARAGE_SECRET_ACCESS_KEY")
	}
	if access == "" || secret == "" {
		return nil, errors.New("garage: no credentials (set GARAGE_ACCESS_KEY_ID and GARAGE_SECRET_ACCESS_KEY)")
	}

	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "https://"), "http://")
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL || strings.HasPrefix(cfg.Endpoint, "https://"),
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("garage: connecting to %s: %w", cfg.Endpoint, err)
	}

	logger.Info("garage client initialized", "endpoint", endpoint, "bucket", cfg.Bucket)
	return &Client{mc: mc, bucket: cfg.Bucket, logger: logger}, nil
}

// Bucket returns the configured bucket name.
func (c *Client) Bucket() string { return c.bucket }

// EnsureBucket creates the bucket if it does not exist. Idempotent.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("garage: checking bucket %s: %w", c.bucket, err)
	}
	if exists {
		return nil
	}
	if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		// A concurrent creator is fine.
		if exists, checkErr := c.mc.BucketExists(ctx, c.bucket); checkErr == nil && exists {
			return nil
		}
		return fmt.Errorf("garage: creating bucket %s: %w", c.bucket, err)
	}
	c.logger.Info("created bucket", "bucket", c.bucket)
	return nil
}

// HealthCheck verifies the endpoint answers for the configured bucket.
func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.mc.BucketExists(ctx, c.bucket); err != nil {
		return fmt.Errorf("garage: health check failed: %w", err)
	}
	return nil
}

func (c *Client) Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error {
	_, err := c.mc.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("garage: putting %s: %w", key, err)
	}
	return nil
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("garage: getting %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("garage: reading %s: %w", key, err)
	}
	return data, nil
}

func (c *Client) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	info, err := c.mc.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("garage: stat %s: %w", key, err)
	}
	return &ObjectInfo{Key: info.Key, Size: info.Size, LastModified: info.LastModified}, nil
}

func (c *Client) Remove(ctx context.Context, key string) error {
	if err := c.mc.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("garage: removing %s: %w", key, err)
	}
	return nil
}

func (c *Client) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for obj := range c.mc.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("garage: listing %s: %w", prefix, obj.Err)
		}
		out = append(out, ObjectInfo{Key: obj.Key, Size: obj.Size, LastModified: obj.LastModified})
	}
	return out, nil
}

// DeleteByPrefix pages through a listing and deletes every object.
// Returns the number deleted; stops at the first failing delete.
func DeleteByPrefix(ctx context.Context, b Backend, prefix string) (int, error) {
	objects, err := b.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, obj := range objects {
		if err := b.Remove(ctx, obj.Key); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}

// SanitizePathComponent makes a name safe for object keys: spaces and
// slashes become underscores.
func SanitizePathComponent(name string) string {
	return strings.NewReplacer(" ", "_", "/", "_").Replace(name)
}
