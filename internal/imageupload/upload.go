// Package imageupload stores instance snapshots as images in an S3 bucket.
//
// An image is stored under its image ID: one object per volume of the
// snapshot chain, parents first, and a manifest that lists them.
//
//	<prefix><image id>/0            first parent of the chain
//	<prefix><image id>/manifest.json
package imageupload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-logr/logr"
	jujuerrors "github.com/juju/errors"

	"github.com/jbweber/crucible/api/v1alpha1"
	"github.com/jbweber/crucible/internal/hypervisor"
)

// ObjectAPI is the S3 call this package makes. *s3.Client satisfies it.
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// VolumeReader streams the contents of a disk. *storage.Manager satisfies
// it.
type VolumeReader interface {
	ReadVolume(ctx context.Context, ref hypervisor.Ref, w io.Writer) error
}

// Manifest describes a stored image.
type Manifest struct {
	ImageID  string   `json:"image_id"`
	Instance string   `json:"instance_uuid"`
	Parts    []string `json:"parts"`
}

// Uploader uploads snapshot chains to one bucket.
type Uploader struct {
	api      ObjectAPI
	volumes  VolumeReader
	bucket   string
	prefix   string
	spoolDir string
	log      logr.Logger
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithPrefix puts every object key under prefix.
func WithPrefix(prefix string) Option {
	return func(u *Uploader) { u.prefix = prefix }
}

// WithSpoolDir sets where volumes are staged before upload. The default is
// the system temporary directory.
func WithSpoolDir(dir string) Option {
	return func(u *Uploader) { u.spoolDir = dir }
}

// NewClient creates an S3 client from the default AWS configuration
// chain.
func NewClient(ctx context.Context, region string) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// New creates an Uploader.
func New(api ObjectAPI, volumes VolumeReader, bucket string, log logr.Logger, opts ...Option) *Uploader {
	u := &Uploader{
		api:     api,
		volumes: volumes,
		bucket:  bucket,
		log:     log.WithName("imageupload"),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// UploadImage stores the immutable parents of chain (chain[1:]) as image
// imageID. chain[0] is the disk the VM keeps writing to and is skipped.
func (u *Uploader) UploadImage(ctx context.Context, inst *v1alpha1.Instance, imageID string, chain []hypervisor.Ref) error {
	if imageID == "" {
		return jujuerrors.NotValidf("empty image id")
	}
	if len(chain) < 2 {
		return jujuerrors.NotValidf("snapshot chain of %d disks", len(chain))
	}
	log := u.log.WithValues("instance", inst.UUID(), "image", imageID)

	manifest := Manifest{ImageID: imageID, Instance: inst.UUID()}
	for seq, ref := range chain[1:] {
		key := u.key(imageID, strconv.Itoa(seq))
		if err := u.uploadVolume(ctx, inst, imageID, seq, ref, key); err != nil {
			return err
		}
		manifest.Parts = append(manifest.Parts, key)
		log.V(1).Info("uploaded image part", "disk", ref, "key", key)
	}

	body, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if _, err := u.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(u.key(imageID, "manifest.json")),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
	}); err != nil {
		return fmt.Errorf("failed to upload manifest of %s: %w", imageID, err)
	}

	log.Info("uploaded image", "parts", len(manifest.Parts), "bucket", u.bucket)
	return nil
}

// uploadVolume stages ref in a temporary file, so the object is sent with
// a known length, and puts it at key.
func (u *Uploader) uploadVolume(ctx context.Context, inst *v1alpha1.Instance, imageID string, seq int, ref hypervisor.Ref, key string) error {
	f, err := os.CreateTemp(u.spoolDir, "crucible-image-*")
	if err != nil {
		return fmt.Errorf("failed to create spool file: %w", err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	if err := u.volumes.ReadVolume(ctx, ref, f); err != nil {
		return fmt.Errorf("failed to read %s: %w", ref, err)
	}
	size, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("failed to size spool file: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind spool file: %w", err)
	}

	if _, err := u.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"instance-uuid": inst.UUID(),
			"image-id":      imageID,
			"sequence":      strconv.Itoa(seq),
		},
	}); err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

func (u *Uploader) key(imageID, name string) string {
	return u.prefix + imageID + "/" + name
}
