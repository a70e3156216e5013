package destination

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/transferd/transferd/internal/batch"
	"github.com/transferd/transferd/internal/model"
)

// s3Dest writes batches as objects. Every data object gets a _metadata.json
// sidecar describing the schema and row count, so downstream loaders do not
// have to sniff files.
type s3Dest struct {
	cfg    S3Config
	client *s3.Client
	log    zerolog.Logger

	// written tracks object keys per scope for partial cleanup.
	written map[string][]string
}

func newS3(cfg S3Config, log zerolog.Logger) *s3Dest {
	return &s3Dest{cfg: cfg, log: log, written: map[string][]string{}}
}

func (d *s3Dest) Connect(ctx context.Context) error {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(d.cfg.Region),
	}
	if d.cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(d.cfg.AccessKeyID, d.cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrConfigInvalid, err)
	}
	d.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if d.cfg.Endpoint != "" {
			o.BaseEndpoint = &d.cfg.Endpoint
			o.UsePathStyle = true
		}
	})
	return d.Ping(ctx)
}

func (d *s3Dest) Close() error { return nil }

func (d *s3Dest) Ping(ctx context.Context) error {
	_, err := d.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &d.cfg.Bucket})
	if err != nil {
		return fmt.Errorf("%w: bucket %s: %v", model.ErrConnectionFailed, d.cfg.Bucket, err)
	}
	return nil
}

// EnsureTable is a no-op: object stores have no schema to prepare.
func (d *s3Dest) EnsureTable(context.Context, string, []batch.ColumnSpec) error { return nil }

// EnsureColumns is a no-op: every object carries its own schema.
func (d *s3Dest) EnsureColumns(context.Context, string, []batch.ColumnSpec) ([]string, error) {
	return nil, nil
}

func contentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".csv", ".txt":
		return "text/csv"
	case ".json":
		return "application/x-ndjson"
	default:
		return "application/octet-stream"
	}
}

func (d *s3Dest) withPrefix(key string) string {
	prefix := strings.Trim(d.cfg.Prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

func (d *s3Dest) put(ctx context.Context, key string, body []byte, ctype string) error {
	_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &d.cfg.Bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: &ctype,
	})
	if err != nil {
		return fmt.Errorf("%w: put %s: %v", model.ErrWrite, key, err)
	}
	return nil
}

// objectMetadata is the sidecar document written next to each data object.
type objectMetadata struct {
	Table       string             `json:"table"`
	RowCount    int                `json:"row_count"`
	SizeBytes   int                `json:"size_bytes"`
	Format      string             `json:"format"`
	Columns     []batch.ColumnSpec `json:"columns"`
	GeneratedAt time.Time          `json:"generated_at"`
}

func (d *s3Dest) Write(ctx context.Context, opts Options, b *batch.RowBatch) (WriteResult, error) {
	rel := ObjectKey(opts.Path, opts.Format, opts.Mode, time.Now())
	if strings.TrimSpace(opts.Path) == "" {
		// Without a template every table must get its own directory, or
		// one table's overwrite would delete its siblings' objects.
		rel = tableKeyPrefix(opts.Table) + "/" + rel
	}
	key := d.withPrefix(rel)

	if opts.Mode == Overwrite {
		if err := d.deletePrefix(ctx, path.Dir(key)); err != nil {
			return WriteResult{}, err
		}
	}

	body, err := encodeBatch(opts.Format, b)
	if err != nil {
		return WriteResult{}, fmt.Errorf("encode %s: %w", key, err)
	}
	if err := d.put(ctx, key, body, contentType(key)); err != nil {
		return WriteResult{}, err
	}
	d.written[opts.Table] = append(d.written[opts.Table], key)

	meta := objectMetadata{
		Table:       opts.Table,
		RowCount:    b.NumRows(),
		SizeBytes:   len(body),
		Format:      string(opts.Format),
		Columns:     b.Columns,
		GeneratedAt: time.Now().UTC(),
	}
	metaBody, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return WriteResult{}, fmt.Errorf("marshal metadata: %w", err)
	}
	metaKey := path.Dir(key) + "/_metadata.json"
	if metaKey == "./_metadata.json" {
		metaKey = "_metadata.json"
	}
	if err := d.put(ctx, metaKey, metaBody, "application/json"); err != nil {
		return WriteResult{}, err
	}
	d.written[opts.Table] = append(d.written[opts.Table], metaKey)

	return WriteResult{
		RowsWritten:  int64(b.NumRows()),
		BytesWritten: int64(len(body)),
		Artifact:     key,
	}, nil
}

func (d *s3Dest) deleteKeys(ctx context.Context, keys []string) error {
	for at := 0; at < len(keys); at += 1000 {
		end := at + 1000
		if end > len(keys) {
			end = len(keys)
		}
		objs := make([]s3types.ObjectIdentifier, 0, end-at)
		for _, k := range keys[at:end] {
			k := k
			objs = append(objs, s3types.ObjectIdentifier{Key: &k})
		}
		_, err := d.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: &d.cfg.Bucket,
			Delete: &s3types.Delete{Objects: objs},
		})
		if err != nil {
			return fmt.Errorf("%w: delete objects: %v", model.ErrWrite, err)
		}
	}
	return nil
}

func (d *s3Dest) deletePrefix(ctx context.Context, prefix string) error {
	if prefix == "." || prefix == "/" {
		prefix = ""
	} else {
		prefix += "/"
	}
	p := s3.NewListObjectsV2Paginator(d.client, &s3.ListObjectsV2Input{
		Bucket: &d.cfg.Bucket,
		Prefix: &prefix,
	})
	var keys []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("%w: list %s: %v", model.ErrWrite, prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, *obj.Key)
		}
	}
	return d.deleteKeys(ctx, keys)
}

// CleanupPartial deletes the objects written for scope in this session.
func (d *s3Dest) CleanupPartial(ctx context.Context, scope string) error {
	keys := d.written[scope]
	if len(keys) == 0 {
		return nil
	}
	if err := d.deleteKeys(ctx, keys); err != nil {
		return err
	}
	d.log.Info().Str("scope", scope).Int("objects", len(keys)).Msg("removed partial objects")
	delete(d.written, scope)
	return nil
}

var _ Destination = (*s3Dest)(nil)
