package archive

import (
	"context"
	"fmt"
)

// Options selects and configures a Store.
type Options struct {
	Kind     string // fs, s3 or gcs
	Dir      string
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

// Open builds the store named by opts.Kind. The returned close func is never nil.
func Open(ctx context.Context, opts Options) (Store, func() error, error) {
	noop := func() error { return nil }

	switch opts.Kind {
	case "", "fs":
		dir := opts.Dir
		if dir == "" {
			dir = "data/snapshots"
		}
		s, err := NewFileStore(dir)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil

	case "s3":
		region := opts.Region
		if region == "" {
			region = "us-east-1"
		}
		s, err := NewS3Store(ctx, S3Config{Bucket: opts.Bucket, Region: region, Endpoint: opts.Endpoint, Prefix: opts.Prefix})
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil

	case "gcs":
		s, err := NewGCSStore(ctx, GCSConfig{Bucket: opts.Bucket, Prefix: opts.Prefix})
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	}
	return nil, noop, fmt.Errorf("unsupported archive store %q", opts.Kind)
}
