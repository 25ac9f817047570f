package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/alitto/pond"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/schollz/progressbar/v3"
)

type s3Store struct {
	input *S3StoreInput
	s3    *s3.Client
}

type S3StoreInput struct {
	AwsConfig aws.Config
	Bucket    string
	// Endpoint overrides the AWS endpoint, for S3-compatible stores inside
	// the lab. Path-style addressing is used when set.
	Endpoint    string
	Concurrency int
}

func NewS3Store(input *S3StoreInput) Store {
	if input.Concurrency < 1 {
		input.Concurrency = 4
	}
	client := s3.NewFromConfig(input.AwsConfig, func(o *s3.Options) {
		if input.Endpoint != "" {
			o.BaseEndpoint = aws.String(input.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &s3Store{input: input, s3: client}
}

func (s *s3Store) UploadDir(dir string, keyPrefix string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", dir, err)
	}
	names := uploadableFiles(entries)
	if len(names) == 0 {
		slog.Warn("no files to upload", slog.String("dir", dir))
		return nil
	}

	slog.Info("uploading artifacts", slog.String("bucket", s.input.Bucket), slog.String("keyPrefix", keyPrefix), slog.Int("count", len(names)))
	uploader := manager.NewUploader(s.s3, func(u *manager.Uploader) {
		u.PartSize = 1024 * 1024 * 10
	})
	errChan := make(chan error, len(names))
	pool := pond.New(s.input.Concurrency, 0, pond.MinWorkers(s.input.Concurrency))
	p := progressbar.Default(int64(len(names)), "Uploading artifacts:")
	for _, name := range names {
		pool.Submit(func() {
			defer p.Add(1)

			f, err := os.Open(filepath.Join(dir, name))
			if err != nil {
				slog.Error("failed to open an artifact for upload", slog.String("name", name), slog.String("error", err.Error()))
				errChan <- err
				return
			}
			defer f.Close()

			key := path.Join(keyPrefix, name)
			_, err = uploader.Upload(context.Background(), &s3.PutObjectInput{
				Bucket: &s.input.Bucket,
				Key:    &key,
				Body:   f,
			})
			if err != nil {
				slog.Error("failed to upload an artifact", slog.String("key", key), slog.String("error", err.Error()))
				errChan <- err
				return
			}
		})
	}
	pool.StopAndWait()
	p.Finish()

	select {
	case err := <-errChan:
		return fmt.Errorf("some artifacts failed to upload: %w", err)
	default:
		slog.Info("done uploading", slog.String("bucket", s.input.Bucket))
		return nil
	}
}
