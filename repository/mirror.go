package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/mmlabs-mindmaze/mmpack-buildd/internal/ordered"
	"github.com/mmlabs-mindmaze/mmpack-buildd/pool"
	"gopkg.in/yaml.v3"
)

// maxConcurrentCatalogUploads bounds how many per-package catalog markers
// are uploaded at once for a single manifest, so a manifest describing many
// binary packages cannot fan out unbounded S3 requests.
const maxConcurrentCatalogUploads = 4

// Mirror uploads a copy of a committed manifest to a secondary store.
type Mirror interface {
	Mirror(ctx context.Context, repoName, arch, manifestPath string) error
}

// S3Mirror uploads committed manifests to a configured S3 bucket/prefix,
// gated by the s3-mirror experiment. It is used only from Repository.Commit
// and only after the repository's own commit has already succeeded.
type S3Mirror struct {
	Bucket   string
	Prefix   string
	uploader *manager.Uploader
}

// NewS3Mirror loads the default AWS config and constructs an S3Mirror.
func NewS3Mirror(ctx context.Context, bucket, prefix string) (*S3Mirror, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Mirror{
		Bucket:   bucket,
		Prefix:   prefix,
		uploader: manager.NewUploader(client),
	}, nil
}

// Mirror uploads manifestPath to s3://Bucket/Prefix/<repoName>/<arch>/<basename>,
// then uploads one small catalog marker per binary package the manifest
// describes, so the mirror's package names can be listed without
// downloading the full manifest. Catalog uploads run concurrently, bounded
// by a pool.Pool; a catalog upload failure is reported but does not
// invalidate the already-uploaded manifest.
func (m *S3Mirror) Mirror(ctx context.Context, repoName, arch, manifestPath string) error {
	f, err := os.Open(manifestPath)
	if err != nil {
		return fmt.Errorf("opening manifest for mirroring: %w", err)
	}
	defer f.Close()

	key := path.Join(m.Prefix, repoName, arch, path.Base(manifestPath))
	if _, err := m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.Bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return fmt.Errorf("uploading %s to s3://%s/%s: %w", manifestPath, m.Bucket, key, err)
	}

	names, err := binpkgNames(manifestPath)
	if err != nil || len(names) == 0 {
		return nil
	}
	return m.uploadCatalogEntries(ctx, repoName, arch, names)
}

func (m *S3Mirror) uploadCatalogEntries(ctx context.Context, repoName, arch string, names []string) error {
	p := pool.New(maxConcurrentCatalogUploads)
	var mu sync.Mutex
	var errs []error

	for _, name := range names {
		name := name
		p.Spawn(func() {
			key := path.Join(m.Prefix, repoName, arch, "catalog", name)
			if _, err := m.uploader.Upload(ctx, &s3.PutObjectInput{
				Bucket: aws.String(m.Bucket),
				Key:    aws.String(key),
				Body:   strings.NewReader(name),
			}); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("mirroring catalog entry %s: %w", name, err))
				mu.Unlock()
			}
		})
	}
	p.Wait()

	return errors.Join(errs...)
}

// binpkgManifest decodes only the binpkgs key of a *.mmpack-manifest file.
type binpkgManifest struct {
	Binpkgs *ordered.Map[string, *yaml.Node] `yaml:"binpkgs"`
}

func binpkgNames(manifestPath string) ([]string, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, err
	}
	var m binpkgManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.Binpkgs == nil {
		return nil, nil
	}

	var names []string
	m.Binpkgs.Range(func(k string, _ *yaml.Node) error {
		names = append(names, k)
		return nil
	})
	return names, nil
}
