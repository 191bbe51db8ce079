package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/dukedataservice/handover/internal/handover/domain"
)

// S3API is the subset of the S3 client the adapter uses. Tests provide a
// stub implementation.
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetBucketAcl(ctx context.Context, params *s3.GetBucketAclInput, optFns ...func(*s3.Options)) (*s3.GetBucketAclOutput, error)
	PutBucketAcl(ctx context.Context, params *s3.PutBucketAclInput, optFns ...func(*s3.Options)) (*s3.PutBucketAclOutput, error)
	PutObjectAcl(ctx context.Context, params *s3.PutObjectAclInput, optFns ...func(*s3.Options)) (*s3.PutObjectAclOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	DeleteBucket(ctx context.Context, params *s3.DeleteBucketInput, optFns ...func(*s3.Options)) (*s3.DeleteBucketOutput, error)
}

// S3Adapter moves whole buckets between owners using the endpoint's
// transfer-agent credential.
type S3Adapter struct {
	unsupportedOps
	api     S3API
	agentID string
	logger  *slog.Logger
}

// NewS3Adapter builds the adapter with the configured agent credential.
func NewS3Adapter(ctx context.Context, endpoint, region, accessKey, secretKey, agentID string, logger *slog.Logger) (*S3Adapter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = true
	})
	return NewS3AdapterWithClient(client, agentID, logger), nil
}

// NewS3AdapterWithClient wires an existing client; used by tests.
func NewS3AdapterWithClient(api S3API, agentID string, logger *slog.Logger) *S3Adapter {
	return &S3Adapter{
		unsupportedOps: unsupportedOps{kind: domain.BackendS3},
		api:            api,
		agentID:        agentID,
		logger:         logger,
	}
}

func (a *S3Adapter) Kind() domain.BackendKind { return domain.BackendS3 }

func (a *S3Adapter) VerifySourceOwnership(ctx context.Context, source domain.StorageRef, sender string) (bool, error) {
	out, err := a.api.GetBucketAcl(ctx, &s3.GetBucketAclInput{Bucket: aws.String(source.Container)})
	if err != nil {
		return false, classifyS3Error("get_bucket_acl", err)
	}
	if out.Owner == nil {
		return false, nil
	}
	return aws.ToString(out.Owner.ID) == sender || aws.ToString(out.Owner.DisplayName) == sender, nil
}

// CreateBackendTransfer mints the acceptance token. S3 has no native
// transfer object, so the token is a fresh UUID recorded on the delivery.
func (a *S3Adapter) CreateBackendTransfer(ctx context.Context, source domain.StorageRef, recipient string, deliveryID string) (string, error) {
	return uuid.NewString(), nil
}

func (a *S3Adapter) SnapshotManifest(ctx context.Context, source domain.StorageRef) ([]domain.ManifestEntry, error) {
	keys, err := a.listKeys(ctx, source.Container)
	if err != nil {
		return nil, err
	}
	entries := make([]domain.ManifestEntry, 0, len(keys))
	for _, obj := range keys {
		head, err := a.api.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(source.Container),
			Key:    obj.Key,
		})
		if err != nil {
			return nil, classifyS3Error("head_object", err)
		}
		entry := domain.ManifestEntry{
			Key:           aws.ToString(obj.Key),
			ContentLength: aws.ToInt64(head.ContentLength),
			ContentType:   aws.ToString(head.ContentType),
			ETag:          strings.Trim(aws.ToString(head.ETag), `"`),
			VersionID:     aws.ToString(head.VersionId),
			Metadata:      head.Metadata,
		}
		if head.LastModified != nil {
			entry.LastModified = head.LastModified.UTC().Format(time.RFC3339)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (a *S3Adapter) GrantAgentFullControl(ctx context.Context, source domain.StorageRef) error {
	grant := "id=" + a.agentID
	_, err := a.api.PutBucketAcl(ctx, &s3.PutBucketAclInput{
		Bucket:           aws.String(source.Container),
		GrantFullControl: aws.String(grant),
	})
	if err != nil {
		return classifyS3Error("put_bucket_acl", err)
	}
	keys, err := a.listKeys(ctx, source.Container)
	if err != nil {
		return err
	}
	for _, obj := range keys {
		_, err := a.api.PutObjectAcl(ctx, &s3.PutObjectAclInput{
			Bucket:           aws.String(source.Container),
			Key:              obj.Key,
			GrantFullControl: aws.String(grant),
		})
		if err != nil {
			return classifyS3Error("put_object_acl", err)
		}
	}
	a.logger.InfoContext(ctx, "Agent granted full control", "bucket", source.Container, "objects", len(keys))
	return nil
}

func (a *S3Adapter) GrantRecipientRead(ctx context.Context, ref domain.StorageRef, principal string) error {
	_, err := a.api.PutBucketAcl(ctx, &s3.PutBucketAclInput{
		Bucket:    aws.String(ref.Container),
		GrantRead: aws.String("id=" + principal),
	})
	if err != nil {
		return classifyS3Error("put_bucket_acl", err)
	}
	return nil
}

func (a *S3Adapter) RestoreSenderControl(ctx context.Context, source domain.StorageRef, sender string) error {
	_, err := a.api.PutBucketAcl(ctx, &s3.PutBucketAclInput{
		Bucket:           aws.String(source.Container),
		GrantFullControl: aws.String("id=" + sender),
	})
	if err != nil {
		return classifyS3Error("put_bucket_acl", err)
	}
	return nil
}

// CreateDestination creates the recipient-owned destination bucket. A bucket
// that already exists under our account is fine; a resumed transfer hits
// this path.
func (a *S3Adapter) CreateDestination(ctx context.Context, dest domain.StorageRef, owner string) error {
	_, err := a.api.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(dest.Container)})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if !errors.As(err, &owned) {
			return classifyS3Error("create_bucket", err)
		}
	}
	_, err = a.api.PutBucketAcl(ctx, &s3.PutBucketAclInput{
		Bucket:           aws.String(dest.Container),
		GrantFullControl: aws.String("id=" + owner),
	})
	if err != nil {
		return classifyS3Error("put_bucket_acl", err)
	}
	return nil
}

// CopyObjects copies every source key into the destination, skipping keys
// already present there so a resumed transfer never duplicates work.
func (a *S3Adapter) CopyObjects(ctx context.Context, source, dest domain.StorageRef) error {
	destKeys, err := a.listKeys(ctx, dest.Container)
	if err != nil {
		return err
	}
	existing := make(map[string]struct{}, len(destKeys))
	for _, obj := range destKeys {
		existing[aws.ToString(obj.Key)] = struct{}{}
	}

	srcKeys, err := a.listKeys(ctx, source.Container)
	if err != nil {
		return err
	}
	copied := 0
	for _, obj := range srcKeys {
		key := aws.ToString(obj.Key)
		if _, ok := existing[key]; ok {
			continue
		}
		_, err := a.api.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(dest.Container),
			Key:        aws.String(key),
			CopySource: aws.String(source.Container + "/" + key),
		})
		if err != nil {
			return classifyS3Error("copy_object", err)
		}
		copied++
	}
	a.logger.InfoContext(ctx, "Objects copied to destination",
		"source", source.Container, "destination", dest.Container,
		"copied", copied, "skipped", len(srcKeys)-copied)
	return nil
}

func (a *S3Adapter) DeleteSource(ctx context.Context, source domain.StorageRef) error {
	keys, err := a.listKeys(ctx, source.Container)
	if err != nil {
		var be *domain.BackendError
		if errors.As(err, &be) && be.Kind == domain.BackendNotFound {
			return nil // already gone
		}
		return err
	}
	for start := 0; start < len(keys); start += 1000 {
		end := start + 1000
		if end > len(keys) {
			end = len(keys)
		}
		identifiers := make([]types.ObjectIdentifier, 0, end-start)
		for _, obj := range keys[start:end] {
			identifiers = append(identifiers, types.ObjectIdentifier{Key: obj.Key})
		}
		_, err := a.api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(source.Container),
			Delete: &types.Delete{Objects: identifiers, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return classifyS3Error("delete_objects", err)
		}
	}
	if _, err := a.api.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(source.Container)}); err != nil {
		return classifyS3Error("delete_bucket", err)
	}
	a.logger.InfoContext(ctx, "Source bucket deleted", "bucket", source.Container, "objects", len(keys))
	return nil
}

func (a *S3Adapter) listKeys(ctx context.Context, bucket string) ([]types.Object, error) {
	var all []types.Object
	var continuation *string
	for {
		out, err := a.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, classifyS3Error("list_objects", err)
		}
		all = append(all, out.Contents...)
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuation = out.NextContinuationToken
	}
	return all, nil
}

// classifyS3Error maps SDK failures onto the backend error taxonomy.
func classifyS3Error(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket", "NoSuchKey", "NotFound":
			return domain.NewBackendError(op, domain.BackendNotFound, err)
		case "AccessDenied", "AccountProblem":
			return domain.NewBackendError(op, domain.BackendPermissionDenied, err)
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return domain.NewBackendError(op, domain.BackendAuthFailure, err)
		case "SlowDown", "InternalError", "ServiceUnavailable", "RequestTimeout", "OperationAborted":
			return domain.NewBackendError(op, domain.BackendTransient, err)
		default:
			return domain.NewBackendError(op, domain.BackendPermanent, err)
		}
	}
	// Connection-level failures are worth retrying.
	return domain.NewBackendError(op, domain.BackendTransient, err)
}
