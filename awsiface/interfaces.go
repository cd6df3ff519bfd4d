// Package awsiface implements the AWS service abstractions backing the
// S3-compatible object store and IAM permission preflight described in
// sections 4.6 and 6 of the design specification. It mirrors the teacher's
// pattern of thin interfaces plus compile-time assertions over both the
// concrete wrapper and the raw AWS SDK v2 client.
package awsiface

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Client defines the interface for S3 operations required by S3Source and
// FailedBatchStore: paginated listing, object retrieval, writes for
// watermark/failed-batch persistence, and the copy+delete pair FailedBatchStore's
// replay helper uses to move a replayed object into its archived/ subtree.
type S3Client interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// IAMClient defines the interface for the startup permission preflight
// described in SPEC_FULL.md section 9/10 (supplemented from
// original_source/src/security/access_control.py).
type IAMClient interface {
	SimulatePrincipalPolicy(ctx context.Context, params *iam.SimulatePrincipalPolicyInput, optFns ...func(*iam.Options)) (*iam.SimulatePrincipalPolicyOutput, error)
}

// Compile-time interface checks to ensure implementations satisfy interfaces.
var (
	_ S3Client  = (*S3ClientImpl)(nil)
	_ IAMClient = (*IAMClientImpl)(nil)

	_ S3Client  = (*s3.Client)(nil)
	_ IAMClient = (*iam.Client)(nil)
)
