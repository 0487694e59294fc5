package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

const (
	BucketName      = "example-bucket"
	OtherBucket     = "another-bucket"
	ObjectName      = "example.txt"
	ObjectContent   = "Hello from the depot example!\n"
	NestedUploadKey = "reports/2026/quarterly/summary.txt"
	NestedContent   = `Quarterly storage summary.

Objects are stored as plain files, one per key, with key segments mapped
to directories. Listings walk the bucket directory tree in sorted order,
so pagination tokens are just the last key a previous page returned.

Uploads land in a temporary file first and are moved into place only
after the size and digest checks pass, which keeps interrupted uploads
from ever becoming visible objects.
`
)

// EnsureBucket checks if a bucket exists, and creates it if it does not.
func EnsureBucket(ctx context.Context, client *minio.Client, bucketName string) error {
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket %q: %w", bucketName, err)
		}
	}
	return nil
}

// UploadFile uploads an object to the specified bucket.
func UploadFile(ctx context.Context, client *minio.Client, bucketName string, objectName string, objectContent []byte) error {
	reader := bytes.NewReader(objectContent)
	_, err := client.PutObject(ctx, bucketName, objectName, reader, int64(len(objectContent)), minio.PutObjectOptions{
		ContentType: "text/plain",
	})
	if err != nil {
		return fmt.Errorf("failed to upload object %q to bucket %q: %w", objectName, bucketName, err)
	}

	slog.Info("Uploaded object to bucket", "object", objectName, "bucket", bucketName)
	return nil
}

// ListBucketObjects lists all objects in the specified bucket.
func ListBucketObjects(ctx context.Context, client *minio.Client, bucketName string) error {
	slog.Info("Objects in bucket", "bucket", bucketName)
	for objectInfo := range client.ListObjects(ctx, bucketName, minio.ListObjectsOptions{Recursive: true}) {
		if objectInfo.Err != nil {
			return fmt.Errorf("failed to list objects in bucket %q: %w", bucketName, objectInfo.Err)
		}
		slog.Info("Object in bucket", "key", objectInfo.Key, "size", objectInfo.Size)
	}
	return nil
}

// ListTopLevel lists only the first level of a bucket, grouping nested keys
// into common prefixes.
func ListTopLevel(ctx context.Context, client *minio.Client, bucketName string) error {
	slog.Info("Top level of bucket", "bucket", bucketName)
	for objectInfo := range client.ListObjects(ctx, bucketName, minio.ListObjectsOptions{Recursive: false}) {
		if objectInfo.Err != nil {
			return fmt.Errorf("failed to list objects in bucket %q: %w", bucketName, objectInfo.Err)
		}
		slog.Info("Entry", "key", objectInfo.Key, "size", objectInfo.Size)
	}
	return nil
}

// DownloadFile downloads an object from the specified bucket to a local file.
func DownloadFile(ctx context.Context, client *minio.Client, bucketName string, objectName string, downloadPath string) error {
	if err := client.FGetObject(ctx, bucketName, objectName, downloadPath, minio.GetObjectOptions{}); err != nil {
		return fmt.Errorf("failed to download object %q from bucket %q: %w", objectName, bucketName, err)
	}
	slog.Info("Downloaded object", "path", downloadPath)
	return nil
}

// DownloadRange fetches just a slice of an object.
func DownloadRange(ctx context.Context, client *minio.Client, bucketName string, objectName string, start int64, end int64) error {
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(start, end); err != nil {
		return fmt.Errorf("failed to set range: %w", err)
	}

	obj, err := client.GetObject(ctx, bucketName, objectName, opts)
	if err != nil {
		return fmt.Errorf("failed to request range of %q: %w", objectName, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return fmt.Errorf("failed to read range of %q: %w", objectName, err)
	}

	slog.Info("Downloaded range", "object", objectName, "start", start, "end", end, "content", string(data))
	return nil
}

func CopyObject(ctx context.Context, client *minio.Client, srcBucket string, srcObject string, destBucket string, destObject string) error {
	copySrc := minio.CopySrcOptions{Bucket: srcBucket, Object: srcObject}
	copyDst := minio.CopyDestOptions{Bucket: destBucket, Object: destObject}
	if _, err := client.CopyObject(ctx, copyDst, copySrc); err != nil {
		return fmt.Errorf("failed to copy object from %q/%q to %q/%q: %w", srcBucket, srcObject, destBucket, destObject, err)
	}
	slog.Info("Copied object", "source_object", srcObject, "dest_object", destObject, "source_bucket", srcBucket, "dest_bucket", destBucket)
	return nil
}

func StatAndDelete(ctx context.Context, client *minio.Client, bucketName string, objectName string) error {
	info, err := client.StatObject(ctx, bucketName, objectName, minio.StatObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to stat object %q: %w", objectName, err)
	}
	slog.Info("Object stats", "key", info.Key, "size", info.Size, "etag", info.ETag, "content_type", info.ContentType)

	if err := client.RemoveObject(ctx, bucketName, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove object %q: %w", objectName, err)
	}
	slog.Info("Removed object", "key", objectName, "bucket", bucketName)
	return nil
}

func MultipartUploadExample(ctx context.Context, client *minio.Client) error {

	const (
		bucket = "multipart-example-bucket"
		object = "assembled/archive.bin"
	)

	creds, err := client.GetCreds()
	if err != nil {
		return fmt.Errorf("failed to get client credentials: %w", err)
	}

	endpointURL := client.EndpointURL()

	coreClient, err := minio.NewCore(endpointURL.Host, &minio.Options{
		Creds:        credentials.NewStaticV4(creds.AccessKeyID, creds.SecretAccessKey, ""),
		Secure:       false,
		BucketLookup: minio.BucketLookupPath,
	})

	if err != nil {
		return fmt.Errorf("failed to create core client: %w", err)
	}

	if err := coreClient.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: "us-east-1"}); err != nil {
		return fmt.Errorf("failed to create bucket %q: %w", bucket, err)
	}

	// Initiate multipart upload.
	uploadID, err := coreClient.NewMultipartUpload(ctx, bucket, object, minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("failed to initiate multipart upload: %w", err)
	}

	log := slog.With("bucket", bucket, "object", object, "upload_id", uploadID)
	log.Info("Started multipart upload")

	// Prepare three distinct parts and remember their combined payload.
	partData := [][]byte{
		bytes.Repeat([]byte("AAAA"), 256*1024), // ~1 MiB
		bytes.Repeat([]byte("BBBB"), 256*1024),
		bytes.Repeat([]byte("CCCC"), 128*1024), // smaller last part
	}

	var parts []minio.CompletePart
	totalLength := 0

	for i, data := range partData {
		partNumber := i + 1

		objPart, err := coreClient.PutObjectPart(ctx, bucket, object, uploadID, partNumber, bytes.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{})
		if err != nil {
			return fmt.Errorf("failed to upload part %d: %w", partNumber, err)
		}

		parts = append(parts, minio.CompletePart{
			PartNumber: partNumber,
			ETag:       objPart.ETag,
		})
		totalLength += len(data)
	}

	// Complete the multipart upload.
	_, err = coreClient.CompleteMultipartUpload(ctx, bucket, object, uploadID, parts, minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	log.Info("Completed multipart upload", "total_size", totalLength)
	return nil
}

func Run(ctx context.Context, client *minio.Client) error {
	// Ensure bucket exists.
	if err := EnsureBucket(ctx, client, BucketName); err != nil {
		return fmt.Errorf("failed to ensure bucket exists: %w", err)
	}

	// 1. Upload an example.txt file.
	if err := UploadFile(ctx, client, BucketName, ObjectName, []byte(ObjectContent)); err != nil {
		return fmt.Errorf("failed to upload example file: %w", err)
	}

	// 2. List the contents of the bucket.
	if err := ListBucketObjects(ctx, client, BucketName); err != nil {
		return fmt.Errorf("failed to list bucket objects: %w", err)
	}

	// 3. Download the file.
	downloadPath := filepath.Join(".", "downloaded_"+ObjectName)
	if err := DownloadFile(ctx, client, BucketName, ObjectName, downloadPath); err != nil {
		return fmt.Errorf("failed to download file: %w", err)
	}

	// 4. Download just the greeting word.
	if err := DownloadRange(ctx, client, BucketName, ObjectName, 0, 4); err != nil {
		return fmt.Errorf("failed to download range: %w", err)
	}

	// 5. Copy the object within the same bucket, flat and nested.
	if err := CopyObject(ctx, client, BucketName, ObjectName, BucketName, "example_copy.txt"); err != nil {
		return fmt.Errorf("failed to copy object within bucket: %w", err)
	}

	if err := CopyObject(ctx, client, BucketName, ObjectName, BucketName, "some/path/example_copy.txt"); err != nil {
		return fmt.Errorf("failed to copy object within bucket: %w", err)
	}

	// 6. Ensure another-bucket exists and copy across buckets.
	if err := EnsureBucket(ctx, client, OtherBucket); err != nil {
		return fmt.Errorf("failed to ensure another bucket exists: %w", err)
	}

	if err := CopyObject(ctx, client, BucketName, "example_copy.txt", OtherBucket, "some/path/example_copy_cross_bucket.txt"); err != nil {
		return fmt.Errorf("failed to copy object to another bucket: %w", err)
	}

	// 7. Upload a nested key and show the delimiter view of the bucket.
	if err := UploadFile(ctx, client, OtherBucket, NestedUploadKey, []byte(NestedContent)); err != nil {
		return fmt.Errorf("failed to upload nested file: %w", err)
	}

	if err := ListTopLevel(ctx, client, OtherBucket); err != nil {
		return fmt.Errorf("failed to list top level: %w", err)
	}

	// 8. Stat and remove the flat copy.
	if err := StatAndDelete(ctx, client, BucketName, "example_copy.txt"); err != nil {
		return fmt.Errorf("failed to stat and delete: %w", err)
	}

	// 9. Demonstrate multipart upload using low-level Core client.
	if err := MultipartUploadExample(ctx, client); err != nil {
		return fmt.Errorf("failed to run multipart upload example: %w", err)
	}

	return nil
}

func main() {
	slog.SetDefault(slog.New(log.NewWithOptions(os.Stdout, log.Options{
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
	})))

	endpoint := getenv("DEPOT_ENDPOINT", "localhost:9000")
	accessKey := getenv("DEPOT_ACCESS_KEY", "depotadmin")
	secretKey := getenv("DEPOT_SECRET_KEY", "depotadmin")

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: false,
	})

	if err != nil {
		slog.Error("failed to create client", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()

	if err := Run(ctx, client); err != nil {
		slog.Error("error running example", "err", err)
		os.Exit(1)
	}
}
