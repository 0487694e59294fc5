package depot

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"depot/internal/auth"
	"depot/internal/metrics"
)

const (
	// maxListKeys caps how many keys, parts, or uploads a single listing
	// response may carry.
	maxListKeys = 1000

	// maxXMLBodyBytes caps how much of a request body the XML endpoints
	// will buffer. A CompleteMultipartUpload naming all 10000 parts stays
	// well under this.
	maxXMLBodyBytes = 2 << 20
)

// Config holds the server configuration.
type Config struct {
	// DataDir is the directory buckets and objects are stored under.
	DataDir string

	// Region is reported by GetBucketLocation and used as the expected
	// credential scope region. Defaults to us-east-1.
	Region string

	// Authenticator verifies request signatures. Defaults to a SigV4
	// engine with the built-in development credentials.
	Authenticator auth.AuthEngine

	// Metrics instruments request handling when set.
	Metrics *metrics.Metrics
}

// Server serves the S3 API over a file-backed object store.
type Server struct {
	Config Config
	Store  *Store
}

// NewServer creates a Server, opening the object store rooted at
// config.DataDir.
func NewServer(config Config) (*Server, error) {
	if config.DataDir == "" {
		return nil, errors.New("data directory is required")
	}
	if config.Region == "" {
		config.Region = "us-east-1"
	}
	if config.Authenticator == nil {
		config.Authenticator = auth.NewSigV4Engine(auth.DefaultAccessKeyID, auth.DefaultSecretAccessKey, config.Region)
	}

	store, err := NewStore(config.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening object store: %w", err)
	}

	return &Server{Config: config, Store: store}, nil
}

// Close releases the server's store.
func (s *Server) Close() error {
	return s.Store.Close()
}

func validateBucketNameOrError(w http.ResponseWriter, r *http.Request, bucket string) bool {
	if !IsValidBucketName(bucket) {
		writeS3Error(w, r, "InvalidBucketName", "The specified bucket is not valid.", http.StatusBadRequest)
		return false
	}
	return true
}

func validateObjectKeyOrError(w http.ResponseWriter, r *http.Request, key string) bool {
	if !IsValidObjectKey(key) {
		writeS3Error(w, r, "InvalidObjectName", "The specified key is not valid.", http.StatusBadRequest)
		return false
	}
	return true
}

// readXMLBody decodes the request body into dst. It writes the error
// response itself and reports false when the body cannot be used.
func readXMLBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxXMLBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeS3Error(w, r, "MaxMessageLengthExceeded", "Your request was too big.", http.StatusBadRequest)
			return false
		}
		writeS3Error(w, r, "InvalidRequest", "Failed to read request body", http.StatusBadRequest)
		return false
	}

	if err := xml.Unmarshal(body, dst); err != nil {
		writeMalformedXMLError(w, r)
		return false
	}
	return true
}

func formatXMLTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func objectSummaries(objects []ObjectInfo) []ObjectSummary {
	summaries := make([]ObjectSummary, 0, len(objects))
	for _, obj := range objects {
		summaries = append(summaries, ObjectSummary{
			Key:          obj.Key,
			LastModified: formatXMLTime(obj.LastModified),
			ETag:         obj.ETag,
			Size:         obj.Size,
			StorageClass: "STANDARD",
		})
	}
	return summaries
}

func parseListCount(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return min(v, maxListKeys)
}

// handleListBuckets handles GET / and lists every bucket in the store.
func (s *Server) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.Store.ListBuckets()
	if err != nil {
		writeStorageError(w, r, err)
		return
	}

	resp := ListAllMyBucketsResult{
		XMLNS: S3XMLNamespace,
		Owner: ListAllMyBucketsOwner{ID: "depot", DisplayName: "depot"},
	}
	for _, bucket := range buckets {
		resp.Buckets = append(resp.Buckets, ListAllMyBucketsEntry{
			Name:         bucket.Name,
			CreationDate: formatXMLTime(bucket.CreatedAt),
		})
	}

	writeXMLResponse(w, http.StatusOK, resp)
}

// handleBucketPut dispatches PUT /{bucket} on its subresource.
func (s *Server) handleBucketPut(w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("versioning"):
		writeNotImplemented(w, r, "PutBucketVersioning")
	case q.Has("encryption"):
		writeNotImplemented(w, r, "PutBucketEncryption")
	case q.Has("cors"):
		writeNotImplemented(w, r, "PutBucketCors")
	case q.Has("lifecycle"):
		writeNotImplemented(w, r, "PutBucketLifecycle")
	case q.Has("notification"):
		writeNotImplemented(w, r, "PutBucketNotification")
	case q.Has("policy"):
		writeNotImplemented(w, r, "PutBucketPolicy")
	case q.Has("replication"):
		writeNotImplemented(w, r, "PutBucketReplication")
	case q.Has("tagging"):
		writeNotImplemented(w, r, "PutBucketTagging")
	case q.Has("acl"):
		writeNotImplemented(w, r, "PutBucketAcl")
	default:
		s.handleCreateBucket(w, r, bucket)
	}
}

func (s *Server) handleCreateBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	if err := s.Store.CreateBucket(bucket); err != nil {
		writeStorageError(w, r, err)
		return
	}

	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
}

// handleBucketGet dispatches GET /{bucket} on its subresource.
func (s *Server) handleBucketGet(w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("location"):
		s.handleGetBucketLocation(w, r, bucket)
	case q.Has("uploads"):
		s.handleListMultipartUploads(w, r, bucket)
	case q.Has("versions"):
		writeNotImplemented(w, r, "ListObjectVersions")
	case q.Has("tagging"):
		writeNotImplemented(w, r, "GetBucketTagging")
	case q.Has("versioning"):
		writeNotImplemented(w, r, "GetBucketVersioning")
	case q.Has("encryption"):
		writeNotImplemented(w, r, "GetBucketEncryption")
	case q.Has("cors"):
		writeNotImplemented(w, r, "GetBucketCors")
	case q.Has("lifecycle"):
		writeNotImplemented(w, r, "GetBucketLifecycle")
	case q.Has("notification"):
		writeNotImplemented(w, r, "GetBucketNotification")
	case q.Has("policy"):
		writeNotImplemented(w, r, "GetBucketPolicy")
	case q.Has("replication"):
		writeNotImplemented(w, r, "GetBucketReplication")
	case q.Get("list-type") == "2":
		s.handleListObjectsV2(w, r, bucket)
	default:
		s.handleListObjects(w, r, bucket)
	}
}

func (s *Server) handleGetBucketLocation(w http.ResponseWriter, r *http.Request, bucket string) {
	exists, err := s.Store.BucketExists(bucket)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	if !exists {
		writeNoSuchBucketError(w, r)
		return
	}

	writeXMLResponse(w, http.StatusOK, LocationConstraint{
		XMLNS:  S3XMLNamespace,
		Region: s.Config.Region,
	})
}

func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request, bucket string) {
	q := r.URL.Query()
	opts := ListObjectsOptions{
		Prefix:            q.Get("prefix"),
		Delimiter:         q.Get("delimiter"),
		ContinuationToken: q.Get("marker"),
		MaxKeys:           parseListCount(q.Get("max-keys"), maxListKeys),
	}

	page, err := s.Store.ListObjectsV2(bucket, opts)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}

	resp := ListBucketResult{
		XMLNS:       S3XMLNamespace,
		Name:        bucket,
		Prefix:      opts.Prefix,
		Marker:      q.Get("marker"),
		Delimiter:   opts.Delimiter,
		MaxKeys:     opts.MaxKeys,
		IsTruncated: page.IsTruncated,
		Contents:    objectSummaries(page.Objects),
	}
	// NextMarker is only promised when a delimiter is in play; otherwise
	// clients resume from the last returned key.
	if page.IsTruncated && opts.Delimiter != "" {
		resp.NextMarker = page.NextContinuationToken
	}
	for _, prefix := range page.CommonPrefixes {
		resp.CommonPrefixes = append(resp.CommonPrefixes, CommonPrefix{Prefix: prefix})
	}

	writeXMLResponse(w, http.StatusOK, resp)
}

func (s *Server) handleListObjectsV2(w http.ResponseWriter, r *http.Request, bucket string) {
	q := r.URL.Query()
	opts := ListObjectsOptions{
		Prefix:            q.Get("prefix"),
		Delimiter:         q.Get("delimiter"),
		ContinuationToken: q.Get("continuation-token"),
		StartAfter:        q.Get("start-after"),
		MaxKeys:           parseListCount(q.Get("max-keys"), maxListKeys),
	}

	page, err := s.Store.ListObjectsV2(bucket, opts)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}

	resp := ListBucketResultV2{
		XMLNS:                 S3XMLNamespace,
		Name:                  bucket,
		Prefix:                opts.Prefix,
		Delimiter:             opts.Delimiter,
		KeyCount:              len(page.Objects) + len(page.CommonPrefixes),
		MaxKeys:               opts.MaxKeys,
		IsTruncated:           page.IsTruncated,
		ContinuationToken:     opts.ContinuationToken,
		NextContinuationToken: page.NextContinuationToken,
		StartAfter:            opts.StartAfter,
		Contents:              objectSummaries(page.Objects),
	}
	for _, prefix := range page.CommonPrefixes {
		resp.CommonPrefixes = append(resp.CommonPrefixes, CommonPrefix{Prefix: prefix})
	}

	writeXMLResponse(w, http.StatusOK, resp)
}

func (s *Server) handleListMultipartUploads(w http.ResponseWriter, r *http.Request, bucket string) {
	q := r.URL.Query()
	maxUploads := parseListCount(q.Get("max-uploads"), maxListKeys)

	page, err := s.Store.ListUploads(bucket, q.Get("prefix"), q.Get("key-marker"), q.Get("upload-id-marker"), maxUploads)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}

	resp := ListMultipartUploadsResult{
		XMLNS:              S3XMLNamespace,
		Bucket:             bucket,
		KeyMarker:          page.KeyMarker,
		UploadIDMarker:     page.UploadIDMarker,
		NextKeyMarker:      page.NextKeyMarker,
		NextUploadIDMarker: page.NextUploadIDMarker,
		MaxUploads:         page.MaxUploads,
		IsTruncated:        page.IsTruncated,
	}
	for _, upload := range page.Uploads {
		resp.Uploads = append(resp.Uploads, MultipartUploadEntry{
			Key:       upload.Key,
			UploadID:  upload.UploadID,
			Initiated: formatXMLTime(upload.Initiated),
		})
	}

	writeXMLResponse(w, http.StatusOK, resp)
}

// handleBucketPost dispatches POST /{bucket} on its subresource.
func (s *Server) handleBucketPost(w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("delete"):
		s.handleDeleteObjects(w, r, bucket)
	default:
		writeNotImplemented(w, r, "BucketPost")
	}
}

func (s *Server) handleDeleteObjects(w http.ResponseWriter, r *http.Request, bucket string) {
	exists, err := s.Store.BucketExists(bucket)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	if !exists {
		writeNoSuchBucketError(w, r)
		return
	}

	var req DeleteObjectsRequest
	if !readXMLBody(w, r, &req) {
		return
	}

	keys := make([]string, 0, len(req.Objects))
	for _, obj := range req.Objects {
		if obj.Key == "" {
			continue
		}
		keys = append(keys, obj.Key)
	}
	if len(keys) == 0 {
		writeS3Error(w, r, "InvalidRequest", "You must specify at least one object to delete.", http.StatusBadRequest)
		return
	}

	result := DeleteObjectsResult{XMLNS: S3XMLNamespace}
	for _, key := range keys {
		if err := s.Store.DeleteObject(bucket, key); err != nil {
			code, message := deleteObjectsErrorCode(err)
			result.Errors = append(result.Errors, DeleteObjectsError{Key: key, Code: code, Message: message})
			continue
		}
		if !req.Quiet {
			result.Deleted = append(result.Deleted, DeletedObject{Key: key})
		}
	}

	writeXMLResponse(w, http.StatusOK, result)
}

func deleteObjectsErrorCode(err error) (string, string) {
	switch {
	case errors.Is(err, ErrInvalidObjectName):
		return "InvalidObjectName", "The specified key is not valid."
	case errors.Is(err, ErrNoSuchBucket):
		return "NoSuchBucket", "The specified bucket does not exist."
	default:
		return "InternalError", "We encountered an internal error. Please try again."
	}
}

// handleBucketDelete dispatches DELETE /{bucket} on its subresource.
func (s *Server) handleBucketDelete(w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("tagging"):
		writeNotImplemented(w, r, "DeleteBucketTagging")
	case q.Has("policy"):
		writeNotImplemented(w, r, "DeleteBucketPolicy")
	case q.Has("cors"):
		writeNotImplemented(w, r, "DeleteBucketCors")
	case q.Has("lifecycle"):
		writeNotImplemented(w, r, "DeleteBucketLifecycle")
	case q.Has("encryption"):
		writeNotImplemented(w, r, "DeleteBucketEncryption")
	case q.Has("replication"):
		writeNotImplemented(w, r, "DeleteBucketReplication")
	default:
		s.handleDeleteBucket(w, r, bucket)
	}
}

func (s *Server) handleDeleteBucket(w http.ResponseWriter, r *http.Request, bucket string) {
	if err := s.Store.DeleteBucket(bucket); err != nil {
		writeStorageError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleBucketHead handles HEAD /{bucket}.
func (s *Server) handleBucketHead(w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	exists, err := s.Store.BucketExists(bucket)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	if !exists {
		writeNoSuchBucketError(w, r)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleObjectPut dispatches PUT /{bucket}/{key} on its subresource.
func (s *Server) handleObjectPut(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) || !validateObjectKeyOrError(w, r, key) {
		return
	}

	copySource := r.Header.Get("x-amz-copy-source")
	q := r.URL.Query()
	switch {
	case copySource != "" && q.Has("partNumber"):
		writeNotImplemented(w, r, "UploadPartCopy")
	case q.Has("partNumber") && q.Has("uploadId"):
		partNumber, err := strconv.Atoi(q.Get("partNumber"))
		if err != nil || partNumber <= 0 {
			writeS3Error(w, r, "InvalidArgument", "Invalid part number.", http.StatusBadRequest)
			return
		}
		s.handleUploadPart(w, r, bucket, key, q.Get("uploadId"), partNumber)
	case copySource != "":
		s.handleCopyObject(w, r, bucket, key, copySource)
	case q.Has("tagging"):
		writeNotImplemented(w, r, "PutObjectTagging")
	case q.Has("acl"):
		writeNotImplemented(w, r, "PutObjectAcl")
	default:
		s.handlePutObject(w, r, bucket, key)
	}
}

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	payload, declaredLen := requestPayload(r)
	defer r.Body.Close()

	info, err := s.Store.PutObject(bucket, key, payload, declaredLen, r.Header.Get("Content-Type"), r.Header.Get("Content-MD5"))
	if err != nil {
		writeStorageError(w, r, err)
		return
	}

	w.Header().Set("ETag", info.ETag)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCopyObject(w http.ResponseWriter, r *http.Request, bucket string, key string, copySource string) {
	srcBucket, srcKey, ok := parseCopySource(copySource)
	if !ok {
		writeS3Error(w, r, "InvalidArgument", "The x-amz-copy-source header must name a source bucket and key.", http.StatusBadRequest)
		return
	}

	info, err := s.Store.CopyObject(srcBucket, srcKey, bucket, key)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}

	writeXMLResponse(w, http.StatusOK, CopyObjectResult{
		XMLNS:        S3XMLNamespace,
		LastModified: formatXMLTime(info.LastModified),
		ETag:         info.ETag,
	})
}

// parseCopySource splits an x-amz-copy-source value, "/bucket/key" or
// "bucket/key" with an optional query suffix, into its parts.
func parseCopySource(source string) (string, string, bool) {
	source, _, _ = strings.Cut(source, "?")

	unescaped, err := url.PathUnescape(source)
	if err != nil {
		return "", "", false
	}

	unescaped = strings.TrimPrefix(unescaped, "/")
	bucket, key, found := strings.Cut(unescaped, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// handleObjectGet dispatches GET /{bucket}/{key} on its subresource.
func (s *Server) handleObjectGet(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) || !validateObjectKeyOrError(w, r, key) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("uploadId"):
		s.handleListParts(w, r, bucket, key, q.Get("uploadId"))
	case q.Has("tagging"):
		writeNotImplemented(w, r, "GetObjectTagging")
	case q.Has("acl"):
		writeNotImplemented(w, r, "GetObjectAcl")
	case q.Has("attributes"):
		writeNotImplemented(w, r, "GetObjectAttributes")
	case q.Has("torrent"):
		writeNotImplemented(w, r, "GetObjectTorrent")
	default:
		s.handleGetObject(w, r, bucket, key)
	}
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	file, info, err := s.Store.OpenObject(bucket, key)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}
	defer file.Close()

	rng, ranged, err := parseRangeHeader(r.Header.Get("Range"), info.Size)
	if err != nil {
		writeInvalidRangeError(w, r, info.Size)
		return
	}

	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set("ETag", info.ETag)
	w.Header().Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	w.Header().Set("Accept-Ranges", "bytes")

	if !ranged {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, file); err != nil {
			slog.Error("Failed to write object", "error", err, "bucket", bucket, "key", key)
		}
		return
	}

	if _, err := file.Seek(rng.start, io.SeekStart); err != nil {
		writeInternalError(w, r)
		return
	}

	lastByte := rng.start + rng.length - 1
	w.Header().Set("Content-Length", strconv.FormatInt(rng.length, 10))
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.start, lastByte, info.Size))
	w.WriteHeader(http.StatusPartialContent)
	if _, err := io.CopyN(w, file, rng.length); err != nil {
		slog.Error("Failed to write object range", "error", err, "bucket", bucket, "key", key)
	}
}

// handleObjectHead handles HEAD /{bucket}/{key}.
func (s *Server) handleObjectHead(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) || !validateObjectKeyOrError(w, r, key) {
		return
	}

	info, err := s.Store.StatObject(bucket, key)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.Header().Set("ETag", info.ETag)
	w.Header().Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	w.Header().Set("Accept-Ranges", "bytes")
	w.WriteHeader(http.StatusOK)
}

// handleObjectDelete dispatches DELETE /{bucket}/{key} on its subresource.
func (s *Server) handleObjectDelete(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) || !validateObjectKeyOrError(w, r, key) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("uploadId"):
		s.handleAbortMultipartUpload(w, r, bucket, key, q.Get("uploadId"))
	case q.Has("tagging"):
		writeNotImplemented(w, r, "DeleteObjectTagging")
	default:
		s.handleDeleteObject(w, r, bucket, key)
	}
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if err := s.Store.DeleteObject(bucket, key); err != nil {
		writeStorageError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleObjectPost dispatches POST /{bucket}/{key} on its subresource.
func (s *Server) handleObjectPost(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) || !validateObjectKeyOrError(w, r, key) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("uploads"):
		s.handleCreateMultipartUpload(w, r, bucket, key)
	case q.Has("uploadId"):
		s.handleCompleteMultipartUpload(w, r, bucket, key, q.Get("uploadId"))
	case q.Has("restore"):
		writeNotImplemented(w, r, "RestoreObject")
	case q.Has("select"):
		writeNotImplemented(w, r, "SelectObjectContent")
	default:
		writeNotImplemented(w, r, "ObjectPost")
	}
}

func (s *Server) handleCreateMultipartUpload(w http.ResponseWriter, r *http.Request, bucket string, key string) {
	upload, err := s.Store.InitiateUpload(bucket, key, r.Header.Get("Content-Type"))
	if err != nil {
		writeStorageError(w, r, err)
		return
	}

	writeXMLResponse(w, http.StatusOK, InitiateMultipartUploadResult{
		XMLNS:    S3XMLNamespace,
		Bucket:   bucket,
		Key:      key,
		UploadID: upload.UploadID,
	})
}

func (s *Server) handleUploadPart(w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string, partNumber int) {
	payload, declaredLen := requestPayload(r)
	defer r.Body.Close()

	part, err := s.Store.UploadPart(bucket, key, uploadID, partNumber, payload, declaredLen)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}

	w.Header().Set("ETag", part.ETag)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCompleteMultipartUpload(w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string) {
	var req CompleteMultipartUpload
	if !readXMLBody(w, r, &req) {
		return
	}
	if len(req.Parts) == 0 {
		writeS3Error(w, r, "InvalidRequest", "You must specify at least one part.", http.StatusBadRequest)
		return
	}

	info, err := s.Store.CompleteUpload(bucket, key, uploadID, req.Parts)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}

	writeXMLResponse(w, http.StatusOK, CompleteMultipartUploadResult{
		XMLNS:    S3XMLNamespace,
		Location: "/" + bucket + "/" + key,
		Bucket:   bucket,
		Key:      key,
		ETag:     info.ETag,
	})
}

func (s *Server) handleAbortMultipartUpload(w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string) {
	if err := s.Store.AbortUpload(bucket, key, uploadID); err != nil {
		writeStorageError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListParts(w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string) {
	q := r.URL.Query()

	marker := 0
	if raw := q.Get("part-number-marker"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			marker = v
		}
	}
	maxParts := parseListCount(q.Get("max-parts"), maxListKeys)

	page, err := s.Store.ListParts(bucket, key, uploadID, marker, maxParts)
	if err != nil {
		writeStorageError(w, r, err)
		return
	}

	resp := ListPartsResult{
		XMLNS:                S3XMLNamespace,
		Bucket:               bucket,
		Key:                  key,
		UploadID:             uploadID,
		PartNumberMarker:     page.PartNumberMarker,
		NextPartNumberMarker: page.NextPartNumberMarker,
		MaxParts:             page.MaxParts,
		IsTruncated:          page.IsTruncated,
	}
	for _, part := range page.Parts {
		resp.Parts = append(resp.Parts, ListPartsPart{
			PartNumber:   part.PartNumber,
			LastModified: formatXMLTime(part.LastModified),
			ETag:         part.ETag,
			Size:         part.Size,
		})
	}

	writeXMLResponse(w, http.StatusOK, resp)
}
