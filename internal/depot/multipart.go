package depot

import (
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxPartNumber is the largest part number accepted in a multipart upload.
// Part numbers start at 1.
const MaxPartNumber = 10000

// PartInfo describes one uploaded part.
type PartInfo struct {
	PartNumber   int
	Size         int64
	ETag         string
	LastModified time.Time
}

// UploadInfo describes one in-flight multipart upload.
type UploadInfo struct {
	Bucket    string
	Key       string
	UploadID  string
	Initiated time.Time
}

// ListPartsInfo is one page of recorded parts for an upload.
type ListPartsInfo struct {
	Parts                []PartInfo
	PartNumberMarker     int
	NextPartNumberMarker int
	MaxParts             int
	IsTruncated          bool
}

// ListUploadsInfo is one page of in-flight uploads in a bucket.
type ListUploadsInfo struct {
	Uploads            []UploadInfo
	KeyMarker          string
	UploadIDMarker     string
	NextKeyMarker      string
	NextUploadIDMarker string
	MaxUploads         int
	IsTruncated        bool
}

type uploadRecord struct {
	ID          string
	Bucket      string
	Key         string
	ContentType string
	Initiated   time.Time
}

// lookupUpload resolves an upload id and checks it was created for the
// given bucket and key. Upload ids are scoped, so a mismatch is
// indistinguishable from an unknown id.
func (s *Store) lookupUpload(bucket string, key string, uploadID string) (uploadRecord, error) {
	var (
		rec         uploadRecord
		contentType sql.NullString
	)
	err := s.db.QueryRow(
		`SELECT upload_id, bucket, key, content_type, initiated_at FROM uploads WHERE upload_id = ?`,
		uploadID,
	).Scan(&rec.ID, &rec.Bucket, &rec.Key, &contentType, &rec.Initiated)
	if errors.Is(err, sql.ErrNoRows) {
		return uploadRecord{}, ErrNoSuchUpload
	}
	if err != nil {
		return uploadRecord{}, fmt.Errorf("lookup upload: %w", err)
	}
	if rec.Bucket != bucket || rec.Key != key {
		return uploadRecord{}, ErrNoSuchUpload
	}
	rec.ContentType = contentType.String
	return rec, nil
}

func (s *Store) partPath(uploadID string, partNumber int) string {
	return filepath.Join(s.uploadDir(uploadID), fmt.Sprintf("part-%06d", partNumber))
}

// InitiateUpload starts a multipart upload for bucket/key and returns its
// id. Nothing becomes visible under the key until the upload completes.
func (s *Store) InitiateUpload(bucket string, key string, contentType string) (UploadInfo, error) {
	if _, err := s.resolveObject(bucket, key); err != nil {
		return UploadInfo{}, err
	}
	exists, err := s.BucketExists(bucket)
	if err != nil {
		return UploadInfo{}, err
	}
	if !exists {
		return UploadInfo{}, ErrNoSuchBucket
	}

	uploadID := uuid.NewString()
	if err := os.MkdirAll(s.uploadDir(uploadID), 0o755); err != nil {
		return UploadInfo{}, fmt.Errorf("create upload dir: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.Exec(
		`INSERT INTO uploads(upload_id, bucket, key, content_type, initiated_at) VALUES(?, ?, ?, ?, ?)`,
		uploadID, bucket, key, contentType, now,
	)
	if err != nil {
		_ = os.RemoveAll(s.uploadDir(uploadID))
		return UploadInfo{}, fmt.Errorf("record upload: %w", err)
	}

	return UploadInfo{Bucket: bucket, Key: key, UploadID: uploadID, Initiated: now}, nil
}

// UploadPart stores one part of an upload. Re-uploading a part number
// replaces the previous payload. The returned entity tag is the MD5 of the
// part and must be echoed back on complete.
func (s *Store) UploadPart(bucket string, key string, uploadID string, partNumber int, r io.Reader, declaredLen int64) (PartInfo, error) {
	if _, err := s.resolveObject(bucket, key); err != nil {
		return PartInfo{}, err
	}
	if partNumber < 1 || partNumber > MaxPartNumber {
		return PartInfo{}, ErrInvalidPartNumber
	}
	if _, err := s.lookupUpload(bucket, key, uploadID); err != nil {
		return PartInfo{}, err
	}
	if declaredLen > s.maxObjectSize {
		return PartInfo{}, ErrEntityTooLarge
	}

	tmp, err := os.CreateTemp(s.uploadDir(uploadID), "part-*.tmp")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// The upload was aborted while this request was in flight.
			return PartInfo{}, ErrNoSuchUpload
		}
		return PartInfo{}, fmt.Errorf("create part temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	digest := md5.New()
	written, err := io.Copy(io.MultiWriter(tmp, digest), io.LimitReader(r, s.maxObjectSize+1))
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return PartInfo{}, ErrIncompleteBody
		}
		return PartInfo{}, fmt.Errorf("write part payload: %w", err)
	}
	if written > s.maxObjectSize {
		return PartInfo{}, ErrEntityTooLarge
	}
	if declaredLen >= 0 && written != declaredLen {
		return PartInfo{}, ErrIncompleteBody
	}

	if err := tmp.Sync(); err != nil {
		return PartInfo{}, fmt.Errorf("sync part temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return PartInfo{}, fmt.Errorf("close part temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.partPath(uploadID, partNumber)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return PartInfo{}, ErrNoSuchUpload
		}
		return PartInfo{}, fmt.Errorf("store part: %w", err)
	}

	now := time.Now().UTC()
	etag := createETag(hex.EncodeToString(digest.Sum(nil)))
	_, err = s.db.Exec(
		`INSERT INTO parts(upload_id, part_number, size, etag, uploaded_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(upload_id, part_number) DO UPDATE SET
		 	size=excluded.size,
		 	etag=excluded.etag,
		 	uploaded_at=excluded.uploaded_at`,
		uploadID, partNumber, written, etag, now,
	)
	if err != nil {
		if _, lookupErr := s.lookupUpload(bucket, key, uploadID); errors.Is(lookupErr, ErrNoSuchUpload) {
			return PartInfo{}, ErrNoSuchUpload
		}
		return PartInfo{}, fmt.Errorf("record part: %w", err)
	}

	return PartInfo{PartNumber: partNumber, Size: written, ETag: etag, LastModified: now}, nil
}

// CompleteUpload stitches the named parts together into the final object.
// Parts must be listed in strictly increasing order and each entity tag
// must match the recorded one, quoted or not. On success the upload is
// gone: later calls against its id report NoSuchUpload.
//
// The final entity tag is the MD5 of the concatenated part digests with a
// "-<n>" part count suffix, matching the S3 convention.
func (s *Store) CompleteUpload(bucket string, key string, uploadID string, parts []CompletedPart) (ObjectInfo, error) {
	if _, err := s.resolveObject(bucket, key); err != nil {
		return ObjectInfo{}, err
	}
	rec, err := s.lookupUpload(bucket, key, uploadID)
	if err != nil {
		return ObjectInfo{}, err
	}
	if len(parts) == 0 {
		return ObjectInfo{}, ErrInvalidPart
	}

	prev := 0
	for _, p := range parts {
		if p.PartNumber < 1 || p.PartNumber > MaxPartNumber {
			return ObjectInfo{}, ErrInvalidPartNumber
		}
		if p.PartNumber <= prev {
			return ObjectInfo{}, ErrInvalidPartOrder
		}
		prev = p.PartNumber
	}

	var (
		total          int64
		compositeInput []byte
	)
	for _, p := range parts {
		var (
			size int64
			etag string
		)
		err := s.db.QueryRow(
			`SELECT size, etag FROM parts WHERE upload_id = ? AND part_number = ?`,
			uploadID, p.PartNumber,
		).Scan(&size, &etag)
		if errors.Is(err, sql.ErrNoRows) {
			return ObjectInfo{}, ErrInvalidPart
		}
		if err != nil {
			return ObjectInfo{}, fmt.Errorf("lookup part: %w", err)
		}
		if trimETag(p.ETag) != trimETag(etag) {
			return ObjectInfo{}, ErrInvalidPart
		}

		raw, err := hex.DecodeString(trimETag(etag))
		if err != nil {
			return ObjectInfo{}, fmt.Errorf("decode part etag: %w", err)
		}
		compositeInput = append(compositeInput, raw...)
		total += size
	}
	if total > s.maxObjectSize {
		return ObjectInfo{}, ErrEntityTooLarge
	}

	tmp, err := os.CreateTemp(s.depotPath(), "assemble-*")
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("create assembly temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	buf := make([]byte, 32*1024)
	for _, p := range parts {
		pf, err := os.Open(s.partPath(uploadID, p.PartNumber))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return ObjectInfo{}, ErrInvalidPart
			}
			return ObjectInfo{}, fmt.Errorf("open part: %w", err)
		}
		_, err = io.CopyBuffer(tmp, pf, buf)
		_ = pf.Close()
		if err != nil {
			return ObjectInfo{}, fmt.Errorf("assemble part: %w", err)
		}
	}

	if err := tmp.Sync(); err != nil {
		return ObjectInfo{}, fmt.Errorf("sync assembly temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return ObjectInfo{}, fmt.Errorf("close assembly temp file: %w", err)
	}

	// Claim the upload row before the rename. Whichever concurrent complete
	// or abort deletes the row first wins; everyone else sees NoSuchUpload.
	claimed := false
	err = s.withTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM parts WHERE upload_id = ?`, uploadID); err != nil {
			return fmt.Errorf("delete part rows: %w", err)
		}
		res, err := tx.Exec(`DELETE FROM uploads WHERE upload_id = ?`, uploadID)
		if err != nil {
			return fmt.Errorf("delete upload row: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete upload row: %w", err)
		}
		claimed = n > 0
		return nil
	})
	if err != nil {
		return ObjectInfo{}, err
	}
	if !claimed {
		return ObjectInfo{}, ErrNoSuchUpload
	}

	dest := s.objectPath(bucket, key)
	if err := s.installObject(tmpPath, dest); err != nil {
		return ObjectInfo{}, err
	}

	fi, err := os.Stat(dest)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("stat assembled object: %w", err)
	}

	sum := md5.Sum(compositeInput)
	etag := createETag(fmt.Sprintf("%s-%d", hex.EncodeToString(sum[:]), len(parts)))
	contentType := rec.ContentType
	if contentType == "" {
		contentType = defaultContentType
	}
	if err := s.rememberObjectMeta(bucket, key, etag, contentType, fi.Size(), fi.ModTime()); err != nil {
		return ObjectInfo{}, err
	}

	_ = os.RemoveAll(s.uploadDir(uploadID))

	return ObjectInfo{
		Key:          key,
		Size:         fi.Size(),
		ETag:         etag,
		ContentType:  contentType,
		LastModified: fi.ModTime(),
	}, nil
}

// AbortUpload discards an in-flight upload and its part files. Aborting an
// upload that no longer exists succeeds, so retries are harmless.
func (s *Store) AbortUpload(bucket string, key string, uploadID string) error {
	if _, err := s.resolveObject(bucket, key); err != nil {
		return err
	}

	if _, err := s.lookupUpload(bucket, key, uploadID); err != nil {
		if errors.Is(err, ErrNoSuchUpload) {
			return nil
		}
		return err
	}

	err := s.withTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM parts WHERE upload_id = ?`, uploadID); err != nil {
			return fmt.Errorf("delete part rows: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM uploads WHERE upload_id = ?`, uploadID); err != nil {
			return fmt.Errorf("delete upload row: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := os.RemoveAll(s.uploadDir(uploadID)); err != nil {
		return fmt.Errorf("remove upload dir: %w", err)
	}
	return nil
}

// ListParts returns recorded parts in part-number order, resuming strictly
// after partNumberMarker.
func (s *Store) ListParts(bucket string, key string, uploadID string, partNumberMarker int, maxParts int) (ListPartsInfo, error) {
	if _, err := s.resolveObject(bucket, key); err != nil {
		return ListPartsInfo{}, err
	}
	if _, err := s.lookupUpload(bucket, key, uploadID); err != nil {
		return ListPartsInfo{}, err
	}

	if maxParts <= 0 || maxParts > 1000 {
		maxParts = 1000
	}

	rows, err := s.db.Query(
		`SELECT part_number, size, etag, uploaded_at FROM parts
		 WHERE upload_id = ? AND part_number > ?
		 ORDER BY part_number LIMIT ?`,
		uploadID, partNumberMarker, maxParts+1,
	)
	if err != nil {
		return ListPartsInfo{}, fmt.Errorf("list parts: %w", err)
	}
	defer rows.Close()

	result := ListPartsInfo{PartNumberMarker: partNumberMarker, MaxParts: maxParts}
	for rows.Next() {
		var p PartInfo
		if err := rows.Scan(&p.PartNumber, &p.Size, &p.ETag, &p.LastModified); err != nil {
			return ListPartsInfo{}, fmt.Errorf("scan part: %w", err)
		}
		result.Parts = append(result.Parts, p)
	}
	if err := rows.Err(); err != nil {
		return ListPartsInfo{}, fmt.Errorf("list parts: %w", err)
	}

	if len(result.Parts) > maxParts {
		result.Parts = result.Parts[:maxParts]
		result.IsTruncated = true
	}
	if len(result.Parts) > 0 {
		result.NextPartNumberMarker = result.Parts[len(result.Parts)-1].PartNumber
	}
	return result, nil
}

// ListUploads returns in-flight uploads for the bucket ordered by key then
// upload id, resuming after the key and upload id markers.
func (s *Store) ListUploads(bucket string, prefix string, keyMarker string, uploadIDMarker string, maxUploads int) (ListUploadsInfo, error) {
	if !IsValidBucketName(bucket) {
		return ListUploadsInfo{}, ErrInvalidBucketName
	}
	exists, err := s.BucketExists(bucket)
	if err != nil {
		return ListUploadsInfo{}, err
	}
	if !exists {
		return ListUploadsInfo{}, ErrNoSuchBucket
	}

	if maxUploads <= 0 || maxUploads > 1000 {
		maxUploads = 1000
	}

	rows, err := s.db.Query(
		`SELECT key, upload_id, initiated_at FROM uploads WHERE bucket = ? ORDER BY key, upload_id`,
		bucket,
	)
	if err != nil {
		return ListUploadsInfo{}, fmt.Errorf("list uploads: %w", err)
	}
	defer rows.Close()

	result := ListUploadsInfo{
		KeyMarker:      keyMarker,
		UploadIDMarker: uploadIDMarker,
		MaxUploads:     maxUploads,
	}
	for rows.Next() {
		var u UploadInfo
		u.Bucket = bucket
		if err := rows.Scan(&u.Key, &u.UploadID, &u.Initiated); err != nil {
			return ListUploadsInfo{}, fmt.Errorf("scan upload: %w", err)
		}
		if prefix != "" && !strings.HasPrefix(u.Key, prefix) {
			continue
		}
		if keyMarker != "" {
			if u.Key < keyMarker {
				continue
			}
			// Without an upload id marker the whole marker key is skipped.
			if u.Key == keyMarker && (uploadIDMarker == "" || u.UploadID <= uploadIDMarker) {
				continue
			}
		}

		if len(result.Uploads) == maxUploads {
			result.IsTruncated = true
			break
		}
		result.Uploads = append(result.Uploads, u)
	}
	if err := rows.Err(); err != nil {
		return ListUploadsInfo{}, fmt.Errorf("list uploads: %w", err)
	}

	if result.IsTruncated && len(result.Uploads) > 0 {
		last := result.Uploads[len(result.Uploads)-1]
		result.NextKeyMarker = last.Key
		result.NextUploadIDMarker = last.UploadID
	}
	return result, nil
}
