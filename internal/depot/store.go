package depot

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// MaxObjectSize is the largest accepted payload for a single put and
	// for an assembled multipart upload.
	MaxObjectSize int64 = 5 << 30

	// MaxKeyLength bounds object keys, in bytes.
	MaxKeyLength = 1024

	// depotDir is the reserved directory under the data root holding the
	// metadata database, in-flight multipart parts and temp files. Its name
	// can never collide with a bucket because bucket names must start with
	// a lowercase letter or digit.
	depotDir = ".depot"

	metadataDBName = "metadata.sqlite"
	uploadsDirName = "uploads"

	defaultContentType = "application/octet-stream"
)

var bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// IsValidBucketName reports whether name is an acceptable S3 bucket name:
// 3 to 63 characters of lowercase letters, digits, dots and hyphens,
// starting and ending with a letter or digit.
func IsValidBucketName(name string) bool {
	if !bucketNamePattern.MatchString(name) {
		return false
	}
	if strings.Contains(name, "..") || strings.Contains(name, ".-") || strings.Contains(name, "-.") {
		return false
	}
	if net.ParseIP(name) != nil {
		return false
	}
	return true
}

// IsValidObjectKey reports whether key can be stored safely. Keys are
// slash-separated; empty, "." and ".." segments are rejected so a resolved
// path can never escape its bucket directory, and control characters are
// rejected outright.
func IsValidObjectKey(key string) bool {
	if key == "" || len(key) > MaxKeyLength {
		return false
	}
	if strings.ContainsFunc(key, func(c rune) bool { return c < 0x20 || c == 0x7f }) {
		return false
	}
	for _, segment := range strings.Split(key, "/") {
		switch segment {
		case "", ".", "..":
			return false
		}
	}
	return true
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// BucketInfo describes a bucket.
type BucketInfo struct {
	Name      string
	CreatedAt time.Time
}

// Store persists objects as plain files under a root directory: one
// directory per bucket, one file per object at <root>/<bucket>/<key>, with
// renames making writes atomic. The filesystem is the source of truth; a
// SQLite database under <root>/.depot/ carries multipart upload state plus
// a cache of entity tags and content types keyed by file size and mtime.
type Store struct {
	root          string
	db            *sql.DB
	maxObjectSize int64
}

// NewStore opens a store rooted at dir, creating the directory layout and
// metadata database as needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("store root must not be empty")
	}

	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve store root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(root, depotDir, uploadsDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create store layout: %w", err)
	}

	dsn := filepath.Join(root, depotDir, metadataDBName) + "?_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open metadata db: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{root: root, db: db, maxObjectSize: MaxObjectSize}, nil
}

// Close releases the metadata database.
func (s *Store) Close() error {
	return s.db.Close()
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS uploads (
			upload_id TEXT PRIMARY KEY,
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			content_type TEXT,
			initiated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_uploads_bucket_key ON uploads(bucket, key);`,
		`CREATE TABLE IF NOT EXISTS parts (
			upload_id TEXT NOT NULL,
			part_number INTEGER NOT NULL,
			size INTEGER NOT NULL,
			etag TEXT NOT NULL,
			uploaded_at TIMESTAMP NOT NULL,
			PRIMARY KEY (upload_id, part_number),
			FOREIGN KEY(upload_id) REFERENCES uploads(upload_id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS object_meta (
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			etag TEXT NOT NULL,
			content_type TEXT,
			size INTEGER NOT NULL,
			modified_ns INTEGER NOT NULL,
			PRIMARY KEY (bucket, key)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) withTransaction(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) depotPath() string {
	return filepath.Join(s.root, depotDir)
}

func (s *Store) uploadDir(uploadID string) string {
	return filepath.Join(s.root, depotDir, uploadsDirName, uploadID)
}

func (s *Store) bucketPath(bucket string) string {
	return filepath.Join(s.root, bucket)
}

func (s *Store) objectPath(bucket string, key string) string {
	return filepath.Join(s.root, bucket, filepath.FromSlash(key))
}

// resolveObject validates both names and maps them onto the backing file
// path. The join can never walk above the bucket because dot segments were
// rejected by validation.
func (s *Store) resolveObject(bucket string, key string) (string, error) {
	if !IsValidBucketName(bucket) {
		return "", ErrInvalidBucketName
	}
	if !IsValidObjectKey(key) {
		return "", ErrInvalidObjectName
	}
	return s.objectPath(bucket, key), nil
}

func createETag(hash string) string {
	return fmt.Sprintf("%q", hash)
}

// trimETag strips optional surrounding quotes so client-supplied entity
// tags compare equal regardless of quoting.
func trimETag(etag string) string {
	return strings.Trim(strings.TrimSpace(etag), `"`)
}

// CreateBucket makes a new bucket directory.
func (s *Store) CreateBucket(bucket string) error {
	if !IsValidBucketName(bucket) {
		return ErrInvalidBucketName
	}

	if err := os.Mkdir(s.bucketPath(bucket), 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrBucketExists
		}
		return fmt.Errorf("create bucket dir: %w", err)
	}
	return nil
}

// BucketExists reports whether the bucket directory exists.
func (s *Store) BucketExists(bucket string) (bool, error) {
	if !IsValidBucketName(bucket) {
		return false, ErrInvalidBucketName
	}

	fi, err := os.Stat(s.bucketPath(bucket))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat bucket dir: %w", err)
	}
	return fi.IsDir(), nil
}

// DeleteBucket removes an empty bucket. A bucket with objects, or with
// multipart uploads still in flight, reports BucketNotEmpty.
func (s *Store) DeleteBucket(bucket string) error {
	if !IsValidBucketName(bucket) {
		return ErrInvalidBucketName
	}

	exists, err := s.BucketExists(bucket)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNoSuchBucket
	}

	var pending int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM uploads WHERE bucket = ?`, bucket).Scan(&pending); err != nil {
		return fmt.Errorf("count pending uploads: %w", err)
	}
	if pending > 0 {
		return ErrBucketNotEmpty
	}

	if err := os.Remove(s.bucketPath(bucket)); err != nil {
		if errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, syscall.EEXIST) {
			return ErrBucketNotEmpty
		}
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNoSuchBucket
		}
		return fmt.Errorf("remove bucket dir: %w", err)
	}

	if _, err := s.db.Exec(`DELETE FROM object_meta WHERE bucket = ?`, bucket); err != nil {
		return fmt.Errorf("clear bucket metadata: %w", err)
	}
	return nil
}

// ListBuckets returns every bucket in name order. Directories whose names
// do not validate as buckets, the reserved directory included, are skipped.
func (s *Store) ListBuckets() ([]BucketInfo, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read store root: %w", err)
	}

	var buckets []BucketInfo
	for _, entry := range entries {
		if !entry.IsDir() || !IsValidBucketName(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat bucket dir: %w", err)
		}
		buckets = append(buckets, BucketInfo{Name: entry.Name(), CreatedAt: info.ModTime()})
	}
	return buckets, nil
}

// PutObject streams r into bucket/key. The payload lands in a temp file
// under the reserved directory and is renamed into place only after every
// check passes, so readers never observe a partial object.
//
// declaredLen is the Content-Length the client sent, or -1 when unknown.
// contentMD5 is the base64 Content-MD5 header value, empty when absent.
func (s *Store) PutObject(bucket string, key string, r io.Reader, declaredLen int64, contentType string, contentMD5 string) (ObjectInfo, error) {
	dest, err := s.resolveObject(bucket, key)
	if err != nil {
		return ObjectInfo{}, err
	}
	exists, err := s.BucketExists(bucket)
	if err != nil {
		return ObjectInfo{}, err
	}
	if !exists {
		return ObjectInfo{}, ErrNoSuchBucket
	}
	if declaredLen > s.maxObjectSize {
		return ObjectInfo{}, ErrEntityTooLarge
	}

	var wantMD5 []byte
	if contentMD5 != "" {
		wantMD5, err = base64.StdEncoding.DecodeString(contentMD5)
		if err != nil || len(wantMD5) != md5.Size {
			return ObjectInfo{}, ErrBadDigest
		}
	}

	tmp, err := os.CreateTemp(s.depotPath(), "put-*")
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	identity := sha256.New()
	digest := md5.New()
	written, err := io.Copy(io.MultiWriter(tmp, identity, digest), io.LimitReader(r, s.maxObjectSize+1))
	if err != nil {
		// The client hung up or the framing ended early. Either way we got
		// fewer bytes than promised.
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return ObjectInfo{}, ErrIncompleteBody
		}
		return ObjectInfo{}, fmt.Errorf("write object payload: %w", err)
	}
	if written > s.maxObjectSize {
		return ObjectInfo{}, ErrEntityTooLarge
	}
	if declaredLen >= 0 && written != declaredLen {
		return ObjectInfo{}, ErrIncompleteBody
	}
	if wantMD5 != nil && !bytes.Equal(digest.Sum(nil), wantMD5) {
		return ObjectInfo{}, ErrBadDigest
	}

	if err := tmp.Sync(); err != nil {
		return ObjectInfo{}, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return ObjectInfo{}, fmt.Errorf("close temp file: %w", err)
	}

	if err := s.installObject(tmpPath, dest); err != nil {
		return ObjectInfo{}, err
	}

	fi, err := os.Stat(dest)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("stat stored object: %w", err)
	}

	if contentType == "" {
		contentType = defaultContentType
	}
	etag := createETag(hex.EncodeToString(identity.Sum(nil)))
	if err := s.rememberObjectMeta(bucket, key, etag, contentType, fi.Size(), fi.ModTime()); err != nil {
		return ObjectInfo{}, err
	}

	return ObjectInfo{
		Key:          key,
		Size:         fi.Size(),
		ETag:         etag,
		ContentType:  contentType,
		LastModified: fi.ModTime(),
	}, nil
}

// installObject moves a finished temp file to dest, creating parent
// directories on demand. Shapes the filesystem cannot host, a parent
// segment that is a regular file or a destination that is a non-empty
// directory, surface as an invalid object name.
func (s *Store) installObject(tmpPath string, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		if errors.Is(err, syscall.ENOTDIR) {
			return ErrInvalidObjectName
		}
		return fmt.Errorf("create key directories: %w", err)
	}

	err := moveFile(tmpPath, dest)
	if errors.Is(err, fs.ErrNotExist) {
		// A concurrent delete can prune the parent between MkdirAll and the
		// rename; recreate it once.
		if mkErr := os.MkdirAll(filepath.Dir(dest), 0o755); mkErr == nil {
			err = moveFile(tmpPath, dest)
		}
	}
	if err != nil {
		if errors.Is(err, syscall.EISDIR) || errors.Is(err, syscall.ENOTDIR) || errors.Is(err, syscall.ENOTEMPTY) {
			return ErrInvalidObjectName
		}
		return fmt.Errorf("move object into place: %w", err)
	}
	return nil
}

func (s *Store) rememberObjectMeta(bucket string, key string, etag string, contentType string, size int64, modified time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO object_meta(bucket, key, etag, content_type, size, modified_ns)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(bucket, key) DO UPDATE SET
		 	etag=excluded.etag,
		 	content_type=excluded.content_type,
		 	size=excluded.size,
		 	modified_ns=excluded.modified_ns`,
		bucket, key, etag, contentType, size, modified.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert object metadata: %w", err)
	}
	return nil
}

// objectMetaFor returns the entity tag and content type for a stored file.
// The cached row is used while it still matches the file's size and mtime;
// a miss or stale row rehashes the file and refreshes the row, which covers
// objects dropped into the data directory out of band.
func (s *Store) objectMetaFor(bucket string, key string, fi os.FileInfo, path string) (string, string, error) {
	var (
		cachedETag string
		cachedType sql.NullString
		cachedSize int64
		cachedNS   int64
	)
	err := s.db.QueryRow(
		`SELECT etag, content_type, size, modified_ns FROM object_meta WHERE bucket = ? AND key = ?`,
		bucket, key,
	).Scan(&cachedETag, &cachedType, &cachedSize, &cachedNS)
	if err == nil && cachedSize == fi.Size() && cachedNS == fi.ModTime().UnixNano() {
		if cachedType.Valid && cachedType.String != "" {
			return cachedETag, cachedType.String, nil
		}
		return cachedETag, defaultContentType, nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("lookup object metadata: %w", err)
	}

	etag, err := hashFileETag(path)
	if err != nil {
		return "", "", err
	}
	if err := s.rememberObjectMeta(bucket, key, etag, defaultContentType, fi.Size(), fi.ModTime()); err != nil {
		return "", "", err
	}
	return etag, defaultContentType, nil
}

func hashFileETag(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open object for hashing: %w", err)
	}
	defer f.Close()

	sum := sha256.New()
	if _, err := io.Copy(sum, f); err != nil {
		return "", fmt.Errorf("hash object: %w", err)
	}
	return createETag(hex.EncodeToString(sum.Sum(nil))), nil
}

// StatObject returns metadata for bucket/key. Directories are not objects
// and report NoSuchKey.
func (s *Store) StatObject(bucket string, key string) (ObjectInfo, error) {
	path, err := s.resolveObject(bucket, key)
	if err != nil {
		return ObjectInfo{}, err
	}
	exists, err := s.BucketExists(bucket)
	if err != nil {
		return ObjectInfo{}, err
	}
	if !exists {
		return ObjectInfo{}, ErrNoSuchBucket
	}

	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
		return ObjectInfo{}, ErrNoSuchKey
	}
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("stat object: %w", err)
	}
	if fi.IsDir() {
		return ObjectInfo{}, ErrNoSuchKey
	}

	etag, contentType, err := s.objectMetaFor(bucket, key, fi, path)
	if err != nil {
		return ObjectInfo{}, err
	}

	return ObjectInfo{
		Key:          key,
		Size:         fi.Size(),
		ETag:         etag,
		ContentType:  contentType,
		LastModified: fi.ModTime(),
	}, nil
}

// OpenObject opens bucket/key for reading along with its metadata. The
// caller owns the returned file.
func (s *Store) OpenObject(bucket string, key string) (*os.File, ObjectInfo, error) {
	info, err := s.StatObject(bucket, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}

	f, err := os.Open(s.objectPath(bucket, key))
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
		return nil, ObjectInfo{}, ErrNoSuchKey
	}
	if err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("open object: %w", err)
	}
	return f, info, nil
}

// DeleteObject removes bucket/key. Deleting a key that does not exist
// succeeds. Parent directories left empty are pruned up to the bucket root
// so listings never show phantom prefixes.
func (s *Store) DeleteObject(bucket string, key string) error {
	path, err := s.resolveObject(bucket, key)
	if err != nil {
		return err
	}
	exists, err := s.BucketExists(bucket)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNoSuchBucket
	}

	if err := os.Remove(path); err != nil &&
		!errors.Is(err, fs.ErrNotExist) &&
		!errors.Is(err, syscall.ENOTDIR) &&
		!errors.Is(err, syscall.ENOTEMPTY) {
		return fmt.Errorf("delete object: %w", err)
	}

	if _, err := s.db.Exec(`DELETE FROM object_meta WHERE bucket = ? AND key = ?`, bucket, key); err != nil {
		return fmt.Errorf("delete object metadata: %w", err)
	}

	pruneEmptyDirs(filepath.Dir(path), s.bucketPath(bucket))
	return nil
}

// pruneEmptyDirs removes now-empty directories from dir up to, but not
// including, stop.
func pruneEmptyDirs(dir string, stop string) {
	for dir != stop && strings.HasPrefix(dir, stop+string(filepath.Separator)) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// CopyObject duplicates an existing object. The copy goes through the same
// temp-and-rename path as a put, so a failed copy cannot corrupt the
// destination.
func (s *Store) CopyObject(srcBucket string, srcKey string, dstBucket string, dstKey string) (ObjectInfo, error) {
	src, srcInfo, err := s.OpenObject(srcBucket, srcKey)
	if err != nil {
		return ObjectInfo{}, err
	}
	defer src.Close()

	return s.PutObject(dstBucket, dstKey, src, srcInfo.Size, srcInfo.ContentType, "")
}

// ListObjectsOptions carries the query parameters of a ListObjectsV2 call.
type ListObjectsOptions struct {
	Prefix            string
	Delimiter         string
	MaxKeys           int
	ContinuationToken string
	StartAfter        string
}

// ListObjectsResult is one page of a bucket listing.
type ListObjectsResult struct {
	Objects               []ObjectInfo
	CommonPrefixes        []string
	IsTruncated           bool
	NextContinuationToken string
}

// ListObjectsV2 lists up to MaxKeys entries in lexicographic key order.
// Keys sharing a prefix up to the delimiter collapse into a single common
// prefix; objects and common prefixes both count toward the page size.
// The continuation token names the last key the previous page covered and
// the next page resumes strictly after it.
func (s *Store) ListObjectsV2(bucket string, opts ListObjectsOptions) (ListObjectsResult, error) {
	if !IsValidBucketName(bucket) {
		return ListObjectsResult{}, ErrInvalidBucketName
	}
	exists, err := s.BucketExists(bucket)
	if err != nil {
		return ListObjectsResult{}, err
	}
	if !exists {
		return ListObjectsResult{}, ErrNoSuchBucket
	}

	maxKeys := opts.MaxKeys
	if maxKeys <= 0 || maxKeys > 1000 {
		maxKeys = 1000
	}

	keys, err := s.walkBucketKeys(bucket, opts.Prefix)
	if err != nil {
		return ListObjectsResult{}, err
	}
	sort.Strings(keys)

	after := opts.ContinuationToken
	if after == "" {
		after = opts.StartAfter
	}

	var (
		result      ListObjectsResult
		resumeAfter string
		count       int
	)
	for i := 0; i < len(keys); i++ {
		key := keys[i]
		if after != "" && key <= after {
			continue
		}

		if opts.Delimiter != "" {
			rel := key[len(opts.Prefix):]
			if idx := strings.Index(rel, opts.Delimiter); idx >= 0 {
				if count == maxKeys {
					result.IsTruncated = true
					break
				}
				cp := key[:len(opts.Prefix)+idx+len(opts.Delimiter)]
				result.CommonPrefixes = append(result.CommonPrefixes, cp)
				count++
				// The grouped run extends until the prefix changes; resume
				// after its final key so later pages cannot repeat the group.
				for i+1 < len(keys) && strings.HasPrefix(keys[i+1], cp) {
					i++
				}
				resumeAfter = keys[i]
				continue
			}
		}

		if count == maxKeys {
			result.IsTruncated = true
			break
		}
		info, err := s.StatObject(bucket, key)
		if errors.Is(err, ErrNoSuchKey) {
			// Deleted between the walk and the stat.
			continue
		}
		if err != nil {
			return ListObjectsResult{}, err
		}
		result.Objects = append(result.Objects, info)
		count++
		resumeAfter = key
	}

	if result.IsTruncated {
		result.NextContinuationToken = resumeAfter
	}
	return result, nil
}

// walkBucketKeys collects every object key under the bucket that matches
// the prefix. Subtrees that cannot match are skipped without descending.
func (s *Store) walkBucketKeys(bucket string, prefix string) ([]string, error) {
	root := s.bucketPath(bucket)

	var keys []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// Deleted mid-walk.
				return nil
			}
			return err
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}

		key := filepath.ToSlash(rel)
		if d.IsDir() {
			dirKey := key + "/"
			if prefix != "" && !strings.HasPrefix(dirKey, prefix) && !strings.HasPrefix(prefix, dirKey) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk bucket: %w", err)
	}
	return keys, nil
}
