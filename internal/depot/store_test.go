package depot

import (
	"bytes"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestStore creates a Store backed by a temporary directory.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(t.TempDir())
	require.NoError(t, err, "NewStore error")
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func putString(t *testing.T, store *Store, bucket string, key string, content string) ObjectInfo {
	t.Helper()

	info, err := store.PutObject(bucket, key, strings.NewReader(content), int64(len(content)), "", "")
	require.NoErrorf(t, err, "PutObject %s/%s", bucket, key)
	return info
}

func TestIsValidBucketName(t *testing.T) {
	t.Parallel()

	valid := []string{"abc", "my-bucket-123", "a.b.c", "0numbers9", strings.Repeat("b", 63)}
	for _, name := range valid {
		require.Truef(t, IsValidBucketName(name), "expected %q to be valid", name)
	}

	invalid := []string{
		"",
		"ab",
		strings.Repeat("a", 64),
		"UpperCase",
		"under_score",
		"-leading-dash",
		"trailing-dash-",
		".leading-dot",
		"double..dot",
		"dash-.dot",
		"dot.-dash",
		"192.168.0.1",
		".depot",
	}
	for _, name := range invalid {
		require.Falsef(t, IsValidBucketName(name), "expected %q to be invalid", name)
	}
}

func TestIsValidObjectKey(t *testing.T) {
	t.Parallel()

	valid := []string{
		"a",
		"dir1/dir2/file.txt",
		"name with spaces.txt",
		"...",
		"a..b",
		"ends.with.dots..",
		strings.Repeat("k", MaxKeyLength),
	}
	for _, key := range valid {
		require.Truef(t, IsValidObjectKey(key), "expected %q to be valid", key)
	}

	invalid := []string{
		"",
		strings.Repeat("k", MaxKeyLength+1),
		"/leading-slash",
		"trailing-slash/",
		"double//slash",
		".",
		"..",
		"a/./b",
		"a/../b",
		"nul\x00byte",
		"tab\tchar",
		"del\x7fchar",
	}
	for _, key := range invalid {
		require.Falsef(t, IsValidObjectKey(key), "expected %q to be invalid", key)
	}
}

func TestPutGetRoundtrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	require.NoError(t, store.CreateBucket("test-bucket"), "CreateBucket error")

	content := "hello depot"
	info, err := store.PutObject("test-bucket", "dir/greeting.txt", strings.NewReader(content), int64(len(content)), "text/plain", "")
	require.NoError(t, err, "PutObject error")

	sum := sha256.Sum256([]byte(content))
	wantETag := fmt.Sprintf("%q", hex.EncodeToString(sum[:]))
	require.Equal(t, wantETag, info.ETag, "ETag is the quoted payload hash")
	require.Equal(t, int64(len(content)), info.Size, "object size")
	require.Equal(t, "text/plain", info.ContentType, "content type")

	// Stat must agree with the put result.
	statInfo, err := store.StatObject("test-bucket", "dir/greeting.txt")
	require.NoError(t, err, "StatObject error")
	require.Equal(t, info.ETag, statInfo.ETag, "stat ETag")
	require.Equal(t, "text/plain", statInfo.ContentType, "stat content type")

	file, openInfo, err := store.OpenObject("test-bucket", "dir/greeting.txt")
	require.NoError(t, err, "OpenObject error")
	defer file.Close()
	require.Equal(t, info.ETag, openInfo.ETag, "open ETag")

	data, err := io.ReadAll(file)
	require.NoError(t, err, "reading object")
	require.Equal(t, content, string(data), "object content")
}

func TestPutObjectDefaults(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	require.NoError(t, store.CreateBucket("test-bucket"), "CreateBucket error")

	info := putString(t, store, "test-bucket", "plain.bin", "data")
	require.Equal(t, "application/octet-stream", info.ContentType, "default content type")

	// Overwrite changes the tag.
	second, err := store.PutObject("test-bucket", "plain.bin", strings.NewReader("other data"), -1, "", "")
	require.NoError(t, err, "overwrite error")
	require.NotEqual(t, info.ETag, second.ETag, "overwrite must change the ETag")

	statInfo, err := store.StatObject("test-bucket", "plain.bin")
	require.NoError(t, err, "StatObject error")
	require.Equal(t, second.ETag, statInfo.ETag, "stat sees the new content")
	require.Equal(t, int64(len("other data")), statInfo.Size, "stat size")
}

func TestPutObjectContentMD5(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	require.NoError(t, store.CreateBucket("test-bucket"), "CreateBucket error")

	content := "digest me"
	sum := md5.Sum([]byte(content))
	goodMD5 := base64.StdEncoding.EncodeToString(sum[:])

	_, err := store.PutObject("test-bucket", "ok.txt", strings.NewReader(content), int64(len(content)), "", goodMD5)
	require.NoError(t, err, "matching Content-MD5 must be accepted")

	wrongSum := md5.Sum([]byte("something else"))
	wrongMD5 := base64.StdEncoding.EncodeToString(wrongSum[:])
	_, err = store.PutObject("test-bucket", "bad.txt", strings.NewReader(content), int64(len(content)), "", wrongMD5)
	require.ErrorIs(t, err, ErrBadDigest, "mismatched Content-MD5")

	_, err = store.PutObject("test-bucket", "bad64.txt", strings.NewReader(content), int64(len(content)), "", "!!!not-base64!!!")
	require.ErrorIs(t, err, ErrBadDigest, "undecodable Content-MD5")

	// A rejected put must not leave an object behind.
	_, err = store.StatObject("test-bucket", "bad.txt")
	require.ErrorIs(t, err, ErrNoSuchKey, "failed put must not create the object")
}

func TestPutObjectLengthChecks(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	require.NoError(t, store.CreateBucket("test-bucket"), "CreateBucket error")

	_, err := store.PutObject("test-bucket", "short.txt", strings.NewReader("abc"), 10, "", "")
	require.ErrorIs(t, err, ErrIncompleteBody, "body shorter than declared")

	_, err = store.PutObject("test-bucket", "long.txt", strings.NewReader("abcdef"), 3, "", "")
	require.ErrorIs(t, err, ErrIncompleteBody, "body longer than declared")

	_, err = store.PutObject("test-bucket", "unknown.txt", strings.NewReader("abc"), -1, "", "")
	require.NoError(t, err, "unknown length must be accepted")

	_, err = store.PutObject("test-bucket", "exact.txt", strings.NewReader("ab"), 2, "", "")
	require.NoError(t, err, "exact length must be accepted")
}

func TestPutObjectTooLarge(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	store.maxObjectSize = 64
	require.NoError(t, store.CreateBucket("test-bucket"), "CreateBucket error")

	big := strings.Repeat("x", 65)

	_, err := store.PutObject("test-bucket", "declared.bin", strings.NewReader(big), int64(len(big)), "", "")
	require.ErrorIs(t, err, ErrEntityTooLarge, "declared length over the cap")

	_, err = store.PutObject("test-bucket", "streamed.bin", strings.NewReader(big), -1, "", "")
	require.ErrorIs(t, err, ErrEntityTooLarge, "unknown length over the cap")

	_, err = store.PutObject("test-bucket", "fits.bin", strings.NewReader(big[:64]), 64, "", "")
	require.NoError(t, err, "payload at the cap must be accepted")
}

func TestPutObjectMissingBucket(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	_, err := store.PutObject("missing-bucket", "key.txt", strings.NewReader("x"), 1, "", "")
	require.ErrorIs(t, err, ErrNoSuchBucket, "put into a missing bucket")
}

func TestObjectNameShapes(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	require.NoError(t, store.CreateBucket("test-bucket"), "CreateBucket error")

	putString(t, store, "test-bucket", "a/b", "nested")

	// The key "a" now names a directory on disk, not an object.
	_, err := store.StatObject("test-bucket", "a")
	require.ErrorIs(t, err, ErrNoSuchKey, "directory is not an object")

	// Storing at "a" would need to replace a non-empty directory.
	_, err = store.PutObject("test-bucket", "a", strings.NewReader("flat"), 4, "", "")
	require.ErrorIs(t, err, ErrInvalidObjectName, "key collides with a directory")

	// Storing under "a/b/c" would need "a/b", a regular file, as a directory.
	_, err = store.PutObject("test-bucket", "a/b/c", strings.NewReader("deep"), 4, "", "")
	require.ErrorIs(t, err, ErrInvalidObjectName, "key descends through a file")

	_, err = store.PutObject("test-bucket", "a/../escape", strings.NewReader("x"), 1, "", "")
	require.ErrorIs(t, err, ErrInvalidObjectName, "dot-dot segment")
}

func TestDeleteObject(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	require.NoError(t, store.CreateBucket("test-bucket"), "CreateBucket error")

	require.NoError(t, store.DeleteObject("test-bucket", "never-existed.txt"), "deleting a missing key is not an error")

	putString(t, store, "test-bucket", "deep/path/to/file.txt", "x")
	require.NoError(t, store.DeleteObject("test-bucket", "deep/path/to/file.txt"), "DeleteObject error")

	_, err := store.StatObject("test-bucket", "deep/path/to/file.txt")
	require.ErrorIs(t, err, ErrNoSuchKey, "object gone after delete")

	// Empty key directories are pruned but the bucket itself stays.
	_, err = os.Stat(filepath.Join(store.root, "test-bucket", "deep"))
	require.ErrorIs(t, err, os.ErrNotExist, "empty key directories pruned")
	_, err = os.Stat(filepath.Join(store.root, "test-bucket"))
	require.NoError(t, err, "bucket directory must survive")

	require.NoError(t, store.DeleteObject("test-bucket", "deep/path/to/file.txt"), "second delete is idempotent")

	require.ErrorIs(t, store.DeleteObject("missing-bucket", "x"), ErrNoSuchBucket, "delete in a missing bucket")
}

func TestBucketLifecycle(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	require.ErrorIs(t, store.CreateBucket("Bad Name"), ErrInvalidBucketName, "invalid bucket name")
	require.NoError(t, store.CreateBucket("test-bucket"), "CreateBucket error")
	require.ErrorIs(t, store.CreateBucket("test-bucket"), ErrBucketExists, "duplicate bucket")

	exists, err := store.BucketExists("test-bucket")
	require.NoError(t, err, "BucketExists error")
	require.True(t, exists, "bucket must exist")

	buckets, err := store.ListBuckets()
	require.NoError(t, err, "ListBuckets error")
	require.Len(t, buckets, 1, "bucket count")
	require.Equal(t, "test-bucket", buckets[0].Name, "bucket name")

	putString(t, store, "test-bucket", "blocker.txt", "x")
	require.ErrorIs(t, store.DeleteBucket("test-bucket"), ErrBucketNotEmpty, "bucket with objects")

	require.NoError(t, store.DeleteObject("test-bucket", "blocker.txt"), "DeleteObject error")
	require.NoError(t, store.DeleteBucket("test-bucket"), "DeleteBucket error")

	require.ErrorIs(t, store.DeleteBucket("test-bucket"), ErrNoSuchBucket, "bucket already gone")

	exists, err = store.BucketExists("test-bucket")
	require.NoError(t, err, "BucketExists error")
	require.False(t, exists, "bucket must be gone")
}

func TestDeleteBucketWithPendingUpload(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	require.NoError(t, store.CreateBucket("test-bucket"), "CreateBucket error")

	upload, err := store.InitiateUpload("test-bucket", "pending.bin", "")
	require.NoError(t, err, "InitiateUpload error")

	require.ErrorIs(t, store.DeleteBucket("test-bucket"), ErrBucketNotEmpty, "bucket with in-flight upload")

	require.NoError(t, store.AbortUpload("test-bucket", "pending.bin", upload.UploadID), "AbortUpload error")
	require.NoError(t, store.DeleteBucket("test-bucket"), "DeleteBucket after abort")
}

func TestCopyObject(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	require.NoError(t, store.CreateBucket("src-bucket"), "CreateBucket src error")
	require.NoError(t, store.CreateBucket("dst-bucket"), "CreateBucket dst error")

	srcInfo, err := store.PutObject("src-bucket", "orig.txt", strings.NewReader("copy me"), 7, "text/plain", "")
	require.NoError(t, err, "PutObject error")

	dstInfo, err := store.CopyObject("src-bucket", "orig.txt", "dst-bucket", "nested/copy.txt")
	require.NoError(t, err, "CopyObject error")
	require.Equal(t, srcInfo.ETag, dstInfo.ETag, "copy preserves the ETag")

	statInfo, err := store.StatObject("dst-bucket", "nested/copy.txt")
	require.NoError(t, err, "StatObject error")
	require.Equal(t, "text/plain", statInfo.ContentType, "copy preserves the content type")

	file, _, err := store.OpenObject("dst-bucket", "nested/copy.txt")
	require.NoError(t, err, "OpenObject error")
	defer file.Close()
	data, err := io.ReadAll(file)
	require.NoError(t, err, "reading copy")
	require.Equal(t, "copy me", string(data), "copy content")

	_, err = store.CopyObject("src-bucket", "missing.txt", "dst-bucket", "x.txt")
	require.ErrorIs(t, err, ErrNoSuchKey, "copy of a missing source")
}

func TestETagStableAcrossReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	store, err := NewStore(dir)
	require.NoError(t, err, "NewStore error")
	require.NoError(t, store.CreateBucket("test-bucket"), "CreateBucket error")
	info := putString(t, store, "test-bucket", "stable.txt", "unchanging")
	require.NoError(t, store.Close(), "Close error")

	// A fresh store over the same directory must not invent a new tag,
	// whether it hits the cache or rehashes the file.
	reopened, err := NewStore(dir)
	require.NoError(t, err, "reopening store")
	defer reopened.Close()

	statInfo, err := reopened.StatObject("test-bucket", "stable.txt")
	require.NoError(t, err, "StatObject error")
	require.Equal(t, info.ETag, statInfo.ETag, "ETag after reopen")
}

func TestStatObjectRecomputesStaleCache(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	require.NoError(t, store.CreateBucket("test-bucket"), "CreateBucket error")
	putString(t, store, "test-bucket", "mutated.txt", "original")

	// Rewrite the backing file behind the store's back.
	path := filepath.Join(store.root, "test-bucket", "mutated.txt")
	require.NoError(t, os.WriteFile(path, []byte("changed content"), 0o644), "rewriting backing file")

	statInfo, err := store.StatObject("test-bucket", "mutated.txt")
	require.NoError(t, err, "StatObject error")

	sum := sha256.Sum256([]byte("changed content"))
	want := fmt.Sprintf("%q", hex.EncodeToString(sum[:]))
	require.Equal(t, want, statInfo.ETag, "stale cache entry must be recomputed")
}

func TestListObjectsV2Basics(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	require.NoError(t, store.CreateBucket("test-bucket"), "CreateBucket error")

	keys := []string{"photos/2023/a.jpg", "photos/2023/b.jpg", "photos/2024/c.jpg", "readme.txt"}
	for _, key := range keys {
		putString(t, store, "test-bucket", key, key)
	}

	// Flat listing returns everything in key order.
	page, err := store.ListObjectsV2("test-bucket", ListObjectsOptions{MaxKeys: 1000})
	require.NoError(t, err, "ListObjectsV2 error")
	require.False(t, page.IsTruncated, "full listing must not truncate")
	require.Len(t, page.Objects, 4, "object count")
	for i, key := range keys {
		require.Equalf(t, key, page.Objects[i].Key, "key %d", i)
	}

	// Delimiter grouping at the top level.
	page, err = store.ListObjectsV2("test-bucket", ListObjectsOptions{Delimiter: "/", MaxKeys: 1000})
	require.NoError(t, err, "ListObjectsV2 with delimiter error")
	require.Equal(t, []string{"photos/"}, page.CommonPrefixes, "common prefixes")
	require.Len(t, page.Objects, 1, "top level objects")
	require.Equal(t, "readme.txt", page.Objects[0].Key, "top level key")

	// Delimiter grouping under a prefix.
	page, err = store.ListObjectsV2("test-bucket", ListObjectsOptions{Prefix: "photos/", Delimiter: "/", MaxKeys: 1000})
	require.NoError(t, err, "ListObjectsV2 with prefix error")
	require.Equal(t, []string{"photos/2023/", "photos/2024/"}, page.CommonPrefixes, "nested prefixes")
	require.Empty(t, page.Objects, "no direct children")

	_, err = store.ListObjectsV2("missing-bucket", ListObjectsOptions{MaxKeys: 1000})
	require.ErrorIs(t, err, ErrNoSuchBucket, "listing a missing bucket")
}

func TestListObjectsV2PaginationExactlyOnce(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	require.NoError(t, store.CreateBucket("test-bucket"), "CreateBucket error")

	var want []string
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("obj-%02d.dat", i)
		want = append(want, key)
		putString(t, store, "test-bucket", key, key)
	}

	var got []string
	token := ""
	pages := 0
	for {
		page, err := store.ListObjectsV2("test-bucket", ListObjectsOptions{MaxKeys: 3, ContinuationToken: token})
		require.NoError(t, err, "ListObjectsV2 page error")
		for _, obj := range page.Objects {
			got = append(got, obj.Key)
		}
		pages++
		if !page.IsTruncated {
			break
		}
		require.NotEmpty(t, page.NextContinuationToken, "truncated page needs a token")
		token = page.NextContinuationToken
	}

	require.Equal(t, 4, pages, "page count")
	require.Equal(t, want, got, "every key exactly once, in order")
}

func TestListObjectsV2PaginationWithDelimiter(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	require.NoError(t, store.CreateBucket("test-bucket"), "CreateBucket error")

	keys := []string{"logs/2024/a.log", "logs/2024/b.log", "logs/2025/c.log", "zebra.txt"}
	for _, key := range keys {
		putString(t, store, "test-bucket", key, key)
	}

	// One entry per page: the group counts once and never reappears.
	var entries []string
	token := ""
	for {
		page, err := store.ListObjectsV2("test-bucket", ListObjectsOptions{Delimiter: "/", MaxKeys: 1, ContinuationToken: token})
		require.NoError(t, err, "ListObjectsV2 page error")
		for _, prefix := range page.CommonPrefixes {
			entries = append(entries, prefix)
		}
		for _, obj := range page.Objects {
			entries = append(entries, obj.Key)
		}
		if !page.IsTruncated {
			break
		}
		token = page.NextContinuationToken
	}

	require.Equal(t, []string{"logs/", "zebra.txt"}, entries, "grouped listing across pages")
}

func TestListObjectsV2DeleteBetweenPages(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	require.NoError(t, store.CreateBucket("test-bucket"), "CreateBucket error")

	for _, key := range []string{"a.txt", "b.txt", "c.txt", "d.txt"} {
		putString(t, store, "test-bucket", key, key)
	}

	page, err := store.ListObjectsV2("test-bucket", ListObjectsOptions{MaxKeys: 2})
	require.NoError(t, err, "first page error")
	require.True(t, page.IsTruncated, "first page truncated")
	require.Equal(t, []string{"a.txt", "b.txt"}, []string{page.Objects[0].Key, page.Objects[1].Key}, "first page keys")

	// Deleting an already-returned key must not disturb the next page.
	require.NoError(t, store.DeleteObject("test-bucket", "a.txt"), "DeleteObject error")

	page, err = store.ListObjectsV2("test-bucket", ListObjectsOptions{MaxKeys: 2, ContinuationToken: page.NextContinuationToken})
	require.NoError(t, err, "second page error")
	require.False(t, page.IsTruncated, "second page final")
	require.Equal(t, []string{"c.txt", "d.txt"}, []string{page.Objects[0].Key, page.Objects[1].Key}, "second page keys")
}

func TestListObjectsV2StartAfter(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	require.NoError(t, store.CreateBucket("test-bucket"), "CreateBucket error")

	for _, key := range []string{"a.txt", "b.txt", "c.txt"} {
		putString(t, store, "test-bucket", key, key)
	}

	page, err := store.ListObjectsV2("test-bucket", ListObjectsOptions{StartAfter: "a.txt", MaxKeys: 1000})
	require.NoError(t, err, "ListObjectsV2 error")
	require.Len(t, page.Objects, 2, "objects after start-after")
	require.Equal(t, "b.txt", page.Objects[0].Key, "first key")

	// An explicit token wins over start-after.
	page, err = store.ListObjectsV2("test-bucket", ListObjectsOptions{StartAfter: "a.txt", ContinuationToken: "b.txt", MaxKeys: 1000})
	require.NoError(t, err, "ListObjectsV2 with token error")
	require.Len(t, page.Objects, 1, "objects after token")
	require.Equal(t, "c.txt", page.Objects[0].Key, "token key")
}

func TestPutObjectLargePayloadIntegrity(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	require.NoError(t, store.CreateBucket("test-bucket"), "CreateBucket error")

	payload := bytes.Repeat([]byte{0xA5, 0x5A, 0x00, 0xFF}, 1<<18) // 1 MiB
	info, err := store.PutObject("test-bucket", "blob.bin", bytes.NewReader(payload), int64(len(payload)), "", "")
	require.NoError(t, err, "PutObject error")
	require.Equal(t, int64(len(payload)), info.Size, "size")

	file, _, err := store.OpenObject("test-bucket", "blob.bin")
	require.NoError(t, err, "OpenObject error")
	defer file.Close()

	data, err := io.ReadAll(file)
	require.NoError(t, err, "reading object")
	require.True(t, bytes.Equal(payload, data), "payload integrity")
}
