package depot

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func initiateTestUpload(t *testing.T, store *Store, bucket string, key string, contentType string) UploadInfo {
	t.Helper()

	require.NoError(t, store.CreateBucket(bucket), "CreateBucket error")
	upload, err := store.InitiateUpload(bucket, key, contentType)
	require.NoError(t, err, "InitiateUpload error")
	require.NotEmpty(t, upload.UploadID, "upload id")
	return upload
}

func uploadTestPart(t *testing.T, store *Store, upload UploadInfo, partNumber int, content string) PartInfo {
	t.Helper()

	part, err := store.UploadPart(upload.Bucket, upload.Key, upload.UploadID, partNumber, strings.NewReader(content), int64(len(content)))
	require.NoErrorf(t, err, "UploadPart %d", partNumber)
	return part
}

func TestMultipartRoundtrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	upload := initiateTestUpload(t, store, "test-bucket", "archive/data.bin", "application/zip")

	contents := []string{
		strings.Repeat("A", 1024),
		strings.Repeat("B", 2048),
		strings.Repeat("C", 512),
	}
	var parts []PartInfo
	for i, content := range contents {
		part := uploadTestPart(t, store, upload, i+1, content)
		sum := md5.Sum([]byte(content))
		require.Equalf(t, fmt.Sprintf("%q", hex.EncodeToString(sum[:])), part.ETag, "part %d ETag is the quoted payload MD5", i+1)
		parts = append(parts, part)
	}

	// Nothing exists under the key until the upload completes.
	_, err := store.StatObject("test-bucket", "archive/data.bin")
	require.ErrorIs(t, err, ErrNoSuchKey, "object must not appear before complete")

	completed := make([]CompletedPart, len(parts))
	for i, part := range parts {
		completed[i] = CompletedPart{PartNumber: part.PartNumber, ETag: part.ETag}
	}
	info, err := store.CompleteUpload(upload.Bucket, upload.Key, upload.UploadID, completed)
	require.NoError(t, err, "CompleteUpload error")

	var composite []byte
	for _, part := range parts {
		raw, err := hex.DecodeString(trimETag(part.ETag))
		require.NoError(t, err, "decoding part ETag")
		composite = append(composite, raw...)
	}
	sum := md5.Sum(composite)
	wantETag := fmt.Sprintf("%q", fmt.Sprintf("%s-%d", hex.EncodeToString(sum[:]), len(parts)))
	require.Equal(t, wantETag, info.ETag, "composite ETag")
	require.Equal(t, int64(1024+2048+512), info.Size, "assembled size")
	require.Equal(t, "application/zip", info.ContentType, "content type from initiate")

	file, statInfo, err := store.OpenObject("test-bucket", "archive/data.bin")
	require.NoError(t, err, "OpenObject error")
	defer file.Close()
	require.Equal(t, wantETag, statInfo.ETag, "stored ETag")

	data, err := io.ReadAll(file)
	require.NoError(t, err, "reading assembled object")
	require.Equal(t, strings.Join(contents, ""), string(data), "assembled content")

	// The upload is gone once it completes.
	_, err = store.CompleteUpload(upload.Bucket, upload.Key, upload.UploadID, completed)
	require.ErrorIs(t, err, ErrNoSuchUpload, "complete after complete")
	_, err = store.UploadPart(upload.Bucket, upload.Key, upload.UploadID, 4, strings.NewReader("late"), 4)
	require.ErrorIs(t, err, ErrNoSuchUpload, "upload part after complete")
	_, err = store.ListParts(upload.Bucket, upload.Key, upload.UploadID, 0, 100)
	require.ErrorIs(t, err, ErrNoSuchUpload, "list parts after complete")
}

func TestCompleteUploadAcceptsUnquotedETags(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	upload := initiateTestUpload(t, store, "test-bucket", "solo.bin", "")
	part := uploadTestPart(t, store, upload, 1, "only part")

	_, err := store.CompleteUpload(upload.Bucket, upload.Key, upload.UploadID, []CompletedPart{
		{PartNumber: 1, ETag: trimETag(part.ETag)},
	})
	require.NoError(t, err, "unquoted part ETag must match")
}

func TestCompleteUploadValidation(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	upload := initiateTestUpload(t, store, "test-bucket", "strict.bin", "")
	part1 := uploadTestPart(t, store, upload, 1, "first")
	part2 := uploadTestPart(t, store, upload, 2, "second")

	tests := []struct {
		name    string
		parts   []CompletedPart
		wantErr error
	}{
		{
			name:    "no parts",
			parts:   nil,
			wantErr: ErrInvalidPart,
		},
		{
			name: "wrong etag",
			parts: []CompletedPart{
				{PartNumber: 1, ETag: `"00000000000000000000000000000000"`},
			},
			wantErr: ErrInvalidPart,
		},
		{
			name: "part never uploaded",
			parts: []CompletedPart{
				{PartNumber: 1, ETag: part1.ETag},
				{PartNumber: 3, ETag: part2.ETag},
			},
			wantErr: ErrInvalidPart,
		},
		{
			name: "decreasing order",
			parts: []CompletedPart{
				{PartNumber: 2, ETag: part2.ETag},
				{PartNumber: 1, ETag: part1.ETag},
			},
			wantErr: ErrInvalidPartOrder,
		},
		{
			name: "repeated part number",
			parts: []CompletedPart{
				{PartNumber: 1, ETag: part1.ETag},
				{PartNumber: 1, ETag: part1.ETag},
			},
			wantErr: ErrInvalidPartOrder,
		},
		{
			name: "part number zero",
			parts: []CompletedPart{
				{PartNumber: 0, ETag: part1.ETag},
			},
			wantErr: ErrInvalidPartNumber,
		},
		{
			name: "part number too large",
			parts: []CompletedPart{
				{PartNumber: MaxPartNumber + 1, ETag: part1.ETag},
			},
			wantErr: ErrInvalidPartNumber,
		},
	}
	for _, tc := range tests {
		tc := tc // capture range variable
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := store.CompleteUpload(upload.Bucket, upload.Key, upload.UploadID, tc.parts)
			require.ErrorIs(t, err, tc.wantErr, "CompleteUpload error")
		})
	}
}

func TestUploadPartValidation(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	upload := initiateTestUpload(t, store, "test-bucket", "parts.bin", "")

	_, err := store.UploadPart(upload.Bucket, upload.Key, upload.UploadID, 0, strings.NewReader("x"), 1)
	require.ErrorIs(t, err, ErrInvalidPartNumber, "part number zero")

	_, err = store.UploadPart(upload.Bucket, upload.Key, upload.UploadID, MaxPartNumber+1, strings.NewReader("x"), 1)
	require.ErrorIs(t, err, ErrInvalidPartNumber, "part number too large")

	_, err = store.UploadPart(upload.Bucket, upload.Key, upload.UploadID, 1, strings.NewReader("abc"), 5)
	require.ErrorIs(t, err, ErrIncompleteBody, "short part body")

	_, err = store.UploadPart(upload.Bucket, upload.Key, "no-such-id", 1, strings.NewReader("x"), 1)
	require.ErrorIs(t, err, ErrNoSuchUpload, "unknown upload id")
}

func TestUploadIDScopedToBucketAndKey(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	upload := initiateTestUpload(t, store, "test-bucket", "scoped.bin", "")
	require.NoError(t, store.CreateBucket("other-bucket"), "CreateBucket error")

	_, err := store.UploadPart(upload.Bucket, "other-key.bin", upload.UploadID, 1, strings.NewReader("x"), 1)
	require.ErrorIs(t, err, ErrNoSuchUpload, "id used with a different key")

	_, err = store.UploadPart("other-bucket", upload.Key, upload.UploadID, 1, strings.NewReader("x"), 1)
	require.ErrorIs(t, err, ErrNoSuchUpload, "id used with a different bucket")

	_, err = store.ListParts(upload.Bucket, "other-key.bin", upload.UploadID, 0, 100)
	require.ErrorIs(t, err, ErrNoSuchUpload, "listing with a different key")
}

func TestInitiateUploadMissingBucket(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	_, err := store.InitiateUpload("missing-bucket", "key.bin", "")
	require.ErrorIs(t, err, ErrNoSuchBucket, "initiate in a missing bucket")

	_, err = store.InitiateUpload("test-bucket", "bad//key", "")
	require.ErrorIs(t, err, ErrInvalidObjectName, "initiate with an invalid key")
}

func TestUploadPartReplacesPrevious(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	upload := initiateTestUpload(t, store, "test-bucket", "replaced.bin", "")

	stale := uploadTestPart(t, store, upload, 1, "first attempt")
	fresh := uploadTestPart(t, store, upload, 1, "second attempt")
	require.NotEqual(t, stale.ETag, fresh.ETag, "replacement must change the part ETag")

	// The stale tag no longer matches.
	_, err := store.CompleteUpload(upload.Bucket, upload.Key, upload.UploadID, []CompletedPart{
		{PartNumber: 1, ETag: stale.ETag},
	})
	require.ErrorIs(t, err, ErrInvalidPart, "stale ETag in complete")

	info, err := store.CompleteUpload(upload.Bucket, upload.Key, upload.UploadID, []CompletedPart{
		{PartNumber: 1, ETag: fresh.ETag},
	})
	require.NoError(t, err, "CompleteUpload error")
	require.Equal(t, int64(len("second attempt")), info.Size, "assembled size uses the replacement")

	file, _, err := store.OpenObject("test-bucket", "replaced.bin")
	require.NoError(t, err, "OpenObject error")
	defer file.Close()
	data, err := io.ReadAll(file)
	require.NoError(t, err, "reading object")
	require.Equal(t, "second attempt", string(data), "replacement content wins")
}

func TestAbortUpload(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	upload := initiateTestUpload(t, store, "test-bucket", "doomed.bin", "")
	uploadTestPart(t, store, upload, 1, "wasted effort")

	require.NoError(t, store.AbortUpload(upload.Bucket, upload.Key, upload.UploadID), "AbortUpload error")

	// Part files are gone with the upload.
	_, err := os.Stat(store.uploadDir(upload.UploadID))
	require.ErrorIs(t, err, os.ErrNotExist, "upload directory removed")

	_, err = store.UploadPart(upload.Bucket, upload.Key, upload.UploadID, 2, strings.NewReader("x"), 1)
	require.ErrorIs(t, err, ErrNoSuchUpload, "upload part after abort")
	_, err = store.CompleteUpload(upload.Bucket, upload.Key, upload.UploadID, []CompletedPart{{PartNumber: 1, ETag: `"irrelevant"`}})
	require.ErrorIs(t, err, ErrNoSuchUpload, "complete after abort")

	// Retrying an abort is harmless.
	require.NoError(t, store.AbortUpload(upload.Bucket, upload.Key, upload.UploadID), "second abort")
	require.NoError(t, store.AbortUpload(upload.Bucket, upload.Key, "never-existed"), "abort of an unknown id")
}

func TestUploadPartTooLarge(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	upload := initiateTestUpload(t, store, "test-bucket", "big.bin", "")
	store.maxObjectSize = 8

	big := strings.Repeat("x", 9)
	_, err := store.UploadPart(upload.Bucket, upload.Key, upload.UploadID, 1, strings.NewReader(big), int64(len(big)))
	require.ErrorIs(t, err, ErrEntityTooLarge, "oversized part")

	// Individually fine, too large once assembled.
	partA := uploadTestPart(t, store, upload, 1, "12345")
	partB := uploadTestPart(t, store, upload, 2, "67890")
	_, err = store.CompleteUpload(upload.Bucket, upload.Key, upload.UploadID, []CompletedPart{
		{PartNumber: 1, ETag: partA.ETag},
		{PartNumber: 2, ETag: partB.ETag},
	})
	require.ErrorIs(t, err, ErrEntityTooLarge, "oversized assembly")
}

func TestListPartsPagination(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	upload := initiateTestUpload(t, store, "test-bucket", "paged.bin", "")

	for i := 1; i <= 5; i++ {
		uploadTestPart(t, store, upload, i, fmt.Sprintf("part %d", i))
	}

	var got []int
	marker := 0
	for {
		page, err := store.ListParts(upload.Bucket, upload.Key, upload.UploadID, marker, 2)
		require.NoError(t, err, "ListParts error")
		require.Equal(t, marker, page.PartNumberMarker, "echoed marker")
		require.Equal(t, 2, page.MaxParts, "echoed max parts")
		for _, part := range page.Parts {
			got = append(got, part.PartNumber)
		}
		if !page.IsTruncated {
			break
		}
		marker = page.NextPartNumberMarker
	}

	require.Equal(t, []int{1, 2, 3, 4, 5}, got, "every part exactly once, in order")
}

func TestListUploads(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	require.NoError(t, store.CreateBucket("test-bucket"), "CreateBucket error")

	keys := []string{"logs/app.log", "logs/app.log", "media/clip.mp4", "notes.txt"}
	ids := make(map[string]bool)
	for _, key := range keys {
		upload, err := store.InitiateUpload("test-bucket", key, "")
		require.NoError(t, err, "InitiateUpload error")
		ids[upload.UploadID] = true
	}
	require.Len(t, ids, 4, "distinct upload ids")

	// Full listing is ordered by key, then upload id.
	all, err := store.ListUploads("test-bucket", "", "", "", 1000)
	require.NoError(t, err, "ListUploads error")
	require.Len(t, all.Uploads, 4, "upload count")
	require.False(t, all.IsTruncated, "full listing must not truncate")
	for i := 1; i < len(all.Uploads); i++ {
		prev, curr := all.Uploads[i-1], all.Uploads[i]
		inOrder := prev.Key < curr.Key || (prev.Key == curr.Key && prev.UploadID < curr.UploadID)
		require.Truef(t, inOrder, "uploads out of order at %d", i)
	}

	// Prefix filtering.
	logs, err := store.ListUploads("test-bucket", "logs/", "", "", 1000)
	require.NoError(t, err, "ListUploads with prefix error")
	require.Len(t, logs.Uploads, 2, "prefix-filtered count")

	// Paging with the marker pair walks every upload exactly once.
	var seen []string
	keyMarker, idMarker := "", ""
	pages := 0
	for {
		page, err := store.ListUploads("test-bucket", "", keyMarker, idMarker, 1)
		require.NoError(t, err, "ListUploads page error")
		for _, u := range page.Uploads {
			seen = append(seen, u.UploadID)
		}
		pages++
		if !page.IsTruncated {
			break
		}
		keyMarker, idMarker = page.NextKeyMarker, page.NextUploadIDMarker
	}
	require.Equal(t, 4, pages, "page count")
	require.Len(t, seen, 4, "paged upload count")
	for i, id := range seen {
		require.Equalf(t, all.Uploads[i].UploadID, id, "paged order at %d", i)
	}

	_, err = store.ListUploads("missing-bucket", "", "", "", 1000)
	require.ErrorIs(t, err, ErrNoSuchBucket, "listing a missing bucket")
}
