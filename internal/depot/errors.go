package depot

import (
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Sentinel errors returned by the storage layer. The HTTP layer maps each of
// them onto an S3 error code and status. Anything unrecognized becomes a 500
// InternalError whose cause is logged but never echoed to the client.
var (
	ErrInvalidBucketName = errors.New("invalid bucket name")
	ErrInvalidObjectName = errors.New("invalid object key")
	ErrNoSuchBucket      = errors.New("bucket does not exist")
	ErrNoSuchKey         = errors.New("key does not exist")
	ErrNoSuchUpload      = errors.New("multipart upload does not exist")
	ErrBucketExists      = errors.New("bucket already exists")
	ErrBucketNotEmpty    = errors.New("bucket is not empty")
	ErrEntityTooLarge    = errors.New("payload exceeds the maximum object size")
	ErrIncompleteBody    = errors.New("body ended before the declared content length")
	ErrBadDigest         = errors.New("payload does not match Content-MD5")
	ErrInvalidPart       = errors.New("part missing or entity tag mismatch")
	ErrInvalidPartOrder  = errors.New("part numbers must be strictly increasing")
	ErrInvalidPartNumber = errors.New("part number out of range")
	ErrInvalidRange      = errors.New("range not satisfiable")
)

// writeXMLResponse XML-encodes the payload with the given status code.
func writeXMLResponse(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(statusCode)
	if err := xml.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("encode xml response", "err", err)
	}
}

// writeS3Error writes an S3-style XML error response. The request id comes
// from the x-amz-request-id header when the logging middleware already set
// one, so the body and header always agree.
func writeS3Error(w http.ResponseWriter, r *http.Request, code string, message string, statusCode int) {
	requestID := w.Header().Get("x-amz-request-id")
	if requestID == "" {
		requestID = newRequestID()
		w.Header().Set("x-amz-request-id", requestID)
	}
	writeXMLResponse(w, statusCode, S3Error{
		Code:      code,
		Message:   message,
		Resource:  r.URL.Path,
		RequestID: requestID,
	})
}

func writeInternalError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, r, "InternalError", "We encountered an internal error. Please try again.", http.StatusInternalServerError)
}

func writeNoSuchBucketError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, r, "NoSuchBucket", "The specified bucket does not exist.", http.StatusNotFound)
}

func writeNoSuchKeyError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, r, "NoSuchKey", "The specified key does not exist.", http.StatusNotFound)
}

func writeNoSuchUploadError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, r, "NoSuchUpload", "The specified multipart upload does not exist.", http.StatusNotFound)
}

func writeMalformedXMLError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, r, "MalformedXML", "The XML you provided was not well-formed or did not validate against our published schema.", http.StatusBadRequest)
}

// writeInvalidRangeError reports an unsatisfiable range along with the
// actual object size so clients can retry with valid bounds.
func writeInvalidRangeError(w http.ResponseWriter, r *http.Request, totalSize int64) {
	w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", totalSize))
	writeS3Error(w, r, "InvalidRange", "The requested range is not satisfiable", http.StatusRequestedRangeNotSatisfiable)
}

func writeNotImplemented(w http.ResponseWriter, r *http.Request, what string) {
	writeS3Error(w, r, "NotImplemented", fmt.Sprintf("%s is not implemented.", what), http.StatusNotImplemented)
}

// writeStorageError is the single mapping point from storage sentinels to
// the S3 error surface.
func writeStorageError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNoSuchBucket):
		writeNoSuchBucketError(w, r)
	case errors.Is(err, ErrNoSuchKey):
		writeNoSuchKeyError(w, r)
	case errors.Is(err, ErrNoSuchUpload):
		writeNoSuchUploadError(w, r)
	case errors.Is(err, ErrInvalidBucketName):
		writeS3Error(w, r, "InvalidBucketName", "The specified bucket is not valid.", http.StatusBadRequest)
	case errors.Is(err, ErrInvalidObjectName):
		writeS3Error(w, r, "InvalidObjectName", "The specified key is not valid.", http.StatusBadRequest)
	case errors.Is(err, ErrBucketExists):
		writeS3Error(w, r, "BucketAlreadyExists", "The requested bucket name is not available. The bucket namespace is shared by all users of the system. Please select a different name and try again.", http.StatusConflict)
	case errors.Is(err, ErrBucketNotEmpty):
		writeS3Error(w, r, "BucketNotEmpty", "The bucket you tried to delete is not empty.", http.StatusConflict)
	case errors.Is(err, ErrEntityTooLarge):
		writeS3Error(w, r, "EntityTooLarge", "Your proposed upload exceeds the maximum allowed object size.", http.StatusRequestEntityTooLarge)
	case errors.Is(err, ErrIncompleteBody):
		writeS3Error(w, r, "IncompleteBody", "You did not provide the number of bytes specified by the Content-Length HTTP header.", http.StatusBadRequest)
	case errors.Is(err, ErrBadDigest):
		writeS3Error(w, r, "BadDigest", "The Content-MD5 you specified did not match what we received.", http.StatusBadRequest)
	case errors.Is(err, ErrInvalidPartNumber):
		writeS3Error(w, r, "InvalidArgument", "Invalid part number.", http.StatusBadRequest)
	case errors.Is(err, ErrInvalidPart):
		writeS3Error(w, r, "InvalidPart", "One or more of the specified parts could not be found.", http.StatusBadRequest)
	case errors.Is(err, ErrInvalidPartOrder):
		writeS3Error(w, r, "InvalidPartOrder", "The list of parts was not in ascending order. Parts must be ordered by part number.", http.StatusBadRequest)
	default:
		slog.Error("storage operation failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeInternalError(w, r)
	}
}
