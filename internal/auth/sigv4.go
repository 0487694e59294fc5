package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	AWSv4Prefix = "AWS4-HMAC-SHA256 "

	// UnsignedPayload is the placeholder hash clients send when the body
	// is not covered by the signature.
	UnsignedPayload = "UNSIGNED-PAYLOAD"

	// StreamingPayload is the placeholder hash clients send when the body
	// is aws-chunked with per-chunk signatures.
	StreamingPayload = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD"

	// StreamingPayloadTrailer and StreamingUnsignedPayloadTrailer mark
	// aws-chunked bodies that carry checksum trailers after the last chunk.
	StreamingPayloadTrailer         = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD-TRAILER"
	StreamingUnsignedPayloadTrailer = "STREAMING-UNSIGNED-PAYLOAD-TRAILER"

	amzDateFormat   = "20060102T150405Z"
	scopeDateFormat = "20060102"

	DefaultMaxClockSkew = 15 * time.Minute
)

var (
	// ErrNotSigned reports a request that carries no SigV4 authorization
	// at all, or one too malformed to parse.
	ErrNotSigned = errors.New("request is not signed with AWS signature v4")

	// ErrTimeSkewed reports a request timestamp outside the accepted
	// clock-skew window.
	ErrTimeSkewed = errors.New("request time outside the clock skew window")
)

// SigV4Engine verifies AWS Signature Version 4 request signatures against a
// single configured credential pair.
type SigV4Engine struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	MaxClockSkew    time.Duration

	// Now is the clock used for skew checks. Tests substitute a fixed
	// time here.
	Now func() time.Time
}

// NewSigV4Engine creates a SigV4Engine for the given credential pair and
// region, with the default clock-skew window.
func NewSigV4Engine(accessKeyID, secretAccessKey, region string) *SigV4Engine {
	return &SigV4Engine{
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
		Region:          region,
		MaxClockSkew:    DefaultMaxClockSkew,
		Now:             time.Now,
	}
}

func awsURLEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.' || c == '~' {
			b.WriteByte(c)
			continue
		}
		if c == '/' && !encodeSlash {
			b.WriteByte(c)
			continue
		}
		b.WriteString("%")
		b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
	}
	return b.String()
}

func canonicalQueryString(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}

	values := u.Query()
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vs := values[k]
		sort.Strings(vs)
		for _, v := range vs {
			encodedKey := awsURLEncode(k, true)
			encodedVal := awsURLEncode(v, true)
			parts = append(parts, encodedKey+"="+encodedVal)
		}
	}

	return strings.Join(parts, "&")
}

func canonicalHeaderValue(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	fields := strings.Fields(v)
	return strings.Join(fields, " ")
}

// BuildCanonicalRequest reconstructs the SigV4 canonical request string for
// an incoming request, covering exactly the headers the client declared in
// SignedHeaders. The URI path is taken as transmitted; clients encode it
// once, so re-encoding here would sign different bytes than they did.
func BuildCanonicalRequest(r *http.Request, signedHeaderNames []string, payloadHash string) string {
	canonicalURI := r.URL.EscapedPath()
	if canonicalURI == "" {
		canonicalURI = "/"
	}
	canonicalQS := canonicalQueryString(r.URL)

	lowerNames := make([]string, len(signedHeaderNames))
	for i, h := range signedHeaderNames {
		lowerNames[i] = strings.ToLower(strings.TrimSpace(h))
	}

	var hdrBuilder strings.Builder
	for _, name := range lowerNames {
		if name == "" {
			continue
		}
		var value string
		switch name {
		case "host":
			// The Host header is promoted to r.Host by net/http.
			value = r.Host
			if value == "" {
				value = r.URL.Host
			}
		case "content-length":
			value = r.Header.Get(name)
			if value == "" && r.ContentLength >= 0 {
				value = strconv.FormatInt(r.ContentLength, 10)
			}
		default:
			value = strings.Join(r.Header.Values(name), ",")
		}
		value = canonicalHeaderValue(value)
		hdrBuilder.WriteString(name)
		hdrBuilder.WriteString(":")
		hdrBuilder.WriteString(value)
		hdrBuilder.WriteString("\n")
	}
	canonicalHeaders := hdrBuilder.String()
	canonicalSignedHeaders := strings.Join(lowerNames, ";")

	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteString("\n")
	b.WriteString(canonicalURI)
	b.WriteString("\n")
	b.WriteString(canonicalQS)
	b.WriteString("\n")
	b.WriteString(canonicalHeaders)
	b.WriteString("\n")
	b.WriteString(canonicalSignedHeaders)
	b.WriteString("\n")
	b.WriteString(payloadHash)

	return b.String()
}

func HmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// SigningKey derives the SigV4 signing key for the given secret and
// credential scope components.
func SigningKey(secretAccessKey, dateStamp, region, service string) []byte {
	kSecret := []byte("AWS4" + secretAccessKey)
	kDate := HmacSHA256(kSecret, dateStamp)
	kRegion := HmacSHA256(kDate, region)
	kService := HmacSHA256(kRegion, service)
	return HmacSHA256(kService, "aws4_request")
}

func containsHeader(signedHeaderNames []string, want string) bool {
	for _, h := range signedHeaderNames {
		if strings.EqualFold(strings.TrimSpace(h), want) {
			return true
		}
	}
	return false
}

// AuthenticateRequest verifies the request's SigV4 signature against the
// configured credential pair. On success it returns the authenticated User.
// Every rejection path returns a descriptive error for the server log; the
// HTTP layer is responsible for collapsing these to a generic denial so the
// response does not reveal which check failed.
func (e *SigV4Engine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, AWSv4Prefix) {
		if r.URL.Query().Has("X-Amz-Signature") {
			return nil, fmt.Errorf("%w: presigned query authentication is not supported", ErrNotSigned)
		}
		return nil, ErrNotSigned
	}

	params := strings.TrimSpace(strings.TrimPrefix(authHeader, AWSv4Prefix))
	parts := strings.Split(params, ",")
	kv := make(map[string]string, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		idx := strings.IndexByte(p, '=')
		if idx <= 0 {
			continue
		}
		k := p[:idx]
		v := p[idx+1:]
		kv[k] = strings.TrimSpace(v)
	}

	credStr, okCred := kv["Credential"]
	signedHeadersStr, okSigned := kv["SignedHeaders"]
	signatureHex, okSig := kv["Signature"]
	if !okCred || !okSigned || !okSig {
		return nil, fmt.Errorf("%w: authorization header is missing components", ErrNotSigned)
	}

	credParts := strings.Split(credStr, "/")
	if len(credParts) != 5 {
		return nil, fmt.Errorf("credential scope has %d components, want 5", len(credParts))
	}
	accessKeyID := credParts[0]
	dateStamp := credParts[1]
	region := credParts[2]
	service := credParts[3]
	term := credParts[4]

	if term != "aws4_request" {
		return nil, fmt.Errorf("credential scope terminator %q is not aws4_request", term)
	}
	if service != "s3" {
		return nil, fmt.Errorf("credential scope service %q is not s3", service)
	}
	if e.Region != "" && region != e.Region {
		return nil, fmt.Errorf("credential scope region %q does not match %q", region, e.Region)
	}
	if accessKeyID != e.AccessKeyID {
		return nil, fmt.Errorf("unknown access key id %q", accessKeyID)
	}

	amzDate := r.Header.Get("X-Amz-Date")
	if amzDate == "" {
		return nil, errors.New("missing X-Amz-Date header")
	}
	requestTime, err := time.Parse(amzDateFormat, amzDate)
	if err != nil {
		return nil, fmt.Errorf("parse X-Amz-Date: %w", err)
	}
	if dateStamp != requestTime.Format(scopeDateFormat) {
		return nil, fmt.Errorf("credential scope date %q does not match request date %q", dateStamp, amzDate)
	}

	skew := e.MaxClockSkew
	if skew <= 0 {
		skew = DefaultMaxClockSkew
	}
	now := time.Now()
	if e.Now != nil {
		now = e.Now()
	}
	if diff := now.Sub(requestTime); diff > skew || diff < -skew {
		return nil, fmt.Errorf("%w: request time %s, server time %s", ErrTimeSkewed, requestTime.Format(time.RFC3339), now.UTC().Format(time.RFC3339))
	}

	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	if payloadHash == "" {
		return nil, errors.New("missing X-Amz-Content-Sha256 header")
	}

	signedHeaderNames := strings.Split(signedHeadersStr, ";")
	for _, required := range []string{"host", "x-amz-date", "x-amz-content-sha256"} {
		if !containsHeader(signedHeaderNames, required) {
			return nil, fmt.Errorf("required header %q is not signed", required)
		}
	}

	canonicalReq := BuildCanonicalRequest(r, signedHeaderNames, payloadHash)
	crHash := sha256.Sum256([]byte(canonicalReq))
	crHashHex := hex.EncodeToString(crHash[:])

	credentialScope := strings.Join([]string{dateStamp, region, service, "aws4_request"}, "/")
	var stsBuilder strings.Builder
	stsBuilder.WriteString("AWS4-HMAC-SHA256\n")
	stsBuilder.WriteString(amzDate)
	stsBuilder.WriteString("\n")
	stsBuilder.WriteString(credentialScope)
	stsBuilder.WriteString("\n")
	stsBuilder.WriteString(crHashHex)
	stringToSign := stsBuilder.String()

	signingKey := SigningKey(e.SecretAccessKey, dateStamp, region, service)
	computedSignature := HmacSHA256(signingKey, stringToSign)

	decodedSignature, err := hex.DecodeString(signatureHex)
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}

	if !hmac.Equal(computedSignature, decodedSignature) {
		return nil, errors.New("computed signature does not match provided signature")
	}

	return &User{
		AccessKeyID: accessKeyID,
	}, nil
}
