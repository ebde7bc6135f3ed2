package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/xid"

	"github.com/petervdpas/huddle/internal/proto"
)

var ErrBadLocator = errors.New("bad storage locator")

// StorageOptions locate the S3-compatible bucket images are uploaded to.
type StorageOptions struct {
	Endpoint  string // empty for AWS itself
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Expires   time.Duration
}

// Uploads presigns object URLs. Clients PUT the image bytes directly to the
// bucket and store only the locator in the message.
type Uploads struct {
	presign *s3.PresignClient
	bucket  string
	expires time.Duration
}

func NewUploads(ctx context.Context, o StorageOptions) (*Uploads, error) {
	if o.Bucket == "" {
		return nil, errors.New("storage: bucket required")
	}
	if o.Region == "" {
		o.Region = "us-east-1"
	}
	if o.Expires <= 0 {
		o.Expires = 15 * time.Minute
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(o.Region)}
	if o.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(o.AccessKey, o.SecretKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(so *s3.Options) {
		if o.Endpoint != "" {
			so.BaseEndpoint = aws.String(o.Endpoint)
			so.UsePathStyle = true
		}
	})
	return &Uploads{
		presign: s3.NewPresignClient(client),
		bucket:  o.Bucket,
		expires: o.Expires,
	}, nil
}

// Sign returns a presigned PUT URL for a fresh object owned by uid.
func (u *Uploads) Sign(ctx context.Context, uid, contentType string) (proto.Upload, error) {
	key := fmt.Sprintf("%s/%s", uid, xid.New().String())
	in := &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	req, err := u.presign.PresignPutObject(ctx, in, s3.WithPresignExpires(u.expires))
	if err != nil {
		return proto.Upload{}, err
	}
	return proto.Upload{
		Locator: proto.LocatorScheme + u.bucket + "/" + key,
		PutURL:  req.URL,
	}, nil
}

// Resolve turns a locator into a presigned GET URL.
func (u *Uploads) Resolve(ctx context.Context, locator string) (string, error) {
	rest, ok := strings.CutPrefix(locator, proto.LocatorScheme)
	if !ok {
		return "", ErrBadLocator
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket != u.bucket || key == "" {
		return "", ErrBadLocator
	}
	req, err := u.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(u.expires))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}

type uploadRequest struct {
	ContentType string `json:"content_type"`
}

type resolveResponse struct {
	URL string `json:"url"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.opts.Uploads == nil {
		httpError(w, http.StatusServiceUnavailable, "storage not configured")
		return
	}
	var req uploadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "bad json")
		return
	}
	if !strings.HasPrefix(req.ContentType, "image/") {
		httpError(w, http.StatusBadRequest, "only images can be uploaded")
		return
	}
	up, err := s.opts.Uploads.Sign(r.Context(), claimsFrom(r).UID(), req.ContentType)
	if err != nil {
		log.Errorf("presign upload: %v", err)
		httpError(w, http.StatusBadGateway, "storage error")
		return
	}
	s.metrics.uploadsSoFar.Inc()
	writeJSON(w, http.StatusOK, up)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if s.opts.Uploads == nil {
		httpError(w, http.StatusServiceUnavailable, "storage not configured")
		return
	}
	u, err := s.opts.Uploads.Resolve(r.Context(), r.URL.Query().Get("locator"))
	if errors.Is(err, ErrBadLocator) {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		log.Errorf("presign get: %v", err)
		httpError(w, http.StatusBadGateway, "storage error")
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{URL: u})
}
