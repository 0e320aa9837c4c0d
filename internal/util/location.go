package util

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidLocation is returned when a location cannot be parsed.
var ErrInvalidLocation = errors.New("invalid location")

// Location is a parsed input or output location.
type Location struct {
	Scheme string // "stdio", "file", or a gocloud blob scheme
	Bucket string
	Key    string
	Query  url.Values
}

// IsPrefix reports whether the key names a prefix rather than one object.
func (l Location) IsPrefix() bool {
	return l.Key == "" || strings.HasSuffix(l.Key, "/")
}

// BucketURL returns the gocloud.dev URL of the location's bucket.
func (l Location) BucketURL() string {
	u := url.URL{Scheme: l.Scheme, Host: l.Bucket}
	if len(l.Query) > 0 {
		u.RawQuery = l.Query.Encode()
	}
	return u.String()
}

// ParseLocation parses "-", a local path, or a scheme://bucket/key URL.
func ParseLocation(s string) (Location, error) {
	if s == "" {
		return Location{}, fmt.Errorf("%w: empty", ErrInvalidLocation)
	}
	if s == "-" {
		return Location{Scheme: "stdio"}, nil
	}
	if !strings.Contains(s, "://") {
		return Location{Scheme: "file", Key: s}, nil
	}

	u, err := url.Parse(s)
	if err != nil {
		return Location{}, fmt.Errorf("%w: %v", ErrInvalidLocation, err)
	}
	if u.Scheme == "file" {
		return Location{Scheme: "file", Key: u.Path}, nil
	}
	if u.Host == "" {
		return Location{}, fmt.Errorf("%w: %s has no bucket", ErrInvalidLocation, s)
	}
	return Location{
		Scheme: u.Scheme,
		Bucket: u.Host,
		Key:    strings.TrimPrefix(u.Path, "/"),
		Query:  u.Query(),
	}, nil
}

// S3BucketURL builds a gocloud.dev bucket URL.
// For AWS: s3://bucket-name?region=us-east-1
// For a custom endpoint: s3://bucket-name?endpoint=http://minio:9000&region=us-east-1&s3ForcePathStyle=true
func S3BucketURL(bucketName, endpoint, region string) string {
	bucketURL := fmt.Sprintf("s3://%s", bucketName)

	params := url.Values{}
	if region != "" {
		params.Set("region", region)
	}
	if endpoint != "" {
		params.Set("endpoint", endpoint)
		// Custom endpoints usually lack virtual-host addressing.
		params.Set("s3ForcePathStyle", "true")
	}
	if len(params) > 0 {
		bucketURL = bucketURL + "?" + params.Encode()
	}
	return bucketURL
}
