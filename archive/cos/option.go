//
// Tencent is pleased to support the open source community by making trpc-omero-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-omero-go is licensed under the Apache License Version 2.0.
//
//

package cos

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	cos "github.com/tencentyun/cos-go-sdk-v5"
)

const defaultTimeout = 60 * time.Second

// Option configures the COS sink.
type Option func(*options)

type options struct {
	client     client
	httpClient *http.Client
	prefix     string
	timeout    time.Duration
	secretID   string
	secretKey  string
}

// WithClient sets the COS client directly. It takes precedence over every
// connection option.
func WithClient(c *cos.Client) Option {
	return func(o *options) {
		o.client = newCosClient(c)
	}
}

// WithHTTPClient sets the HTTP client used for COS requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithPrefix sets the key prefix of archived objects.
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithTimeout sets the timeout of every HTTP request.
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.timeout = timeout
	}
}

// WithSecretID sets the COS secret ID. Defaults to $COS_SECRETID.
func WithSecretID(secretID string) Option {
	return func(o *options) {
		o.secretID = secretID
	}
}

// WithSecretKey sets the COS secret key. Defaults to $COS_SECRETKEY.
func WithSecretKey(secretKey string) Option {
	return func(o *options) {
		o.secretKey = secretKey
	}
}

func newOptions(opts []Option) *options {
	o := &options{
		timeout:   defaultTimeout,
		secretID:  os.Getenv("COS_SECRETID"),
		secretKey: os.Getenv("COS_SECRETKEY"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// buildClient returns the injected client or dials bucketURL.
func buildClient(bucketURL string, o *options) (client, error) {
	if o.client != nil {
		return o.client, nil
	}
	u, err := url.Parse(bucketURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("cos: invalid bucket URL %q", bucketURL)
	}
	httpClient := o.httpClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &cos.AuthorizationTransport{
				SecretID:  o.secretID,
				SecretKey: o.secretKey,
			},
		}
	}
	if o.timeout > 0 {
		httpClient.Timeout = o.timeout
	}
	return newCosClient(cos.NewClient(&cos.BaseURL{BucketURL: u}, httpClient)), nil
}
