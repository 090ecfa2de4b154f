package moray

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pior/moray/transport"
)

// BucketInfo describes one bucket as yielded by ListBuckets.
type BucketInfo struct {
	Name    string    `codec:"name"`
	Created time.Time `codec:"created"`
}

// ObjectInfo describes one object's metadata, returned by PutObject,
// GetObject, and HeadObject.
type ObjectInfo struct {
	Bucket string `codec:"bucket"`
	Key    string `codec:"key"`
	Size   int64  `codec:"size"`
	ETag   string `codec:"etag"`
}

// reply is the wire envelope every verb method decodes its records into.
// HandledOptions carries the server's acknowledged-option set for the
// dynamic option acknowledgment mechanism: CreateBucket and PutObject fail
// with UnhandledOptionsError if any option they passed is absent here.
// ListBuckets passes its options through without checking them.
type reply struct {
	HandledOptions []string   `codec:"handledOptions"`
	Bucket         BucketInfo `codec:"bucket"`
	Object         ObjectInfo `codec:"object"`
	Chunk          []byte     `codec:"chunk"`
}

// checkHandledOptions fails the call if the server's acknowledged-option
// set (handled) does not cover every option name the caller requested.
func checkHandledOptions(handled []string, requested map[string]interface{}) error {
	if len(requested) == 0 {
		return nil
	}
	ack := make(map[string]struct{}, len(handled))
	for _, h := range handled {
		ack[h] = struct{}{}
	}
	var unhandled []string
	for name := range requested {
		if _, ok := ack[name]; !ok {
			unhandled = append(unhandled, name)
		}
	}
	if len(unhandled) > 0 {
		return &UnhandledOptionsError{Unhandled: unhandled}
	}
	return nil
}

func callArgs(name string, opts map[string]interface{}) []interface{} {
	return []interface{}{name, opts}
}

// isBucketConflict reports whether err is the server's BucketAlreadyExists
// reply, identified by the error name the peer sends as its error frame
// payload (e.g. "BucketAlreadyExistsError: bucket foo already exists").
func isBucketConflict(err error) bool {
	return strings.Contains(err.Error(), "BucketAlreadyExistsError")
}

// CreateBucket creates bucket, surfacing BucketConflictError verbatim if
// it already exists — this is never swallowed.
func (c *Client) CreateBucket(ctx context.Context, name string, opts map[string]interface{}) error {
	rc, err := c.beginRequest()
	if err != nil {
		return err
	}
	data, err := rc.CallUnary(ctx, "createBucket", callArgs(name, opts), transport.Options{})
	if err != nil {
		if isBucketConflict(err) {
			return &BucketConflictError{Bucket: name}
		}
		return err
	}
	var r reply
	if err := transport.DecodeValue(data, &r); err != nil {
		return err
	}
	return checkHandledOptions(r.HandledOptions, opts)
}

// DeleteBucket deletes bucket.
func (c *Client) DeleteBucket(ctx context.Context, name string) error {
	rc, err := c.beginRequest()
	if err != nil {
		return err
	}
	_, err = rc.CallUnary(ctx, "deleteBucket", []interface{}{name}, transport.Options{})
	return err
}

// BucketIterator lazily walks a ListBuckets reply stream.
type BucketIterator struct {
	stream *Stream
}

// Next advances to the next bucket. It returns done=true once the stream
// ends, at which point Next must not be called again.
func (it *BucketIterator) Next(ctx context.Context) (info BucketInfo, done bool, err error) {
	data, done, err := it.stream.Next(ctx)
	if err != nil || done {
		return BucketInfo{}, done, err
	}
	var r reply
	if err := transport.DecodeValue(data, &r); err != nil {
		return BucketInfo{}, false, err
	}
	return r.Bucket, false, nil
}

// Close abandons the iterator before it reaches its natural end.
func (it *BucketIterator) Close() {
	it.stream.Abandon()
}

// ListBuckets returns a lazy iterator over every bucket.
func (c *Client) ListBuckets(ctx context.Context, opts map[string]interface{}) (*BucketIterator, error) {
	rc, err := c.beginRequest()
	if err != nil {
		return nil, err
	}
	stream, err := rc.Call(ctx, "listBuckets", callArgs("", opts), transport.Options{})
	if err != nil {
		return nil, err
	}
	return &BucketIterator{stream: stream}, nil
}

// PutObject streams r's content to bucket/key and returns the object's
// resulting metadata.
func (c *Client) PutObject(ctx context.Context, bucket, key string, r io.Reader, opts map[string]interface{}) (ObjectInfo, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("moray: read object body: %w", err)
	}

	rc, err := c.beginRequest()
	if err != nil {
		return ObjectInfo{}, err
	}
	data, err := rc.CallUnary(ctx, "putObject", []interface{}{bucket, key, body, opts}, transport.Options{})
	if err != nil {
		return ObjectInfo{}, err
	}
	var resp reply
	if err := transport.DecodeValue(data, &resp); err != nil {
		return ObjectInfo{}, err
	}
	if err := checkHandledOptions(resp.HandledOptions, opts); err != nil {
		return ObjectInfo{}, err
	}
	return resp.Object, nil
}

// objectReader adapts a Stream of chunk records to io.ReadCloser.
type objectReader struct {
	stream *Stream
	ctx    context.Context
	buf    []byte
}

func (r *objectReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		data, done, err := r.stream.Next(r.ctx)
		if err != nil {
			return 0, err
		}
		if done {
			return 0, io.EOF
		}
		var rec reply
		if err := transport.DecodeValue(data, &rec); err != nil {
			return 0, err
		}
		r.buf = rec.Chunk
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *objectReader) Close() error {
	r.stream.Abandon()
	return nil
}

// GetObject returns the object's body as a stream plus its metadata
// (decoded from the stream's first record).
func (c *Client) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, ObjectInfo, error) {
	rc, err := c.beginRequest()
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	stream, err := rc.Call(ctx, "getObject", []interface{}{bucket, key}, transport.Options{})
	if err != nil {
		return nil, ObjectInfo{}, err
	}

	data, done, err := stream.Next(ctx)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	if done {
		return nil, ObjectInfo{}, fmt.Errorf("moray: getObject %s/%s: empty reply", bucket, key)
	}
	var first reply
	if err := transport.DecodeValue(data, &first); err != nil {
		return nil, ObjectInfo{}, err
	}

	return &objectReader{stream: stream, ctx: ctx, buf: first.Chunk}, first.Object, nil
}

// DeleteObject deletes bucket/key.
func (c *Client) DeleteObject(ctx context.Context, bucket, key string) error {
	rc, err := c.beginRequest()
	if err != nil {
		return err
	}
	_, err = rc.CallUnary(ctx, "deleteObject", []interface{}{bucket, key}, transport.Options{})
	return err
}

// HeadObject returns bucket/key's metadata without fetching its body.
func (c *Client) HeadObject(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	rc, err := c.beginRequest()
	if err != nil {
		return ObjectInfo{}, err
	}
	data, err := rc.CallUnary(ctx, "headObject", []interface{}{bucket, key}, transport.Options{})
	if err != nil {
		return ObjectInfo{}, err
	}
	var r reply
	if err := transport.DecodeValue(data, &r); err != nil {
		return ObjectInfo{}, err
	}
	return r.Object, nil
}
