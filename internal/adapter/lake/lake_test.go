package lake

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

type fakeS3Client struct {
	objects  map[string][]byte
	putErr   error
	getErr   error
	lastPut  string
	putCalls int
}

func newFakeS3Client() *fakeS3Client {
	return &fakeS3Client{objects: make(map[string][]byte)}
}

func (f *fakeS3Client) PutObject(ctx context.Context, bucket, object string, body []byte) error {
	f.putCalls++
	f.lastPut = object
	if f.putErr != nil {
		return f.putErr
	}
	cp := append([]byte(nil), body...)
	f.objects[object] = cp
	return nil
}

func (f *fakeS3Client) GetObject(ctx context.Context, bucket, object string) ([]byte, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.objects[object]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func (f *fakeS3Client) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (f *fakeS3Client) RemoveObject(ctx context.Context, bucket, object string) error {
	delete(f.objects, object)
	return nil
}

func newTestAdapter(c *fakeS3Client) *Adapter {
	return &Adapter{client: c, bucket: "test-bucket"}
}

func TestPutObjectThenGetObjectRoundTrips(t *testing.T) {
	c := newFakeS3Client()
	a := newTestAdapter(c)
	ctx := context.Background()

	payload := []byte("batch-payload")
	if err := a.PutObject(ctx, "gw1/1000.batch", payload); err != nil {
		t.Fatal(err)
	}

	got, err := a.GetObject(ctx, "gw1/1000.batch")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected %q, got %q", payload, got)
	}
}

func TestPutObjectThenListObjectsFindsIt(t *testing.T) {
	c := newFakeS3Client()
	a := newTestAdapter(c)
	ctx := context.Background()

	if err := a.PutObject(ctx, "gw1/1000.batch", []byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := a.PutObject(ctx, "gw2/2000.batch", []byte("other")); err != nil {
		t.Fatal(err)
	}

	keys, err := a.ListObjects(ctx, "gw1/")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "gw1/1000.batch" {
		t.Fatalf("expected [gw1/1000.batch], got %v", keys)
	}
}

func TestDeleteObjectRemovesIt(t *testing.T) {
	c := newFakeS3Client()
	a := newTestAdapter(c)
	ctx := context.Background()

	if err := a.PutObject(ctx, "gw1/1000.batch", []byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := a.DeleteObject(ctx, "gw1/1000.batch"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.GetObject(ctx, "gw1/1000.batch"); err == nil {
		t.Fatal("expected get to fail after delete")
	}
}

func TestPutObjectWrapsUnderlyingError(t *testing.T) {
	c := newFakeS3Client()
	c.putErr = errors.New("connection refused")
	a := newTestAdapter(c)

	err := a.PutObject(context.Background(), "k", []byte("v"))
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestNoopAdapterPutIsNoopAndGetReturnsNotConfigured(t *testing.T) {
	n := NoopAdapter{}
	ctx := context.Background()

	if err := n.PutObject(ctx, "k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	_, err := n.GetObject(ctx, "k")
	if err != ErrNotConfigured {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestNoopAdapterDeleteAndListAreNoops(t *testing.T) {
	n := NoopAdapter{}
	ctx := context.Background()

	if err := n.DeleteObject(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	keys, err := n.ListObjects(ctx, "prefix/")
	if err != nil || keys != nil {
		t.Fatalf("expected nil, nil, got %v, %v", keys, err)
	}
}
