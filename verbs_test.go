package moray

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/pior/moray/resolver"
	"github.com/pior/moray/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeReplyForTest msgpack-encodes v the way the real server would, so
// test peers can play back a reply without reaching into transport's
// private encoder.
func encodeReplyForTest(v interface{}) ([]byte, error) {
	var buf []byte
	err := codec.NewEncoderBytes(&buf, &codec.MsgpackHandle{}).Encode(v)
	return buf, err
}

// wireCall mirrors transport's callPayload tags so the test peer can decode
// a call frame without importing transport's unexported type.
type wireCall struct {
	Method string        `codec:"method"`
	Args   []interface{} `codec:"args"`
}

// testFrame and its read/write helpers mirror transport's private wire
// format ([4-byte length][8-byte id][1-byte kind][payload]) so a test can
// play the server side of a connection without reaching into transport's
// unexported frame type.
type testFrame struct {
	id      uint64
	kind    transport.Kind
	payload []byte
}

const testHeaderSize = 4 + 8 + 1

func writeFrameForTest(w io.Writer, id uint64, kind transport.Kind, payload []byte) error {
	var hdr [testHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint64(hdr[4:12], id)
	hdr[12] = byte(kind)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

func readFrameForTest(r io.Reader) (testFrame, error) {
	var hdr [testHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return testFrame{}, err
	}
	length := binary.BigEndian.Uint32(hdr[0:4])
	f := testFrame{
		id:   binary.BigEndian.Uint64(hdr[4:12]),
		kind: transport.Kind(hdr[12]),
	}
	if length == 0 {
		return f, nil
	}
	f.payload = make([]byte, length)
	_, err := io.ReadFull(r, f.payload)
	return f, err
}

func newVerbTestClient(t *testing.T) (*Client, net.Conn) {
	t.Helper()
	client, peers := newTestClient(t, Config{Target: 1, Maximum: 1}, resolver.Backend{Key: "a", Address: "a", Port: 1})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	client.Start(ctx)
	waitPoolAvail(t, client)

	var peer net.Conn
	select {
	case peer = <-peers:
	case <-time.After(2 * time.Second):
		t.Fatal("dialer never produced a peer connection")
	}
	return client, peer
}

func readCall(t *testing.T, peer net.Conn) (uint64, wireCall) {
	t.Helper()
	f, err := readFrameForTest(peer)
	require.NoError(t, err)
	var call wireCall
	require.NoError(t, transport.DecodeValue(f.payload, &call))
	return f.id, call
}

func TestCreateBucketSucceedsWhenOptionsAreAcknowledged(t *testing.T) {
	client, peer := newVerbTestClient(t)
	defer client.Close()

	peerDone := make(chan error, 1)
	go func() {
		id, call := readCall(t, peer)
		if call.Method != "createBucket" {
			peerDone <- fmt.Errorf("unexpected method %q", call.Method)
			return
		}
		payload, err := encodeReplyForTest(reply{HandledOptions: []string{"durable"}})
		if err != nil {
			peerDone <- err
			return
		}
		if err := writeFrameForTest(peer, id, transport.KindData, payload); err != nil {
			peerDone <- err
			return
		}
		peerDone <- writeFrameForTest(peer, id, transport.KindEnd, nil)
	}()

	err := client.CreateBucket(context.Background(), "bucket1", map[string]interface{}{"durable": true})
	require.NoError(t, err)
	require.NoError(t, <-peerDone)
}

func TestCreateBucketFailsWhenOptionUnacknowledged(t *testing.T) {
	client, peer := newVerbTestClient(t)
	defer client.Close()

	peerDone := make(chan error, 1)
	go func() {
		id, _ := readCall(t, peer)
		payload, err := encodeReplyForTest(reply{})
		if err != nil {
			peerDone <- err
			return
		}
		if err := writeFrameForTest(peer, id, transport.KindData, payload); err != nil {
			peerDone <- err
			return
		}
		peerDone <- writeFrameForTest(peer, id, transport.KindEnd, nil)
	}()

	err := client.CreateBucket(context.Background(), "bucket1", map[string]interface{}{"durable": true})
	require.Error(t, err)
	var unhandled *UnhandledOptionsError
	require.ErrorAs(t, err, &unhandled)
	assert.Equal(t, []string{"durable"}, unhandled.Unhandled)
	require.NoError(t, <-peerDone)
}

func TestGetObjectStreamsChunksThenEnds(t *testing.T) {
	client, peer := newVerbTestClient(t)
	defer client.Close()

	peerDone := make(chan error, 1)
	go func() {
		id, call := readCall(t, peer)
		if call.Method != "getObject" {
			peerDone <- fmt.Errorf("unexpected method %q", call.Method)
			return
		}
		first, err := encodeReplyForTest(reply{Object: ObjectInfo{Bucket: "b", Key: "k", Size: 10}, Chunk: []byte("hel")})
		if err != nil {
			peerDone <- err
			return
		}
		if err := writeFrameForTest(peer, id, transport.KindData, first); err != nil {
			peerDone <- err
			return
		}
		second, err := encodeReplyForTest(reply{Chunk: []byte("lo")})
		if err != nil {
			peerDone <- err
			return
		}
		if err := writeFrameForTest(peer, id, transport.KindData, second); err != nil {
			peerDone <- err
			return
		}
		peerDone <- writeFrameForTest(peer, id, transport.KindEnd, nil)
	}()

	body, info, err := client.GetObject(context.Background(), "b", "k")
	require.NoError(t, err)
	assert.Equal(t, int64(10), info.Size)

	buf := make([]byte, 5)
	total := 0
	for total < 5 {
		n, err := body.Read(buf[total:])
		total += n
		if err != nil {
			break
		}
	}
	assert.Equal(t, "hello", string(buf[:total]))
	require.NoError(t, body.Close())
	require.NoError(t, <-peerDone)
}
