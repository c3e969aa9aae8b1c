package contentStore

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-vault/pkg/storage"
)

const mhSHA256 = 0x12

type fakeNode struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	filenames []string
	auth      string
}

func newFakeNode() *fakeNode {
	return &fakeNode{blobs: make(map[string][]byte)}
}

func (n *fakeNode) addHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, err := io.ReadAll(f)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c, err := cid.Prefix{Version: 1, Codec: cid.Raw, MhType: mhSHA256, MhLength: -1}.Sum(data)
		if err != nil {
			t.Errorf("cid sum: %v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		n.mu.Lock()
		n.blobs[c.String()] = data
		n.filenames = append(n.filenames, hdr.Filename)
		n.auth = r.Header.Get("Authorization")
		n.mu.Unlock()

		_ = json.NewEncoder(w).Encode(map[string]string{"Name": hdr.Filename, "Hash": c.String()})
	}
}

func (n *fakeNode) gatewayHandler(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/ipfs/")
	n.mu.Lock()
	data, ok := n.blobs[id]
	n.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = w.Write(data)
}

func statusServer(code int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}))
}

func TestPutAndGetThroughSecondGateway(t *testing.T) {
	node := newFakeNode()
	api := httptest.NewServer(node.addHandler(t))
	defer api.Close()
	down := statusServer(http.StatusBadGateway)
	defer down.Close()
	gw := httptest.NewServer(http.HandlerFunc(node.gatewayHandler))
	defer gw.Close()

	s, err := New(Config{AddURL: api.URL + "/api/v0/add", BearerToken: "secret", Gateways: []string{down.URL, gw.URL + "/"}})
	require.NoError(t, err)

	loc, err := s.Put(context.Background(), []byte("ciphertext"), "tax-return.pdf", "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, storage.TagNetwork, loc.Tag)
	assert.Equal(t, []string{uploadName}, node.filenames)
	assert.Equal(t, "Bearer secret", node.auth)

	data, err := s.Get(context.Background(), loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext"), data)
}

func TestGetNotFoundOnlyWhenEveryGatewaySaysSo(t *testing.T) {
	node := newFakeNode()
	gw1 := httptest.NewServer(http.HandlerFunc(node.gatewayHandler))
	defer gw1.Close()
	gw2 := httptest.NewServer(http.HandlerFunc(node.gatewayHandler))
	defer gw2.Close()
	down := statusServer(http.StatusServiceUnavailable)
	defer down.Close()

	missing, err := cid.Prefix{Version: 1, Codec: cid.Raw, MhType: mhSHA256, MhLength: -1}.Sum([]byte("nothing"))
	require.NoError(t, err)
	loc := storage.NetworkLocator(missing.String())

	s, err := New(Config{AddURL: "http://unused", Gateways: []string{gw1.URL, gw2.URL}})
	require.NoError(t, err)
	_, err = s.Get(context.Background(), loc)
	require.ErrorIs(t, err, storage.ErrNotFound)

	s, err = New(Config{AddURL: "http://unused", Gateways: []string{gw1.URL, down.URL}})
	require.NoError(t, err)
	_, err = s.Get(context.Background(), loc)
	require.ErrorIs(t, err, storage.ErrStorageUnavailable)
	assert.NotErrorIs(t, err, storage.ErrNotFound)
}

func TestPutFailuresAreUnavailable(t *testing.T) {
	failing := statusServer(http.StatusInternalServerError)
	defer failing.Close()
	bogus := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"Hash":"not-a-cid"}`))
	}))
	defer bogus.Close()

	for _, url := range []string{failing.URL, bogus.URL, "http://127.0.0.1:1"} {
		s, err := New(Config{AddURL: url, Gateways: []string{"http://127.0.0.1:1"}})
		require.NoError(t, err)
		_, err = s.Put(context.Background(), []byte("x"), "a", "b")
		require.ErrorIs(t, err, storage.ErrStorageUnavailable, url)
	}
}

func TestPinningServiceResponseShape(t *testing.T) {
	c, err := cid.Prefix{Version: 1, Codec: cid.Raw, MhType: mhSHA256, MhLength: -1}.Sum([]byte("x"))
	require.NoError(t, err)
	pin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"IpfsHash": c.String()})
	}))
	defer pin.Close()

	s, err := New(Config{AddURL: pin.URL, Gateways: []string{pin.URL}})
	require.NoError(t, err)
	loc, err := s.Put(context.Background(), []byte("x"), "a", "b")
	require.NoError(t, err)
	assert.Equal(t, c.String(), loc.CID)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Gateways: []string{"http://gw"}})
	require.Error(t, err)
	_, err = New(Config{AddURL: "http://api"})
	require.Error(t, err)
}
