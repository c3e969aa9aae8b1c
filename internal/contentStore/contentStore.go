// Package contentStore puts ciphertext on a content addressed network through
// an IPFS style add endpoint and reads it back through public gateways.
package contentStore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/i5heu/ouroboros-vault/pkg/storage"
)

// uploadName is sent instead of the real display name so that the network
// never learns it.
const uploadName = "vault.enc"

const maxResponseBytes = 1 << 30

type Config struct {
	// AddURL is the full upload endpoint, for example
	// http://127.0.0.1:5001/api/v0/add or a pinning service URL.
	AddURL string
	// BearerToken is sent as Authorization header when set.
	BearerToken string
	// Gateways are tried in order on Get. The CID is appended as /ipfs/<cid>.
	Gateways []string
	Client   *http.Client
	Logger   *slog.Logger
}

type Store struct {
	addURL   string
	token    string
	gateways []string
	client   *http.Client
	log      *slog.Logger
}

func New(cfg Config) (*Store, error) {
	if cfg.AddURL == "" {
		return nil, errors.New("contentStore: add url is required")
	}
	if len(cfg.Gateways) == 0 {
		return nil, errors.New("contentStore: at least one gateway is required")
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 2 * time.Minute}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	gws := make([]string, len(cfg.Gateways))
	for i, g := range cfg.Gateways {
		gws[i] = strings.TrimRight(g, "/")
	}

	return &Store{
		addURL:   cfg.AddURL,
		token:    cfg.BearerToken,
		gateways: gws,
		client:   cfg.Client,
		log:      cfg.Logger,
	}, nil
}

func (s *Store) Tag() storage.Tag { return storage.TagNetwork }

// addResponse covers the Kubo add API and the common pinning services.
type addResponse struct {
	Hash     string `json:"Hash"`
	IpfsHash string `json:"IpfsHash"`
	CID      string `json:"cid"`
}

func (r addResponse) cid() string {
	switch {
	case r.Hash != "":
		return r.Hash
	case r.IpfsHash != "":
		return r.IpfsHash
	}
	return r.CID
}

func (s *Store) Put(ctx context.Context, ciphertext []byte, _, _ string) (storage.Locator, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", uploadName)
	if err != nil {
		return storage.Locator{}, storage.Unavailable(storage.TagNetwork, err)
	}
	if _, err := part.Write(ciphertext); err != nil {
		return storage.Locator{}, storage.Unavailable(storage.TagNetwork, err)
	}
	if err := w.Close(); err != nil {
		return storage.Locator{}, storage.Unavailable(storage.TagNetwork, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.addURL, &body)
	if err != nil {
		return storage.Locator{}, storage.Unavailable(storage.TagNetwork, err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return storage.Locator{}, storage.Unavailable(storage.TagNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return storage.Locator{}, storage.Unavailable(storage.TagNetwork,
			fmt.Errorf("add returned %s: %s", resp.Status, strings.TrimSpace(string(msg))))
	}

	var ar addResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&ar); err != nil {
		return storage.Locator{}, storage.Unavailable(storage.TagNetwork, fmt.Errorf("decode add response: %w", err))
	}
	c, err := cid.Decode(ar.cid())
	if err != nil {
		return storage.Locator{}, storage.Unavailable(storage.TagNetwork, fmt.Errorf("add returned invalid cid %q: %w", ar.cid(), err))
	}

	return storage.NetworkLocator(c.String()), nil
}

// Get tries every gateway in order. The error is ErrNotFound only when every
// gateway answered 404.
func (s *Store) Get(ctx context.Context, loc storage.Locator) ([]byte, error) {
	if loc.Tag != storage.TagNetwork {
		return nil, fmt.Errorf("%w: network store got %q locator", storage.ErrInvalidLocator, loc.Tag)
	}
	if _, err := cid.Decode(loc.CID); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidLocator, err)
	}

	var errs []error
	notFound := 0
	for _, gw := range s.gateways {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, status, err := s.fetch(ctx, gw+"/ipfs/"+loc.CID)
		if err == nil {
			return data, nil
		}
		if status == http.StatusNotFound {
			notFound++
		}
		s.log.Debug("gateway failed", "gateway", gw, "cid", loc.CID, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", gw, err))
	}

	if notFound == len(s.gateways) {
		return nil, fmt.Errorf("%w: cid %s: %v", storage.ErrNotFound, loc.CID, errors.Join(errs...))
	}
	return nil, storage.Unavailable(storage.TagNetwork, errors.Join(errs...))
}

func (s *Store) fetch(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("status %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}
