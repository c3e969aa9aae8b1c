// Package accessToken builds and verifies access-grant URLs of the form
// {origin}/access/{fileId}?token={token}#key={shareKey}.
//
// The token is a JWT over (recipient, file, expiry) signed with a server
// secret. It has no random or time dependent claims, so the same inputs
// always yield the same token. A valid token only proves shape and origin;
// the permission ledger still decides access.
package accessToken

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/i5heu/ouroboros-vault/pkg/clock"
	"github.com/i5heu/ouroboros-vault/pkg/encryption"
)

const (
	DefaultIssuer = "ouroboros-vault"
	accessPath    = "/access/"
	keyFragment   = "key="
	minSecretLen  = 32
)

var (
	ErrInvalidToken = errors.New("accessToken: invalid token")
	ErrInvalidURL   = errors.New("accessToken: invalid access url")
	ErrWeakSecret   = fmt.Errorf("accessToken: secret must be at least %d bytes", minSecretLen)
)

// Claims carried by an access token.
type Claims struct {
	FileID string `json:"fid"`
	jwt.RegisteredClaims
}

// Grant is the verified content of a token.
type Grant struct {
	Recipient string
	FileID    string
	ExpiresAt *time.Time
}

type Issuer struct {
	secret []byte
	issuer string
	origin string
	clock  clock.Clock
}

type Option func(*Issuer)

func WithClock(c clock.Clock) Option { return func(i *Issuer) { i.clock = c } }

func WithIssuer(name string) Option { return func(i *Issuer) { i.issuer = name } }

// NewIssuer creates an issuer for URLs under origin, e.g. https://vault.example.
func NewIssuer(secret []byte, origin string, opts ...Option) (*Issuer, error) {
	if len(secret) < minSecretLen {
		return nil, ErrWeakSecret
	}
	i := &Issuer{
		secret: append([]byte(nil), secret...),
		issuer: DefaultIssuer,
		origin: strings.TrimRight(origin, "/"),
	}
	for _, o := range opts {
		o(i)
	}
	i.clock = clock.OrReal(i.clock)
	return i, nil
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Issue signs a token for recipient on fileID. A nil expiresAt yields a
// token without expiry.
func (i *Issuer) Issue(recipient, fileID string, expiresAt *time.Time) (string, error) {
	recipient = normalize(recipient)
	if recipient == "" || fileID == "" {
		return "", fmt.Errorf("%w: recipient and file id are required", ErrInvalidToken)
	}
	claims := Claims{
		FileID: fileID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:  i.issuer,
			Subject: recipient,
		},
	}
	if expiresAt != nil {
		claims.ExpiresAt = jwt.NewNumericDate(expiresAt.UTC())
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verify checks signature, issuer and expiry and returns the grant.
func (i *Issuer) Verify(token string) (Grant, error) {
	var claims Claims
	tok, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithIssuer(i.issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.clock.Now),
	)
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tok.Valid || claims.Subject == "" || claims.FileID == "" {
		return Grant{}, ErrInvalidToken
	}

	g := Grant{Recipient: claims.Subject, FileID: claims.FileID}
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time.UTC()
		g.ExpiresAt = &exp
	}
	return g, nil
}

// URL builds the access URL. The share key, if any, travels in the fragment
// and is never sent to the server by a browser.
func (i *Issuer) URL(fileID, token string, shareKey *encryption.ShareKey) string {
	u := i.origin + accessPath + url.PathEscape(fileID) + "?token=" + url.QueryEscape(token)
	if shareKey != nil {
		u += "#" + keyFragment + EncodeShareKey(*shareKey)
	}
	return u
}

// Link is a parsed access URL.
type Link struct {
	FileID   string
	Token    string
	ShareKey *encryption.ShareKey
}

// ParseURL splits an access URL into its parts. It does not verify the token.
func ParseURL(raw string) (Link, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Link{}, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	idx := strings.LastIndex(u.Path, accessPath)
	if idx < 0 {
		return Link{}, fmt.Errorf("%w: missing %s segment", ErrInvalidURL, accessPath)
	}
	fileID := u.Path[idx+len(accessPath):]
	if fileID == "" || strings.Contains(fileID, "/") {
		return Link{}, fmt.Errorf("%w: bad file id", ErrInvalidURL)
	}
	token := u.Query().Get("token")
	if token == "" {
		return Link{}, fmt.Errorf("%w: missing token", ErrInvalidURL)
	}

	link := Link{FileID: fileID, Token: token}
	if frag := u.Fragment; frag != "" {
		if !strings.HasPrefix(frag, keyFragment) {
			return Link{}, fmt.Errorf("%w: unknown fragment", ErrInvalidURL)
		}
		sk, err := DecodeShareKey(strings.TrimPrefix(frag, keyFragment))
		if err != nil {
			return Link{}, err
		}
		link.ShareKey = &sk
	}
	return link, nil
}

// EncodeShareKey renders a share key as unpadded base64url.
func EncodeShareKey(k encryption.ShareKey) string {
	return base64.RawURLEncoding.EncodeToString(k[:])
}

func DecodeShareKey(s string) (encryption.ShareKey, error) {
	var k encryption.ShareKey
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil || len(b) != len(k) {
		return k, fmt.Errorf("%w: bad share key", ErrInvalidURL)
	}
	copy(k[:], b)
	return k, nil
}
