package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"checkout-svc/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrInvalidToken = errors.New("download token is invalid or expired")

const DownloadRoutePrefix = "/downloads/"

// LocalStore serves objects from a directory. Download URLs point back at
// this service and carry an HS256 token naming the object key.
type LocalStore struct {
	root       string
	baseURL    string
	signingKey []byte
	logger     *zap.Logger
	now        func() time.Time
}

type downloadClaims struct {
	ObjectKey string `json:"key"`
	jwt.RegisteredClaims
}

func NewLocalStore(root, baseURL, signingKey string, logger *zap.Logger) (*LocalStore, error) {
	if signingKey == "" {
		return nil, errors.New("download signing key is not configured")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	logger.Info("Local object store initialized", zap.String("dir", abs))
	return &LocalStore{
		root:       abs,
		baseURL:    strings.TrimRight(baseURL, "/"),
		signingKey: []byte(signingKey),
		logger:     logger,
		now:        time.Now,
	}, nil
}

func (s *LocalStore) IssueSignedURL(_ context.Context, objectKey string, expiresIn time.Duration) (models.DownloadGrant, error) {
	issuedAt := s.now()
	expiresAt := issuedAt.Add(expiresIn)
	grantID := uuid.NewString()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, downloadClaims{
		ObjectKey: objectKey,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        grantID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return models.DownloadGrant{}, fmt.Errorf("failed to sign download token: %w", err)
	}

	return models.DownloadGrant{
		ID:        grantID,
		URL:       s.baseURL + DownloadRoutePrefix + url.PathEscape(signed),
		ObjectKey: objectKey,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *LocalStore) ObjectExists(_ context.Context, objectKey string) bool {
	p, err := s.objectPath(objectKey)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("Object existence check failed", zap.String("object_key", objectKey), zap.Error(err))
		}
		return false
	}
	return info.Mode().IsRegular()
}

// Resolve validates a download token and returns the file it grants.
func (s *LocalStore) Resolve(token string) (filePath, objectKey string, err error) {
	var claims downloadClaims
	_, err = jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	p, err := s.objectPath(claims.ObjectKey)
	if err != nil {
		return "", "", err
	}
	return p, claims.ObjectKey, nil
}

// objectPath maps a key to a path inside root, rejecting traversal.
func (s *LocalStore) objectPath(objectKey string) (string, error) {
	cleaned := path.Clean("/" + objectKey)
	if cleaned == "/" {
		return "", fmt.Errorf("%w: empty object key", ErrInvalidToken)
	}
	return filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}
