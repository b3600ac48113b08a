package playbook

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sigstore/cosign/v2/pkg/cosign"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/yazhsab/qbitel-bridge/go/soar/internal/model"
)

// SignatureSuffix is appended to a playbook file name to locate its signature.
const SignatureSuffix = ".sig"

// LoaderConfig holds playbook loading configuration
type LoaderConfig struct {
	Dir              string `json:"dir"`
	PublicKeyPath    string `json:"public_key_path"`
	RequireSignature bool   `json:"require_signature"`
	MaxFileSize      int64  `json:"max_file_size"`
}

// DefaultLoaderConfig returns default loader configuration
func DefaultLoaderConfig() *LoaderConfig {
	return &LoaderConfig{
		Dir:         "./playbooks",
		MaxFileSize: 1024 * 1024, // 1MB
	}
}

// Verifier checks cosign blob signatures against one ECDSA public key.
type Verifier struct {
	key *ecdsa.PublicKey
}

// NewVerifier parses a PEM encoded cosign public key.
func NewVerifier(pemBytes []byte) (*Verifier, error) {
	key, err := cosign.PemToECDSAKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cosign public key: %w", err)
	}
	return &Verifier{key: key}, nil
}

// Verify checks a base64 encoded ASN.1 signature over the SHA-256 of data,
// the format written by cosign sign-blob.
func (v *Verifier) Verify(data, encodedSig []byte) error {
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encodedSig)))
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", err)
	}
	digest := sha256.Sum256(data)
	if !ecdsa.VerifyASN1(v.key, digest[:], sig) {
		return errors.New("signature does not match")
	}
	return nil
}

// Loader reads playbook definitions from YAML files.
type Loader struct {
	logger   *zap.Logger
	config   *LoaderConfig
	verifier *Verifier
}

// NewLoader creates a loader, reading the public key when configured.
func NewLoader(logger *zap.Logger, config *LoaderConfig) (*Loader, error) {
	if config == nil {
		config = DefaultLoaderConfig()
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = DefaultLoaderConfig().MaxFileSize
	}

	l := &Loader{logger: logger, config: config}

	if config.PublicKeyPath != "" {
		pemBytes, err := os.ReadFile(config.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read public key: %w", err)
		}
		verifier, err := NewVerifier(pemBytes)
		if err != nil {
			return nil, err
		}
		l.verifier = verifier
		logger.Info("playbook signature verification enabled", zap.String("public_key", config.PublicKeyPath))
	} else if config.RequireSignature {
		return nil, errors.New("playbook signatures are required but no public key is configured")
	}

	return l, nil
}

// LoadFile parses one playbook file, verifying its signature when a key is configured.
func (l *Loader) LoadFile(path string) (*model.Playbook, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat playbook: %w", err)
	}
	if info.Size() > l.config.MaxFileSize {
		return nil, fmt.Errorf("playbook %s size %d exceeds maximum %d", path, info.Size(), l.config.MaxFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read playbook: %w", err)
	}

	if err := l.verify(path, data); err != nil {
		return nil, fmt.Errorf("playbook %s signature verification failed: %w", path, err)
	}

	var pb model.Playbook
	if err := yaml.Unmarshal(data, &pb); err != nil {
		return nil, fmt.Errorf("%w: failed to parse %s: %v", model.ErrInvalidPlaybook, path, err)
	}
	return &pb, nil
}

func (l *Loader) verify(path string, data []byte) error {
	sig, err := os.ReadFile(path + SignatureSuffix)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if l.config.RequireSignature {
			return errors.New("signature file is missing")
		}
		if l.verifier != nil {
			l.logger.Warn("loading unsigned playbook", zap.String("path", path))
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to read signature: %w", err)
	}

	if l.verifier == nil {
		return nil
	}
	return l.verifier.Verify(data, sig)
}

// LoadDir parses every *.yaml and *.yml file in the configured directory, in name order.
func (l *Loader) LoadDir(ctx context.Context) ([]*model.Playbook, error) {
	entries, err := os.ReadDir(l.config.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read playbook directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	playbooks := make([]*model.Playbook, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pb, err := l.LoadFile(filepath.Join(l.config.Dir, name))
		if err != nil {
			return nil, err
		}
		playbooks = append(playbooks, pb)
	}
	return playbooks, nil
}

// LoadInto loads the directory and registers every playbook, returning how many were registered.
func (l *Loader) LoadInto(ctx context.Context, registry *Registry) (int, error) {
	playbooks, err := l.LoadDir(ctx)
	if err != nil {
		return 0, err
	}
	for _, pb := range playbooks {
		if _, err := registry.Register(pb); err != nil {
			return 0, fmt.Errorf("failed to register playbook %s: %w", pb.ID, err)
		}
	}

	l.logger.Info("playbooks loaded",
		zap.String("dir", l.config.Dir),
		zap.Int("count", len(playbooks)))
	return len(playbooks), nil
}
