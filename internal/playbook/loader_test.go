package playbook

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yazhsab/qbitel-bridge/go/soar/internal/model"
)

const ransomwarePlaybook = `
id: pb-ransomware
version: "1.2.0"
name: Ransomware response
threat_types: [ransomware]
severities: [critical, high]
approval_required: false
auto_execute: true
approvers: [soc-lead]
actions:
  - id: isolate
    name: Isolate host
    category: containment
    handler: quarantine_host
    rollback_enabled: true
    timeout: 30s
  - id: notify
    name: Notify SOC
    category: notification
    depends_on: [isolate]
    conditions:
      - field: severity
        operator: equals
        value: critical
`

type signer struct {
	key    *ecdsa.PrivateKey
	pubPEM string
}

func newSigner(t *testing.T, dir string) *signer {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPath := filepath.Join(dir, "cosign.pub")
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))

	return &signer{key: key, pubPEM: pubPath}
}

func (s *signer) sign(t *testing.T, path string) {
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	digest := sha256.Sum256(data)
	sig, err := ecdsa.SignASN1(rand.Reader, s.key, digest[:])
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path+SignatureSuffix, []byte(base64.StdEncoding.EncodeToString(sig)), 0o600))
}

func writePlaybook(t *testing.T, dir, name, content string) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoader_LoadFile(t *testing.T) {
	dir := t.TempDir()
	path := writePlaybook(t, dir, "ransomware.yaml", ransomwarePlaybook)

	loader, err := NewLoader(zaptest.NewLogger(t), &LoaderConfig{Dir: dir})
	require.NoError(t, err)

	pb, err := loader.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "pb-ransomware", pb.ID)
	assert.Equal(t, "1.2.0", pb.Version)
	assert.True(t, pb.AutoExecute)
	assert.Equal(t, []model.Severity{model.SeverityCritical, model.SeverityHigh}, pb.Severities)
	require.Len(t, pb.Actions, 2)
	assert.Equal(t, model.CategoryContainment, pb.Actions[0].Category)
	assert.Equal(t, 30*time.Second, pb.Actions[0].Timeout)
	assert.Equal(t, []string{"isolate"}, pb.Actions[1].DependsOn)
	assert.Equal(t, model.Condition{Field: "severity", Operator: model.OpEquals, Value: "critical"}, pb.Actions[1].Conditions[0])
}

func TestLoader_SignedPlaybooks(t *testing.T) {
	dir := t.TempDir()
	keys := newSigner(t, t.TempDir())
	path := writePlaybook(t, dir, "ransomware.yaml", ransomwarePlaybook)
	keys.sign(t, path)

	loader, err := NewLoader(zaptest.NewLogger(t), &LoaderConfig{
		Dir:              dir,
		PublicKeyPath:    keys.pubPEM,
		RequireSignature: true,
	})
	require.NoError(t, err)

	_, err = loader.LoadFile(path)
	require.NoError(t, err)

	// tamper after signing
	require.NoError(t, os.WriteFile(path, []byte(ransomwarePlaybook+"\ndescription: changed\n"), 0o600))
	_, err = loader.LoadFile(path)
	assert.Error(t, err)
}

func TestLoader_MissingSignature(t *testing.T) {
	dir := t.TempDir()
	keys := newSigner(t, t.TempDir())
	path := writePlaybook(t, dir, "ransomware.yaml", ransomwarePlaybook)

	strict, err := NewLoader(zaptest.NewLogger(t), &LoaderConfig{Dir: dir, PublicKeyPath: keys.pubPEM, RequireSignature: true})
	require.NoError(t, err)
	_, err = strict.LoadFile(path)
	assert.Error(t, err)

	lenient, err := NewLoader(zaptest.NewLogger(t), &LoaderConfig{Dir: dir, PublicKeyPath: keys.pubPEM})
	require.NoError(t, err)
	_, err = lenient.LoadFile(path)
	assert.NoError(t, err)
}

func TestNewLoader_RequireSignatureWithoutKey(t *testing.T) {
	_, err := NewLoader(zaptest.NewLogger(t), &LoaderConfig{Dir: t.TempDir(), RequireSignature: true})
	assert.Error(t, err)
}

func TestLoader_LoadInto(t *testing.T) {
	dir := t.TempDir()
	writePlaybook(t, dir, "b-ransomware.yml", ransomwarePlaybook)
	writePlaybook(t, dir, "a-phishing.yaml", `
id: pb-phishing
version: "1"
actions:
  - id: reset
    category: remediation
`)
	writePlaybook(t, dir, "README.md", "not a playbook")

	loader, err := NewLoader(zaptest.NewLogger(t), &LoaderConfig{Dir: dir})
	require.NoError(t, err)

	registry := NewRegistry(zaptest.NewLogger(t), &recorder{})
	n, err := loader.LoadInto(context.Background(), registry)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = registry.Get("pb-phishing")
	assert.NoError(t, err)
}

func TestLoader_InvalidPlaybookRejected(t *testing.T) {
	dir := t.TempDir()
	writePlaybook(t, dir, "cycle.yaml", `
id: pb-cycle
version: "1"
actions:
  - id: a
    category: other
    depends_on: [b]
  - id: b
    category: other
    depends_on: [a]
`)

	loader, err := NewLoader(zaptest.NewLogger(t), &LoaderConfig{Dir: dir})
	require.NoError(t, err)

	_, err = loader.LoadInto(context.Background(), NewRegistry(zaptest.NewLogger(t), &recorder{}))
	assert.True(t, errors.Is(err, model.ErrDependencyCycle))
}
