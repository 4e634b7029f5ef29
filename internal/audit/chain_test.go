package audit

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jglowsoap/jimini/internal/config"
)

func testRecord(i int) Record {
	return Record{
		Timestamp:   Timestamp(time.Now()),
		RequestID:   "req_" + strings.Repeat("a", 8) + hex.EncodeToString([]byte{byte(i)}),
		AgentID:     "agent-1",
		Endpoint:    "/v1/chat",
		Direction:   "response",
		Action:      "block",
		RuleIDs:     []string{"OPENAI-KEY-1.0"},
		TextHash:    strings.Repeat("ab", 32),
		TextExcerpt: "my key [REDACTED]",
	}
}

func openTestChain(t *testing.T, path, algo string) *Chain {
	t.Helper()
	chain, err := Open(path, NewHasher(algo), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = chain.Close() })
	return chain
}

func TestAppendSeedsGenesisWithZeroHash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	chain := openTestChain(t, path, "sha3_256")

	sealed, err := chain.Append(testRecord(0))
	require.NoError(t, err)
	require.Equal(t, ZeroHash, sealed.PreviousHash)
	require.NotEmpty(t, sealed.RecordHash)
	require.Equal(t, "sha3_256", sealed.AlgoLabels.Hash)
	require.Equal(t, "none", sealed.AlgoLabels.Sig)
	require.Empty(t, sealed.Signature)
}

func TestAppendLinksRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	chain := openTestChain(t, path, "sha3_256")

	first, err := chain.Append(testRecord(0))
	require.NoError(t, err)
	second, err := chain.Append(testRecord(1))
	require.NoError(t, err)
	require.Equal(t, first.RecordHash, second.PreviousHash)
}

func TestReopenContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	chain := openTestChain(t, path, "sha3_256")
	first, err := chain.Append(testRecord(0))
	require.NoError(t, err)
	require.NoError(t, chain.Close())

	reopened := openTestChain(t, path, "sha3_256")
	second, err := reopened.Append(testRecord(1))
	require.NoError(t, err)
	require.Equal(t, first.RecordHash, second.PreviousHash)

	result, err := Verify(path)
	require.NoError(t, err)
	require.True(t, result.OK)
	require.Equal(t, 2, result.Records)
}

func TestVerifyCleanChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	chain := openTestChain(t, path, "sha3_256")
	for i := 0; i < 10; i++ {
		_, err := chain.Append(testRecord(i))
		require.NoError(t, err)
	}

	result, err := Verify(path)
	require.NoError(t, err)
	require.True(t, result.OK)
	require.Equal(t, 10, result.Records)
	require.Nil(t, result.FirstBadIndex)
}

func TestVerifyDetectsTamperedExcerpt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	chain := openTestChain(t, path, "sha3_256")
	for i := 0; i < 10; i++ {
		_, err := chain.Append(testRecord(i))
		require.NoError(t, err)
	}

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 10)

	var tampered Record
	require.NoError(t, json.Unmarshal([]byte(lines[4]), &tampered))
	tampered.TextExcerpt = "my key [REDACTEX]"
	mutated, err := json.Marshal(tampered)
	require.NoError(t, err)
	lines[4] = string(mutated)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o640))

	result, err := Verify(path)
	require.NoError(t, err)
	require.False(t, result.OK)
	require.NotNil(t, result.FirstBadIndex)
	require.Equal(t, 4, *result.FirstBadIndex)
}

func TestVerifyDetectsBrokenLink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	chain := openTestChain(t, path, "sha3_256")
	for i := 0; i < 3; i++ {
		_, err := chain.Append(testRecord(i))
		require.NoError(t, err)
	}

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")

	// Drop the middle record so the chain skips a link.
	require.NoError(t, os.WriteFile(path, []byte(lines[0]+"\n"+lines[2]+"\n"), 0o640))

	result, err := Verify(path)
	require.NoError(t, err)
	require.False(t, result.OK)
	require.Equal(t, 1, *result.FirstBadIndex)
	require.Contains(t, result.Reason, "previous_hash")
}

func TestVerifyMissingFileIsOK(t *testing.T) {
	result, err := Verify(filepath.Join(t.TempDir(), "absent.jsonl"))
	require.NoError(t, err)
	require.True(t, result.OK)
	require.Equal(t, 0, result.Records)
}

func TestVerifyUsesPerRecordHashLabel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	chain := openTestChain(t, path, "sha256")
	_, err := chain.Append(testRecord(0))
	require.NoError(t, err)
	require.NoError(t, chain.Close())

	// Continue the same file with a different algorithm; verification must
	// honor each record's own label.
	mixed := openTestChain(t, path, "sha3_512")
	_, err = mixed.Append(testRecord(1))
	require.NoError(t, err)

	result, err := Verify(path)
	require.NoError(t, err)
	require.True(t, result.OK)
}

func TestHasherFallsBackToSHA3(t *testing.T) {
	h := NewHasher("whirlpool")
	require.Equal(t, "sha3_256", h.Name)
	require.Len(t, h.Sum([]byte("x")), 32)
}

func writeEd25519Keys(t *testing.T, dir string) (string, string, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "jimini_ed25519.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}), 0o600))

	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPath := filepath.Join(dir, "jimini_ed25519.pub")
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}), 0o600))

	return privPath, pubPath, pub
}

func TestSignedRecordsCarryVerifiableSignatures(t *testing.T) {
	dir := t.TempDir()
	privPath, pubPath, pub := writeEd25519Keys(t, dir)

	signer, err := NewSigner(config.AuditConfig{SigAlgo: "ed25519", SigningKey: privPath, SigningPub: pubPath})
	require.NoError(t, err)
	require.Equal(t, "ed25519", signer.Label())

	path := filepath.Join(dir, "audit.jsonl")
	chain, err := Open(path, NewHasher("sha3_256"), signer, nil)
	require.NoError(t, err)
	defer func() { _ = chain.Close() }()

	sealed, err := chain.Append(testRecord(0))
	require.NoError(t, err)
	require.Equal(t, "ed25519", sealed.AlgoLabels.Sig)
	require.NotEmpty(t, sealed.Signature)

	sig, err := hex.DecodeString(sealed.Signature)
	require.NoError(t, err)
	require.True(t, ed25519.Verify(pub, []byte(sealed.RecordHash), sig))

	// The signature is excluded from hashing, so the chain still verifies.
	result, err := Verify(path)
	require.NoError(t, err)
	require.True(t, result.OK)
}

func TestSignerDisabledWhenAlgoNone(t *testing.T) {
	signer, err := NewSigner(config.AuditConfig{SigAlgo: "none"})
	require.NoError(t, err)
	require.Nil(t, signer)
	require.Equal(t, "none", signer.Label())
	require.Nil(t, signer.Sign("abc"))
}

func TestSignerMissingKeyReportsError(t *testing.T) {
	_, err := NewSigner(config.AuditConfig{SigAlgo: "ed25519", SigningKey: filepath.Join(t.TempDir(), "missing.pem")})
	require.Error(t, err)
}

func TestExcerptTruncatesTo200Runes(t *testing.T) {
	long := strings.Repeat("é", 300)
	excerpt := Excerpt(long)
	require.Equal(t, 200, len([]rune(excerpt)))

	short := "short"
	require.Equal(t, short, Excerpt(short))
}

func TestTimestampFormat(t *testing.T) {
	ts := Timestamp(time.Date(2025, 3, 14, 9, 26, 53, 589_000_000, time.UTC))
	require.Equal(t, "2025-03-14T09:26:53.589Z", ts)
}
