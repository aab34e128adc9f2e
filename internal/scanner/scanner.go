// Package scanner runs asynchronous content checks on uploaded documents.
package scanner

import (
	"bytes"
	"context"
	"fmt"
	"io"
)

// Verdict is the outcome of scanning a document.
type Verdict string

const (
	VerdictClean    Verdict = "clean"
	VerdictInfected Verdict = "infected"
)

// Scanner checks document content and returns a verdict. A non-nil error
// means the scan itself failed, not that the content is bad.
type Scanner interface {
	Scan(ctx context.Context, content io.Reader) (Verdict, string, error)
}

// EICARSignature is the standard anti-virus test string. It is included in
// the default signature set so the pipeline can be exercised end to end.
const EICARSignature = `X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`

// SignatureScanner flags content containing any of a set of byte signatures.
type SignatureScanner struct {
	signatures map[string][]byte
	maxSigLen  int
}

// NewSignatureScanner creates a scanner over the given named signatures.
// When none are given the EICAR test signature is used.
func NewSignatureScanner(signatures map[string][]byte) *SignatureScanner {
	if len(signatures) == 0 {
		signatures = map[string][]byte{
			"eicar-test-file": []byte(EICARSignature),
		}
	}

	maxLen := 0
	for _, sig := range signatures {
		if len(sig) > maxLen {
			maxLen = len(sig)
		}
	}

	return &SignatureScanner{signatures: signatures, maxSigLen: maxLen}
}

const scanChunkSize = 64 * 1024

// Scan streams the content through the signature set. Chunks overlap by the
// longest signature length so matches across chunk boundaries are found.
func (s *SignatureScanner) Scan(ctx context.Context, content io.Reader) (Verdict, string, error) {
	buf := make([]byte, 0, scanChunkSize+s.maxSigLen)
	chunk := make([]byte, scanChunkSize)

	for {
		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		default:
		}

		n, err := content.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for name, sig := range s.signatures {
				if bytes.Contains(buf, sig) {
					return VerdictInfected, name, nil
				}
			}
			// Keep only the tail that could still start a match
			if keep := s.maxSigLen - 1; len(buf) > keep && keep > 0 {
				copy(buf, buf[len(buf)-keep:])
				buf = buf[:keep]
			} else if keep <= 0 {
				buf = buf[:0]
			}
		}
		if err == io.EOF {
			return VerdictClean, "", nil
		}
		if err != nil {
			return "", "", fmt.Errorf("failed to read content: %w", err)
		}
	}
}
