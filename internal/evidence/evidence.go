// Package evidence gates dispute attachments and hands accepted files to an
// object store. Only the policy (extensions and size) lives here; storage
// mechanics belong to the ObjectStore implementation.
package evidence

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/gigmarket/trustcore/internal/apperr"
	"github.com/gigmarket/trustcore/internal/idgen"
	"github.com/gigmarket/trustcore/internal/retry"
)

// MaxFileSize is the per-file cap (20 MiB).
const MaxFileSize int64 = 20 << 20

var (
	ErrExtensionNotAllowed = fmt.Errorf("%w: file type not allowed", apperr.ErrValidation)
	ErrTooLarge            = fmt.Errorf("%w: file exceeds 20 MiB", apperr.ErrValidation)
	ErrEmptyFile           = fmt.Errorf("%w: file is empty", apperr.ErrValidation)
)

// Policy decides which files may be attached.
type Policy struct {
	Allowed  map[string]bool
	Denied   map[string]bool
	MaxBytes int64
}

// DefaultPolicy accepts documents and images only.
func DefaultPolicy() Policy {
	denied := setOf(".exe", ".bat", ".cmd", ".com", ".msi", ".sh", ".ps1", ".scr",
		".js", ".jar", ".vbs", ".dll", ".app", ".apk", ".bin")
	return Policy{
		Allowed:  setOf(".pdf", ".jpg", ".jpeg", ".png", ".webp", ".txt", ".doc", ".docx"),
		Denied:   denied,
		MaxBytes: MaxFileSize,
	}
}

// Check validates a file name and size. Every extension in the name is
// checked against the deny-list so "invoice.exe.pdf" is refused too.
func (p Policy) Check(name string, size int64) error {
	base := strings.ToLower(filepath.Base(strings.TrimSpace(name)))
	if base == "" || base == "." || base == "/" {
		return apperr.Validation("name", "required")
	}
	parts := strings.Split(base, ".")
	for _, part := range parts[1:] {
		if p.Denied["."+part] {
			return fmt.Errorf("%w: .%s", ErrExtensionNotAllowed, part)
		}
	}
	ext := filepath.Ext(base)
	if !p.Allowed[ext] {
		return fmt.Errorf("%w: %q", ErrExtensionNotAllowed, ext)
	}
	if size <= 0 {
		return ErrEmptyFile
	}
	if size > p.MaxBytes {
		return ErrTooLarge
	}
	return nil
}

// Attachment is the metadata kept on a dispute once the file is stored.
type Attachment struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType,omitempty"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256"`
	StorageKey  string    `json:"storageKey"`
	UploadedBy  string    `json:"uploadedBy"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

// File is an upload before it passes the policy.
type File struct {
	Name        string
	ContentType string
	Content     []byte
}

// ObjectStore stores attachment bytes. Put must be idempotent per key.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
}

// Vault applies the policy and writes accepted files to the object store.
type Vault struct {
	store   ObjectStore
	policy  Policy
	retry   retry.Policy
	timeout time.Duration
	now     func() time.Time
}

// NewVault creates a vault over store.
func NewVault(store ObjectStore, policy Policy) *Vault {
	return &Vault{store: store, policy: policy, retry: retry.DefaultPolicy, timeout: 10 * time.Second, now: time.Now}
}

// WithRetry overrides the upload retry policy.
func (v *Vault) WithRetry(p retry.Policy) *Vault {
	v.retry = p
	return v
}

// WithTimeout bounds each upload attempt.
func (v *Vault) WithTimeout(d time.Duration) *Vault {
	v.timeout = d
	return v
}

// Policy returns the vault's policy.
func (v *Vault) Policy() Policy { return v.policy }

// Check validates files without storing them.
func (v *Vault) Check(files ...File) error {
	for _, f := range files {
		if err := v.policy.Check(f.Name, int64(len(f.Content))); err != nil {
			return err
		}
	}
	return nil
}

// Store validates f and uploads it under the owner's prefix.
func (v *Vault) Store(ctx context.Context, owner, actorID string, f File) (*Attachment, error) {
	if err := v.Check(f); err != nil {
		return nil, err
	}
	sum := sha256.Sum256(f.Content)
	id := idgen.WithPrefix(idgen.Evidence)
	ext := strings.ToLower(filepath.Ext(f.Name))
	a := &Attachment{
		ID:          id,
		Name:        filepath.Base(f.Name),
		ContentType: f.ContentType,
		Size:        int64(len(f.Content)),
		SHA256:      hex.EncodeToString(sum[:]),
		StorageKey:  fmt.Sprintf("evidence/%s/%s%s", owner, id, ext),
		UploadedBy:  actorID,
	}

	err := v.retry.Transient(ctx, func(int) error {
		callCtx, cancel := context.WithTimeout(ctx, v.timeout)
		defer cancel()
		if err := v.store.Put(callCtx, a.StorageKey, bytes.NewReader(f.Content), a.Size, a.ContentType); err != nil {
			return apperr.External("evidence.put", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.UploadedAt = v.now()
	return a, nil
}

func setOf(exts ...string) map[string]bool {
	m := make(map[string]bool, len(exts))
	for _, e := range exts {
		m[e] = true
	}
	return m
}
