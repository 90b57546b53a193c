package auth

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Dicklesworthstone/warden/internal/core"
	"github.com/Dicklesworthstone/warden/internal/fsutil"
	"github.com/Dicklesworthstone/warden/internal/utils"
)

// ManifestName is the integrity manifest inside the auth directory.
const ManifestName = "integrity.sha256"

// KeyName holds the manifest's HMAC key. The guard refuses any agent
// operation that names it.
const KeyName = "integrity.key"

const macPrefix = "hmac "

// protectedFiles are the auth files covered by the manifest when present.
var protectedFiles = []string{
	"bypass.hash",
	"superadmin.hash",
}

// Integrity maintains keyed checksums over the auth state's own files and
// the warden binary that wrote them.
type Integrity struct {
	dir        string
	executable func() (string, error)
}

// NewIntegrity returns the manifest manager for an auth directory.
func NewIntegrity(dir string) *Integrity {
	return &Integrity{dir: dir, executable: runningBinary}
}

func runningBinary() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(exe)
}

// ManifestPath returns the manifest location.
func (i *Integrity) ManifestPath() string {
	return filepath.Join(i.dir, ManifestName)
}

// KeyPath returns the HMAC key location.
func (i *Integrity) KeyPath() string {
	return filepath.Join(i.dir, KeyName)
}

func fileSHA256(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// loadKey reads the HMAC key, creating it when create is set and it is missing.
func (i *Integrity) loadKey(create bool) ([]byte, error) {
	if err := fsutil.CheckRegular(i.KeyPath()); err != nil {
		return nil, err
	}
	line, err := fsutil.ReadFirstLine(i.KeyPath())
	if err == nil {
		key, err := hex.DecodeString(strings.TrimSpace(line))
		if err != nil || len(key) < 32 {
			return nil, errors.New("integrity key malformed")
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) || !create {
		return nil, err
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := fsutil.AtomicWrite(i.KeyPath(), []byte(hex.EncodeToString(key)+"\n"), 0600); err != nil {
		return nil, err
	}
	return key, nil
}

// Update rewrites the manifest over every protected file that exists and
// the running binary, then seals it with the HMAC key.
func (i *Integrity) Update() error {
	return fsutil.WithLock(i.ManifestPath(), func() error {
		var b strings.Builder
		for _, name := range protectedFiles {
			sum, err := fileSHA256(filepath.Join(i.dir, name))
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				return fmt.Errorf("hashing %s: %w", name, err)
			}
			fmt.Fprintf(&b, "%s  %s\n", sum, name)
		}
		if b.Len() == 0 {
			_, err := fsutil.RemoveIfExists(i.ManifestPath())
			return err
		}

		exe, err := i.executable()
		if err != nil {
			return fmt.Errorf("locating warden binary: %w", err)
		}
		sum, err := fileSHA256(exe)
		if err != nil {
			return fmt.Errorf("hashing %s: %w", exe, err)
		}
		fmt.Fprintf(&b, "%s  %s\n", sum, exe)

		key, err := i.loadKey(true)
		if err != nil {
			return fmt.Errorf("integrity key: %w", err)
		}
		body := b.String()
		b.WriteString(macPrefix + utils.HMAC(key, []byte(body)) + "\n")
		return fsutil.AtomicWrite(i.ManifestPath(), []byte(b.String()), 0600)
	})
}

// Verify checks the manifest seal, then every protected file and every
// recorded binary against it. A protected file that exists but is not
// listed, a listed file that is gone, or a checksum mismatch all yield an
// IntegrityError.
func (i *Integrity) Verify() error {
	recorded, err := i.readManifest()
	if err != nil {
		return err
	}
	if err := i.verifyFiles(recorded); err != nil {
		return err
	}
	return verifyBinaries(recorded)
}

// VerifyCredentials is Verify without the binary check. Resealing after an
// upgrade relies on it so that only the binary entry may change.
func (i *Integrity) VerifyCredentials() error {
	recorded, err := i.readManifest()
	if err != nil {
		return err
	}
	return i.verifyFiles(recorded)
}

func (i *Integrity) verifyFiles(recorded map[string]string) error {
	for _, name := range protectedFiles {
		path := filepath.Join(i.dir, name)
		if err := fsutil.CheckRegular(path); err != nil {
			return &core.IntegrityError{Path: name, Err: err}
		}
		sum, err := fileSHA256(path)
		want, listed := recorded[name]
		switch {
		case errors.Is(err, os.ErrNotExist) && !listed:
			continue
		case errors.Is(err, os.ErrNotExist):
			return &core.IntegrityError{Path: name, Err: errors.New("protected file removed")}
		case err != nil:
			return &core.IntegrityError{Path: name, Err: err}
		case !listed:
			return &core.IntegrityError{Path: name, Err: errors.New("file not in manifest")}
		case sum != want:
			return &core.IntegrityError{Path: name, Err: errors.New("checksum mismatch")}
		}
	}
	return nil
}

// verifyBinaries checks the absolute-path entries Update recorded.
func verifyBinaries(recorded map[string]string) error {
	for name, want := range recorded {
		if !filepath.IsAbs(name) {
			continue
		}
		sum, err := fileSHA256(name)
		switch {
		case errors.Is(err, os.ErrNotExist):
			return &core.IntegrityError{Path: name, Err: errors.New("binary removed")}
		case err != nil:
			return &core.IntegrityError{Path: name, Err: err}
		case sum != want:
			return &core.IntegrityError{Path: name, Err: errors.New("binary checksum mismatch")}
		}
	}
	return nil
}

// readManifest parses the manifest after checking its seal. A missing
// manifest reads as empty; Verify then fails if any credential exists.
func (i *Integrity) readManifest() (map[string]string, error) {
	if err := fsutil.CheckRegular(i.ManifestPath()); err != nil {
		return nil, &core.IntegrityError{Path: ManifestName, Err: err}
	}
	data, err := os.ReadFile(i.ManifestPath())
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, &core.IntegrityError{Path: ManifestName, Err: err}
	}

	at := bytes.LastIndex(data, []byte(macPrefix))
	if at < 0 || (at > 0 && data[at-1] != '\n') {
		return nil, &core.IntegrityError{Path: ManifestName, Err: errors.New("manifest not sealed")}
	}
	key, err := i.loadKey(false)
	if err != nil {
		return nil, &core.IntegrityError{Path: KeyName, Err: err}
	}
	body := data[:at]
	sig := strings.TrimSpace(string(data[at+len(macPrefix):]))
	if !utils.VerifyHMAC(key, body, sig) {
		return nil, &core.IntegrityError{Path: ManifestName, Err: errors.New("manifest seal mismatch")}
	}

	lines := strings.Split(string(body), "\n")
	recorded := make(map[string]string, len(lines))
	for n, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sum, name, ok := strings.Cut(line, "  ")
		if !ok || sum == "" || name == "" {
			return nil, &core.IntegrityError{Path: ManifestName, Err: fmt.Errorf("line %d malformed", n+1)}
		}
		recorded[name] = sum
	}
	return recorded, nil
}

// Entries returns the manifest as sorted "name sum" pairs for status output.
func (i *Integrity) Entries() ([][2]string, error) {
	recorded, err := i.readManifest()
	if err != nil {
		return nil, err
	}
	out := make([][2]string, 0, len(recorded))
	for name, sum := range recorded {
		out = append(out, [2]string{name, sum})
	}
	sort.Slice(out, func(a, b int) bool { return out[a][0] < out[b][0] })
	return out, nil
}
