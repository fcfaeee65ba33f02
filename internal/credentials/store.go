package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pkt.systems/crewwatch/schema"
	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
	"pkt.systems/pslog"
)

const descriptorName = "crewwatch:session"

// Session is the persisted login state.
type Session struct {
	AccessToken string        `json:"access_token"`
	TokenType   string        `json:"token_type,omitempty"`
	BaseURL     string        `json:"base_url,omitempty"`
	UserID      schema.UserID `json:"user_id,omitempty"`
	Email       string        `json:"email,omitempty"`
	SavedAt     time.Time     `json:"saved_at"`
	ExpiresAt   time.Time     `json:"expires_at,omitempty"`
}

// SessionFromToken builds a session from a login or refresh response.
func SessionFromToken(baseURL string, token schema.Token, now time.Time) Session {
	session := Session{
		AccessToken: token.AccessToken,
		TokenType:   token.TokenType,
		BaseURL:     baseURL,
		SavedAt:     now.UTC(),
	}
	if token.ExpiresIn > 0 {
		session.ExpiresAt = session.SavedAt.Add(time.Duration(token.ExpiresIn) * time.Second)
	}
	session.UserID = token.User.ID
	session.Email = token.User.Email
	return session
}

// FileStore keeps the session encrypted on disk with kryptograf. The root key
// lives in the key store file; the session itself in a separate file.
type FileStore struct {
	storePath string
	tokenPath string
	log       pslog.Logger

	mu sync.Mutex
}

// NewFileStore ensures the key store exists and returns a session store.
func NewFileStore(storePath, tokenPath string, logger pslog.Logger) (*FileStore, error) {
	if strings.TrimSpace(storePath) == "" {
		return nil, fmt.Errorf("credential key store path is required")
	}
	if strings.TrimSpace(tokenPath) == "" {
		return nil, fmt.Errorf("credential token path is required")
	}
	if err := EnsureKeyStore(storePath, logger); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(tokenPath), 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("credential_file", tokenPath)
	}
	return &FileStore{storePath: storePath, tokenPath: tokenPath, log: logger}, nil
}

// Token returns the stored access token.
func (s *FileStore) Token(context.Context) (string, error) {
	session, err := s.Load()
	if err != nil {
		return "", err
	}
	return session.AccessToken, nil
}

// Load decrypts the stored session. A missing file yields ErrMissingCredential.
func (s *FileStore) Load() (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	file, err := os.Open(s.tokenPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Session{}, schema.ErrMissingCredential
		}
		s.warn("credential load failed", err)
		return Session{}, err
	}
	defer func() { _ = file.Close() }()
	material, root, err := s.material()
	if err != nil {
		return Session{}, err
	}
	reader, err := kryptograf.New(root).DecryptReader(file, material)
	if err != nil {
		s.warn("credential load failed", err)
		return Session{}, err
	}
	defer func() { _ = reader.Close() }()
	plain, err := io.ReadAll(reader)
	if err != nil {
		s.warn("credential load failed", err)
		return Session{}, err
	}
	var session Session
	if err := json.Unmarshal(plain, &session); err != nil {
		s.warn("credential decode failed", err)
		return Session{}, err
	}
	if strings.TrimSpace(session.AccessToken) == "" {
		return Session{}, schema.ErrMissingCredential
	}
	return session, nil
}

// Save encrypts and writes session, replacing any previous one.
func (s *FileStore) Save(session Session) error {
	if strings.TrimSpace(session.AccessToken) == "" {
		return fmt.Errorf("%w: empty access token", schema.ErrInvalidRequest)
	}
	if session.SavedAt.IsZero() {
		session.SavedAt = time.Now().UTC()
	}
	plain, err := json.Marshal(session)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	material, root, err := s.material()
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.tokenPath), ".session-*")
	if err != nil {
		s.warn("credential save failed", err)
		return err
	}
	tmpPath := tmp.Name()
	fail := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		s.warn("credential save failed", err)
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		return fail(err)
	}
	writer, err := kryptograf.New(root).EncryptWriter(tmp, material)
	if err != nil {
		return fail(err)
	}
	if _, err := io.Copy(writer, bytes.NewReader(plain)); err != nil {
		_ = writer.Close()
		return fail(err)
	}
	if err := writer.Close(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		s.warn("credential save failed", err)
		return err
	}
	if err := os.Rename(tmpPath, s.tokenPath); err != nil {
		_ = os.Remove(tmpPath)
		s.warn("credential save failed", err)
		return err
	}
	if s.log != nil {
		s.log.Info("credential saved", "email", session.Email)
	}
	return nil
}

// SaveToken replaces the access token and keeps the rest of the session.
func (s *FileStore) SaveToken(token string) error {
	session, err := s.Load()
	if err != nil && !errors.Is(err, schema.ErrMissingCredential) {
		return err
	}
	session.AccessToken = token
	session.SavedAt = time.Now().UTC()
	session.ExpiresAt = time.Time{}
	return s.Save(session)
}

// Remove deletes the stored session. Removing a missing session is not an error.
func (s *FileStore) Remove() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.tokenPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.warn("credential remove failed", err)
		return err
	}
	if s.log != nil {
		s.log.Info("credential removed")
	}
	return nil
}

func (s *FileStore) material() (keymgmt.Material, keymgmt.RootKey, error) {
	store, err := keymgmt.LoadProto(s.storePath)
	if err != nil {
		s.warn("credential material load failed", err)
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		s.warn("credential material load failed", err)
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	material, err := store.EnsureDescriptor(descriptorName, root, []byte(descriptorName))
	if err != nil {
		s.warn("credential material ensure failed", err)
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	// Commit writes only when a root key or descriptor was created above.
	if err := store.Commit(); err != nil {
		s.warn("credential material commit failed", err)
		return keymgmt.Material{}, keymgmt.RootKey{}, err
	}
	return material, root, nil
}

func (s *FileStore) warn(msg string, err error) {
	if s.log != nil {
		s.log.Warn(msg, "err", err)
	}
}
